package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vyrodovalexey/avacache/internal/cache"
)

type generatedValue struct {
	Key         string    `json:"key"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// defaultLoader produces a timestamped placeholder for a key. Embedding
// services replace it with their own origin lookup.
func defaultLoader(now func() time.Time) cache.Loader {
	return func(_ context.Context, key string) ([]byte, error) {
		return json.Marshal(generatedValue{Key: key, GeneratedAt: now().UTC()})
	}
}
