package cache

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avacache/internal/keyspace"
)

var (
	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = keyspace.ErrInvalidKey

	// ErrInvalidTTL is returned for negative TTLs.
	ErrInvalidTTL = errors.New("invalid ttl")

	// ErrL2Unavailable is returned by L2 calls when no client is configured.
	ErrL2Unavailable = errors.New("l2 unavailable")
)

// Layer identifies a cache tier.
type Layer int

// Cache tiers.
const (
	LayerL1 Layer = iota + 1
	LayerL2
)

// String implements fmt.Stringer.
func (l Layer) String() string {
	switch l {
	case LayerL1:
		return "l1"
	case LayerL2:
		return "l2"
	default:
		return "unknown"
	}
}

// Entry is a cached value with its expiry metadata.
type Entry struct {
	Key       string
	Value     []byte
	TTL       time.Duration
	CreatedAt time.Time
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time
	Layer     Layer
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Recorder receives one sample per cache operation.
type Recorder interface {
	RecordHit(d time.Duration)
	RecordMiss(d time.Duration)
	RecordSet(d time.Duration)
	RecordDelete(d time.Duration)
	RecordError(op string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordHit(time.Duration)            {}
func (nopRecorder) RecordMiss(time.Duration)           {}
func (nopRecorder) RecordSet(time.Duration)            {}
func (nopRecorder) RecordDelete(time.Duration)         {}
func (nopRecorder) RecordError(string, time.Duration) {}

// Loader computes the value for a key on a miss.
type Loader func(ctx context.Context, key string) ([]byte, error)

// WarmResult summarises a warm batch.
type WarmResult struct {
	// Warmed counts keys that were loaded and stored.
	Warmed int `json:"warmed"`
	// Skipped counts keys that were already present.
	Skipped int `json:"skipped"`
	// Failed counts keys whose loader or key validation failed.
	Failed int `json:"failed"`
}

// Add accumulates another result.
func (r *WarmResult) Add(o WarmResult) {
	r.Warmed += o.Warmed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// expiryFor returns the absolute expiry for ttl, capped by limit.
// A zero ttl means no expiry unless limit applies.
func expiryFor(now time.Time, ttl, limit time.Duration) time.Time {
	ttl = capTTL(ttl, limit)
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func capTTL(ttl, limit time.Duration) time.Duration {
	if limit > 0 && (ttl <= 0 || ttl > limit) {
		return limit
	}
	return ttl
}
