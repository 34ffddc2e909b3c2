package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/invalidation"
	"github.com/vyrodovalexey/avacache/internal/monitoring"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// loaderFailedMsg prefixes 502 responses from cache-aside loads.
const loaderFailedMsg = "loader failed"

type cacheResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type warmRequest struct {
	Keys []string `json:"keys" binding:"required"`
	// TTL is in seconds; absent means the configured default.
	TTL *int64 `json:"ttl"`
}

type strategiesRequest struct {
	Strategy string `json:"strategy"`
}

type outcomeResponse struct {
	Strategy string  `json:"strategy"`
	Duration float64 `json:"durationMs"`
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Panicked bool    `json:"panicked,omitempty"`
}

type invalidateRequest struct {
	Key     string `json:"key"`
	Pattern string `json:"pattern"`
}

type statsResponse struct {
	monitoring.Snapshot
	cache.Stats
}

// ttlSeconds converts a seconds value to a duration, falling back to def.
func (s *Server) ttlSeconds(v *int64) (time.Duration, error) {
	if v == nil {
		return s.deps.DefaultTTL, nil
	}
	if *v < 0 {
		return 0, errInvalidTTL
	}
	return time.Duration(*v) * time.Second, nil
}

func (s *Server) getCache(c *gin.Context) {
	key := c.Param("key")
	if err := s.deps.Store.Codec().Validate(key); err != nil {
		fail(c, err)
		return
	}

	var ttlParam *int64
	if raw, ok := c.GetQuery("ttl"); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errInvalidTTL)
			return
		}
		ttlParam = &n
	}
	ttl, err := s.ttlSeconds(ttlParam)
	if err != nil {
		fail(c, err)
		return
	}

	ctx := c.Request.Context()
	if v, ok := s.deps.Store.Get(ctx, key); ok {
		c.JSON(http.StatusOK, cacheResponse{Key: key, Value: string(v)})
		return
	}

	// Concurrent misses for one key share a single load. The load outlives
	// the caller that started it so a disconnect does not fail the others.
	loadCtx := context.WithoutCancel(ctx)
	v, err, shared := s.loads.Do(key, func() (interface{}, error) {
		value, err := s.deps.Loader(loadCtx, key)
		if err != nil {
			return nil, err
		}
		if err := s.deps.Store.Set(loadCtx, key, value, ttl); err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		s.logger.WithContext(ctx).Warn("cache-aside load failed",
			observability.String("key", key),
			observability.Error(err))
		abortWithError(c, http.StatusBadGateway, fmt.Errorf("%s: %w", loaderFailedMsg, err))
		return
	}
	if shared {
		c.Header("X-Cache-Load", "shared")
	}

	value, _ := v.([]byte)
	c.JSON(http.StatusOK, cacheResponse{Key: key, Value: string(value)})
}

func (s *Server) warm(c *gin.Context) {
	var req warmRequest
	if !bindJSON(c, &req) {
		return
	}
	ttl, err := s.ttlSeconds(req.TTL)
	if err != nil {
		fail(c, err)
		return
	}

	res := s.deps.Store.Warm(c.Request.Context(), req.Keys, ttl, s.deps.Loader)
	c.JSON(http.StatusOK, res)
}

func (s *Server) runStrategies(c *gin.Context) {
	var req strategiesRequest
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}

	outcomes, err := s.deps.Warming.WarmCache(c.Request.Context(), req.Strategy)
	if err != nil {
		fail(c, err)
		return
	}

	resp := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		r := outcomeResponse{
			Strategy: o.Strategy,
			Duration: float64(o.Duration) / float64(time.Millisecond),
			OK:       o.OK(),
			Panicked: o.Panicked,
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": resp})
}

func (s *Server) invalidate(c *gin.Context) {
	var req invalidateRequest
	if !bindJSON(c, &req) {
		return
	}

	n, err := s.deps.Invalidator.Do(c.Request.Context(), invalidation.Request{
		Key:     req.Key,
		Pattern: req.Pattern,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Snapshot: s.deps.Monitor.Snapshot(),
		Stats:    s.deps.Store.Stats(),
	})
}
