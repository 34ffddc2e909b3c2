package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avacache/internal/lock"
)

type acquireRequest struct {
	Resource string `json:"resource" binding:"required"`
	// TTL is in seconds.
	TTL int64 `json:"ttl"`
	// Wait, in seconds, polls until the lock is free or the wait elapses.
	Wait int64 `json:"wait"`
}

type releaseRequest struct {
	Key   string `json:"key" binding:"required"`
	Token string `json:"token" binding:"required"`
}

type extendRequest struct {
	Key   string `json:"key" binding:"required"`
	Token string `json:"token" binding:"required"`
	TTL   int64  `json:"ttl"`
}

// acquireLock answers 200 whether or not the lock was taken.
func (s *Server) acquireLock(c *gin.Context) {
	var req acquireRequest
	if !bindJSON(c, &req) {
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	var (
		res lock.Result
		err error
	)
	if req.Wait > 0 {
		res, err = s.deps.Locks.AcquireWithWait(c.Request.Context(), req.Resource, ttl, time.Duration(req.Wait)*time.Second)
	} else {
		res, err = s.deps.Locks.Acquire(c.Request.Context(), req.Resource, ttl)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) releaseLock(c *gin.Context) {
	var req releaseRequest
	if !bindJSON(c, &req) {
		return
	}

	released, err := s.deps.Locks.Release(c.Request.Context(), req.Key, req.Token)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (s *Server) extendLock(c *gin.Context) {
	var req extendRequest
	if !bindJSON(c, &req) {
		return
	}

	extended, err := s.deps.Locks.Extend(c.Request.Context(), req.Key, req.Token, time.Duration(req.TTL)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended": extended})
}
