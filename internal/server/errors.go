package server

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avacache/internal/backup"
	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/invalidation"
	"github.com/vyrodovalexey/avacache/internal/lock"
	"github.com/vyrodovalexey/avacache/internal/warming"
)

var (
	errBackupsDisabled = errors.New("backups are disabled")
	errInvalidTTL      = errors.New("ttl must be a non-negative number of seconds")
	errBackupPath      = errors.New("path must be a backup file name")
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrInvalidKey),
		errors.Is(err, cache.ErrInvalidTTL),
		errors.Is(err, errInvalidTTL),
		errors.Is(err, invalidation.ErrEmptyRequest),
		errors.Is(err, invalidation.ErrAmbiguousRequest),
		errors.Is(err, lock.ErrInvalidTTL),
		errors.Is(err, lock.ErrInvalidResource),
		errors.Is(err, backup.ErrCorruptBackup),
		errors.Is(err, errBackupPath):
		return http.StatusBadRequest
	case errors.Is(err, warming.ErrUnknownStrategy),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, errBackupsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error":   http.StatusText(status),
		"message": err.Error(),
	})
}

func fail(c *gin.Context, err error) {
	abortWithError(c, statusFor(err), err)
}

// bindJSON decodes the request body and answers 400 on failure.
func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return false
	}
	return true
}
