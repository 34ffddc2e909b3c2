package config

import (
	"errors"
	"fmt"
	"net/url"
)

// ValidationError collects every invalid field found by Validate.
type ValidationError struct {
	Errors []FieldError
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("invalid configuration: %d errors, first: %s: %s",
		len(e.Errors), e.Errors[0].Field, e.Errors[0].Message)
}

// ErrInvalidConfig is matched by every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// Is reports whether target is ErrInvalidConfig.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.HTTP.Addr == "" {
		v.add("http.addr", "must not be empty")
	}

	cache := c.Cache
	if cache.L2.Enabled {
		if cache.RedisURL == "" {
			v.add("cache.redisUrl", "required when l2 is enabled")
		} else if u, err := url.Parse(cache.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			v.add("cache.redisUrl", "must be a redis:// or rediss:// URL")
		}
	}
	if cache.DefaultTTL < 0 {
		v.add("cache.defaultTtl", "must not be negative")
	}
	if cache.MaxKeyLength < 0 {
		v.add("cache.maxKeyLength", "must not be negative")
	}
	if cache.L1.Enabled && cache.L1.MaxSize <= 0 {
		v.add("cache.l1.maxSize", "must be positive when l1 is enabled")
	}
	if cache.L1.TTL < 0 {
		v.add("cache.l1.ttl", "must not be negative")
	}
	if cache.L2.TTL < 0 {
		v.add("cache.l2.ttl", "must not be negative")
	}

	m := c.Monitoring
	if m.Enabled && m.Interval <= 0 {
		v.add("monitoring.interval", "must be positive when monitoring is enabled")
	}
	if m.Thresholds.HitRatio < 0 || m.Thresholds.HitRatio > 1 {
		v.add("monitoring.thresholds.hitRatio", "must be within [0,1]")
	}
	if m.Thresholds.ErrorRate < 0 || m.Thresholds.ErrorRate > 1 {
		v.add("monitoring.thresholds.errorRate", "must be within [0,1]")
	}
	if m.Thresholds.ResponseTime < 0 {
		v.add("monitoring.thresholds.responseTime", "must not be negative")
	}

	b := c.Backup
	if b.Enabled {
		if b.Interval <= 0 {
			v.add("backup.interval", "must be positive when backup is enabled")
		}
		if b.Dir == "" {
			v.add("backup.dir", "must not be empty when backup is enabled")
		}
		if !cache.L2.Enabled {
			v.add("backup.enabled", "requires cache.l2.enabled")
		}
	}
	if (b.S3.AccessKeyID == "") != (b.S3.SecretAccessKey == "") {
		v.add("backup.s3.accessKeyId", "must be set together with secretAccessKey")
	}
	if b.Retention < 0 {
		v.add("backup.retention", "must not be negative")
	}

	w := c.Warming
	if w.Enabled && w.Interval <= 0 {
		v.add("warming.interval", "must be positive when warming is enabled")
	}
	if w.BatchSize < 0 {
		v.add("warming.batchSize", "must not be negative")
	}
	if w.Rate < 0 {
		v.add("warming.rate", "must not be negative")
	}

	if len(v.Errors) > 0 {
		return v
	}
	return nil
}
