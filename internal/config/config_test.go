package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultKeyPrefix, cfg.Cache.KeyPrefix)
	assert.Equal(t, DefaultTTL, cfg.Cache.DefaultTTL.Duration())
	assert.True(t, cfg.Cache.L1.Enabled)
	assert.True(t, cfg.Cache.L2.Enabled)
}

func TestLoadFromReader(t *testing.T) {
	t.Setenv("AVACACHE_TEST_REDIS", "redis://cache:6380/2")

	yamlDoc := `
cache:
  redisUrl: ${AVACACHE_TEST_REDIS}
  keyPrefix: ${AVACACHE_TEST_MISSING:-puzzle:}
  defaultTtl: 90s
  l1:
    enabled: true
    maxSize: 50
    ttl: 10s
monitoring:
  thresholds:
    hitRatio: 0.5
    responseTime: 20
    errorRate: 0.1
warming:
  strategies: [hot-keys]
  keys: [a, b]
`
	cfg, err := LoadFromReader(strings.NewReader(yamlDoc))
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6380/2", cfg.Cache.RedisURL)
	assert.Equal(t, "puzzle:", cfg.Cache.KeyPrefix)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL.Duration())
	assert.Equal(t, 50, cfg.Cache.L1.MaxSize)
	assert.Equal(t, 10*time.Second, cfg.Cache.L1.TTL.Duration())
	assert.Equal(t, 0.5, cfg.Monitoring.Thresholds.HitRatio)
	assert.Equal(t, []string{"hot-keys"}, cfg.Warming.Strategies)
	assert.Equal(t, []string{"a", "b"}, cfg.Warming.Keys)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultBackupRetention, cfg.Backup.Retention)
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("cache: [unclosed"))
	assert.Error(t, err)
}

func TestSubstituteEnvVars_EscapedDollar(t *testing.T) {
	t.Parallel()

	out := substituteEnvVars("price: $$5 ${X:-d}", mapLookup(nil))
	assert.Equal(t, "price: $5 d", out)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	err := ApplyEnv(cfg, mapLookup(map[string]string{
		"CACHE_REDIS_URL":          "redis://other:6379",
		"CACHE_KEY_PREFIX":         "p:",
		"CACHE_DEFAULT_TTL":        "120",
		"CACHE_L1_ENABLED":         "false",
		"CACHE_L1_MAX_SIZE":        "7",
		"CACHE_L2_TTL":             "2h",
		"CACHE_ALERT_HIT_RATIO":    "0.25",
		"CACHE_BACKUP_ENABLED":     "yes",
		"CACHE_BACKUP_RETENTION":   "3",
		"CACHE_WARMING_STRATEGIES": "hot-keys, leaderboard ,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis://other:6379", cfg.Cache.RedisURL)
	assert.Equal(t, "p:", cfg.Cache.KeyPrefix)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL.Duration())
	assert.False(t, cfg.Cache.L1.Enabled)
	assert.Equal(t, 7, cfg.Cache.L1.MaxSize)
	assert.Equal(t, 2*time.Hour, cfg.Cache.L2.TTL.Duration())
	assert.Equal(t, 0.25, cfg.Monitoring.Thresholds.HitRatio)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 3, cfg.Backup.Retention)
	assert.Equal(t, []string{"hot-keys", "leaderboard"}, cfg.Warming.Strategies)
}

func TestApplyEnv_ReportsAllMalformedValues(t *testing.T) {
	t.Parallel()

	err := ApplyEnv(DefaultConfig(), mapLookup(map[string]string{
		"CACHE_L1_ENABLED":  "maybe",
		"CACHE_L1_MAX_SIZE": "lots",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_L1_ENABLED")
	assert.Contains(t, err.Error(), "CACHE_L1_MAX_SIZE")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad redis scheme", func(c *Config) { c.Cache.RedisURL = "http://x" }, "cache.redisUrl"},
		{"empty redis url", func(c *Config) { c.Cache.RedisURL = "" }, "cache.redisUrl"},
		{"l1 size", func(c *Config) { c.Cache.L1.MaxSize = 0 }, "cache.l1.maxSize"},
		{"hit ratio range", func(c *Config) { c.Monitoring.Thresholds.HitRatio = 1.5 }, "monitoring.thresholds.hitRatio"},
		{"backup needs l2", func(c *Config) {
			c.Backup.Enabled = true
			c.Cache.L2.Enabled = false
		}, "backup.enabled"},
		{"warming interval", func(c *Config) {
			c.Warming.Enabled = true
			c.Warming.Interval = 0
		}, "warming.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Errors))
			for _, fe := range verr.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_L2DisabledAllowsEmptyURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Cache.L2.Enabled = false
	cfg.Cache.RedisURL = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  keyPrefix: file:\n  defaultTtl: 1m\n"), 0o600))

	t.Setenv("CACHE_DEFAULT_TTL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file:", cfg.Cache.KeyPrefix)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL.Duration())
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, time.Duration(0), d.Duration())

	out, err := Duration(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}
