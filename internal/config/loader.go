package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML file at path (if any), applies CACHE_* environment
// overrides and validates the result. An empty path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		f, err := os.Open(absPath) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()

		if err := decodeInto(cfg, f, os.LookupEnv); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromReader parses YAML from r on top of the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeInto(cfg, r, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader, lookup LookupFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	content := substituteEnvVars(string(data), lookup)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// "$$" escapes a literal dollar sign.
func substituteEnvVars(content string, lookup LookupFunc) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		if value, ok := lookup(submatches[1]); ok {
			return value
		}
		if len(submatches) >= 3 {
			return submatches[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

// envBinding maps one CACHE_* variable onto a config field.
type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{"CACHE_HTTP_ADDR", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{"CACHE_REDIS_URL", func(c *Config, v string) error { c.Cache.RedisURL = v; return nil }},
	{"CACHE_KEY_PREFIX", func(c *Config, v string) error { c.Cache.KeyPrefix = v; return nil }},
	{"CACHE_DEFAULT_TTL", durationSetter(func(c *Config) *Duration { return &c.Cache.DefaultTTL })},
	{"CACHE_L1_ENABLED", boolSetter(func(c *Config) *bool { return &c.Cache.L1.Enabled })},
	{"CACHE_L1_MAX_SIZE", intSetter(func(c *Config) *int { return &c.Cache.L1.MaxSize })},
	{"CACHE_L1_TTL", durationSetter(func(c *Config) *Duration { return &c.Cache.L1.TTL })},
	{"CACHE_L2_ENABLED", boolSetter(func(c *Config) *bool { return &c.Cache.L2.Enabled })},
	{"CACHE_L2_TTL", durationSetter(func(c *Config) *Duration { return &c.Cache.L2.TTL })},
	{"CACHE_L2_TIMEOUT", durationSetter(func(c *Config) *Duration { return &c.Cache.L2.OperationTimeout })},
	{"CACHE_MONITORING_ENABLED", boolSetter(func(c *Config) *bool { return &c.Monitoring.Enabled })},
	{"CACHE_MONITORING_INTERVAL", durationSetter(func(c *Config) *Duration { return &c.Monitoring.Interval })},
	{"CACHE_ALERT_HIT_RATIO", floatSetter(func(c *Config) *float64 { return &c.Monitoring.Thresholds.HitRatio })},
	{"CACHE_ALERT_RESPONSE_TIME", floatSetter(func(c *Config) *float64 { return &c.Monitoring.Thresholds.ResponseTime })},
	{"CACHE_ALERT_ERROR_RATE", floatSetter(func(c *Config) *float64 { return &c.Monitoring.Thresholds.ErrorRate })},
	{"CACHE_ALERT_WEBHOOK_URL", func(c *Config, v string) error { c.Monitoring.WebhookURL = v; return nil }},
	{"CACHE_BACKUP_ENABLED", boolSetter(func(c *Config) *bool { return &c.Backup.Enabled })},
	{"CACHE_BACKUP_INTERVAL", durationSetter(func(c *Config) *Duration { return &c.Backup.Interval })},
	{"CACHE_BACKUP_RETENTION", intSetter(func(c *Config) *int { return &c.Backup.Retention })},
	{"CACHE_BACKUP_DIR", func(c *Config, v string) error { c.Backup.Dir = v; return nil }},
	{"CACHE_BACKUP_S3_BUCKET", func(c *Config, v string) error { c.Backup.S3.Bucket = v; return nil }},
	{"CACHE_BACKUP_S3_REGION", func(c *Config, v string) error { c.Backup.S3.Region = v; return nil }},
	{"CACHE_BACKUP_S3_ENDPOINT", func(c *Config, v string) error { c.Backup.S3.Endpoint = v; return nil }},
	{"CACHE_BACKUP_S3_ACCESS_KEY_ID", func(c *Config, v string) error { c.Backup.S3.AccessKeyID = v; return nil }},
	{"CACHE_BACKUP_S3_SECRET_ACCESS_KEY", func(c *Config, v string) error { c.Backup.S3.SecretAccessKey = v; return nil }},
	{"CACHE_WARMING_ENABLED", boolSetter(func(c *Config) *bool { return &c.Warming.Enabled })},
	{"CACHE_WARMING_INTERVAL", durationSetter(func(c *Config) *Duration { return &c.Warming.Interval })},
	{"CACHE_WARMING_STRATEGIES", listSetter(func(c *Config) *[]string { return &c.Warming.Strategies })},
	{"CACHE_WARMING_BATCH_SIZE", intSetter(func(c *Config) *int { return &c.Warming.BatchSize })},
	{"CACHE_WARMING_RATE", floatSetter(func(c *Config) *float64 { return &c.Warming.Rate })},
	{"CACHE_WARMING_KEYS", listSetter(func(c *Config) *[]string { return &c.Warming.Keys })},
}

// ApplyEnv overlays CACHE_* environment variables onto cfg. All malformed
// values are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, b := range envBindings {
		value, ok := lookup(b.name)
		if !ok || value == "" {
			continue
		}
		if err := b.apply(cfg, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

func durationSetter(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		// Bare integers are seconds, matching the REST ttl parameter.
		if n, err := strconv.Atoi(v); err == nil {
			*field(c) = Duration(time.Duration(n) * time.Second)
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			*field(c) = true
		case "false", "0", "no", "off":
			*field(c) = false
		default:
			return fmt.Errorf("invalid boolean %q", v)
		}
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func listSetter(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*field(c) = out
		return nil
	}
}
