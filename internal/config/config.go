package config

import "time"

// Default configuration values.
const (
	DefaultHTTPAddr         = ":8080"
	DefaultRedisURL         = "redis://localhost:6379/0"
	DefaultKeyPrefix        = "avacache:"
	DefaultTTL              = 5 * time.Minute
	DefaultL1MaxSize        = 10000
	DefaultL1TTL            = time.Minute
	DefaultL2TTL            = time.Hour
	DefaultL2Timeout        = 500 * time.Millisecond
	DefaultSweepInterval    = time.Minute
	DefaultMaxKeyLength     = 1024
	DefaultMonitorInterval  = time.Minute
	DefaultMinSamples       = 100
	DefaultHitRatioFloor    = 0.8
	DefaultResponseTimeMs   = 100
	DefaultErrorRateCeiling = 0.05
	DefaultBackupInterval   = 24 * time.Hour
	DefaultBackupRetention  = 7
	DefaultBackupDir        = "./backups"
	DefaultWarmingInterval  = time.Hour
	DefaultWarmingBatchSize = 100
	DefaultBreakerFailures  = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// Config is the root configuration of the cache service.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	Backup     BackupConfig     `yaml:"backup" json:"backup"`
	Warming    WarmingConfig    `yaml:"warming" json:"warming"`
}

// HTTPConfig configures the REST listener.
type HTTPConfig struct {
	Addr            string   `yaml:"addr" json:"addr"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
}

// CacheConfig configures the two cache tiers and the backing store.
type CacheConfig struct {
	// RedisURL is the backing-store URL, redis://[user:password@]host:port[/db].
	RedisURL string `yaml:"redisUrl" json:"redisUrl"`

	// KeyPrefix namespaces every key written to the backing store.
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix"`

	// DefaultTTL is used by the REST surface when a request has no ttl.
	DefaultTTL Duration `yaml:"defaultTtl" json:"defaultTtl"`

	// MaxKeyLength bounds caller keys before namespacing.
	MaxKeyLength int `yaml:"maxKeyLength,omitempty" json:"maxKeyLength,omitempty"`

	L1 L1Config `yaml:"l1" json:"l1"`
	L2 L2Config `yaml:"l2" json:"l2"`
}

// L1Config configures the process-local LRU tier.
type L1Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxSize is the maximum number of entries held in L1.
	MaxSize int `yaml:"maxSize" json:"maxSize"`

	// TTL caps how long an entry stays in L1, even if its L2 TTL is longer.
	TTL Duration `yaml:"ttl" json:"ttl"`

	// SweepInterval is how often expired L1 entries and in-process locks are
	// actively removed.
	SweepInterval Duration `yaml:"sweepInterval,omitempty" json:"sweepInterval,omitempty"`
}

// L2Config configures the shared Redis tier.
type L2Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TTL caps how long an entry stays in L2.
	TTL Duration `yaml:"ttl" json:"ttl"`

	// OperationTimeout bounds every backing-store call.
	OperationTimeout Duration `yaml:"operationTimeout,omitempty" json:"operationTimeout,omitempty"`

	PoolSize int `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`

	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures int `yaml:"breakerFailures,omitempty" json:"breakerFailures,omitempty"`

	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout Duration `yaml:"breakerTimeout,omitempty" json:"breakerTimeout,omitempty"`
}

// MonitoringConfig configures hit/miss monitoring and alerting.
type MonitoringConfig struct {
	Enabled    bool             `yaml:"enabled" json:"enabled"`
	Interval   Duration         `yaml:"interval" json:"interval"`
	MinSamples int              `yaml:"minSamples,omitempty" json:"minSamples,omitempty"`
	Thresholds ThresholdsConfig `yaml:"thresholds" json:"thresholds"`
	WebhookURL string           `yaml:"webhookUrl,omitempty" json:"webhookUrl,omitempty"`
}

// ThresholdsConfig holds alert thresholds.
type ThresholdsConfig struct {
	// HitRatio is the floor below which an alert fires (0..1).
	HitRatio float64 `yaml:"hitRatio" json:"hitRatio"`

	// ResponseTime is the average response-time ceiling in milliseconds.
	ResponseTime float64 `yaml:"responseTime" json:"responseTime"`

	// ErrorRate is the ceiling on errors per operation (0..1).
	ErrorRate float64 `yaml:"errorRate" json:"errorRate"`
}

// BackupConfig configures keyspace snapshots.
type BackupConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Interval  Duration `yaml:"interval" json:"interval"`
	Retention int      `yaml:"retention" json:"retention"`
	Dir       string   `yaml:"dir" json:"dir"`
	S3        S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// S3Config configures the optional backup mirror.
type S3Config struct {
	Bucket         string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region         string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint       string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix         string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	ForcePathStyle bool   `yaml:"forcePathStyle,omitempty" json:"forcePathStyle,omitempty"`

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string `yaml:"accessKeyId,omitempty" json:"-"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty" json:"-"`
}

// WarmingConfig configures cache warming.
type WarmingConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Interval Duration `yaml:"interval" json:"interval"`

	// Strategies restricts scheduled runs to the named strategies.
	// Empty means every registered strategy.
	Strategies []string `yaml:"strategies,omitempty" json:"strategies,omitempty"`

	BatchSize int `yaml:"batchSize" json:"batchSize"`

	// Rate limits loader calls per second during warming; 0 is unlimited.
	Rate float64 `yaml:"rate,omitempty" json:"rate,omitempty"`

	// Keys are warmed by the built-in "hot-keys" strategy.
	Keys []string `yaml:"keys,omitempty" json:"keys,omitempty"`
	TTL  Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            DefaultHTTPAddr,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{SamplingRate: 1.0},
		Cache: CacheConfig{
			RedisURL:     DefaultRedisURL,
			KeyPrefix:    DefaultKeyPrefix,
			DefaultTTL:   Duration(DefaultTTL),
			MaxKeyLength: DefaultMaxKeyLength,
			L1: L1Config{
				Enabled:       true,
				MaxSize:       DefaultL1MaxSize,
				TTL:           Duration(DefaultL1TTL),
				SweepInterval: Duration(DefaultSweepInterval),
			},
			L2: L2Config{
				Enabled:          true,
				TTL:              Duration(DefaultL2TTL),
				OperationTimeout: Duration(DefaultL2Timeout),
				BreakerFailures:  DefaultBreakerFailures,
				BreakerTimeout:   Duration(DefaultBreakerTimeout),
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:    true,
			Interval:   Duration(DefaultMonitorInterval),
			MinSamples: DefaultMinSamples,
			Thresholds: ThresholdsConfig{
				HitRatio:     DefaultHitRatioFloor,
				ResponseTime: DefaultResponseTimeMs,
				ErrorRate:    DefaultErrorRateCeiling,
			},
		},
		Backup: BackupConfig{
			Enabled:   false,
			Interval:  Duration(DefaultBackupInterval),
			Retention: DefaultBackupRetention,
			Dir:       DefaultBackupDir,
		},
		Warming: WarmingConfig{
			Enabled:   false,
			Interval:  Duration(DefaultWarmingInterval),
			BatchSize: DefaultWarmingBatchSize,
		},
	}
}
