package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Generator GeneratorConfig `yaml:"generator" mapstructure:"generator"`
	Sandbox   SandboxConfig   `yaml:"sandbox" mapstructure:"sandbox"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Adapters  AdaptersConfig  `yaml:"adapters" mapstructure:"adapters"`
	Router    RouterConfig    `yaml:"router" mapstructure:"router"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistent metadata store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RegistryConfig configures the deployment registry cache.
type RegistryConfig struct {
	CacheTTLSecs    int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheSweepSecs  int `yaml:"cache_sweep_secs" mapstructure:"cache_sweep_secs"`
	LookupTimeoutMs int `yaml:"lookup_timeout_ms" mapstructure:"lookup_timeout_ms"`
}

// TTL returns the cache TTL as a duration.
func (c RegistryConfig) TTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// SweepInterval returns the cache janitor interval as a duration.
func (c RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.CacheSweepSecs) * time.Second
}

// LookupTimeout bounds one cache-miss store lookup.
func (c RegistryConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutMs) * time.Millisecond
}

// GeneratorConfig configures the adaptive handler generator.
type GeneratorConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SandboxConfig bounds candidate-handler execution.
type SandboxConfig struct {
	WallClockMs    int `yaml:"wall_clock_ms" mapstructure:"wall_clock_ms"`
	MaxSampleBytes int `yaml:"max_sample_bytes" mapstructure:"max_sample_bytes"`
	MaxOutputBytes int `yaml:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// WallClock returns the sandbox execution bound as a duration.
func (c SandboxConfig) WallClock() time.Duration {
	return time.Duration(c.WallClockMs) * time.Millisecond
}

// IngestConfig configures the ingestion orchestrator.
type IngestConfig struct {
	FanOut           int     `yaml:"fan_out" mapstructure:"fan_out"`
	ChunkMaxRunes    int     `yaml:"chunk_max_runes" mapstructure:"chunk_max_runes"`
	ChunkOverlap     int     `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	EmbedBatchSize   int     `yaml:"embed_batch_size" mapstructure:"embed_batch_size"`
	EmbedRatePerSec  float64 `yaml:"embed_rate_per_sec" mapstructure:"embed_rate_per_sec"`
	FetchTimeoutSecs int     `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	FetchRatePerSec  float64 `yaml:"fetch_rate_per_sec" mapstructure:"fetch_rate_per_sec"`
}

// AdaptersConfig configures the adapter manager.
type AdaptersConfig struct {
	Capacity         int            `yaml:"capacity" mapstructure:"capacity"`
	BackendCapacity  map[string]int `yaml:"backend_capacity" mapstructure:"backend_capacity"`
	AttachTimeoutMs  int            `yaml:"attach_timeout_ms" mapstructure:"attach_timeout_ms"`
	FailureThreshold int            `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int            `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AttachTimeout returns the ensure-active latency bound as a duration.
func (c AdaptersConfig) AttachTimeout() time.Duration {
	return time.Duration(c.AttachTimeoutMs) * time.Millisecond
}

// CapacityFor returns the adapter capacity for a backend, falling back to
// the default capacity.
func (c AdaptersConfig) CapacityFor(backend string) int {
	if n, ok := c.BackendCapacity[backend]; ok && n > 0 {
		return n
	}
	return c.Capacity
}

// RouterConfig configures capability dispatch. SharedServices maps a
// capability name to the base URL of the shared service offering it;
// capabilities without an entry dispatch to the tenant's private stack.
type RouterConfig struct {
	SharedServices map[string]string `yaml:"shared_services" mapstructure:"shared_services"`
	RetrievalTopK  int               `yaml:"retrieval_top_k" mapstructure:"retrieval_top_k"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORTEXA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("registry.cache_ttl_secs", 300)
	v.SetDefault("registry.cache_sweep_secs", 60)
	v.SetDefault("registry.lookup_timeout_ms", 2000)
	v.SetDefault("generator.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("generator.max_attempts", 3)
	v.SetDefault("generator.max_tokens", 4096)
	v.SetDefault("sandbox.wall_clock_ms", 2000)
	v.SetDefault("sandbox.max_sample_bytes", 65536)
	v.SetDefault("sandbox.max_output_bytes", 4194304)
	v.SetDefault("ingest.fan_out", 4)
	v.SetDefault("ingest.chunk_max_runes", 1600)
	v.SetDefault("ingest.chunk_overlap", 200)
	v.SetDefault("ingest.embed_batch_size", 32)
	v.SetDefault("ingest.embed_rate_per_sec", 10.0)
	v.SetDefault("ingest.fetch_timeout_secs", 30)
	v.SetDefault("ingest.fetch_rate_per_sec", 0.0)
	v.SetDefault("adapters.capacity", 8)
	v.SetDefault("adapters.attach_timeout_ms", 800)
	v.SetDefault("adapters.failure_threshold", 5)
	v.SetDefault("adapters.reset_timeout_secs", 30)
	v.SetDefault("router.retrieval_top_k", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
