package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Models       ModelsConfig       `yaml:"models" mapstructure:"models"`
	Verification VerificationConfig `yaml:"verification" mapstructure:"verification"`
	Worker       WorkerConfig       `yaml:"worker" mapstructure:"worker"`
	Storage      StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Failures     FailuresConfig     `yaml:"failures" mapstructure:"failures"`
	Replay       ReplayConfig       `yaml:"replay" mapstructure:"replay"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// QueueConfig configures the Redis Streams transport and stream names.
type QueueConfig struct {
	RedisURL  string      `yaml:"redis_url" mapstructure:"redis_url"`
	Inbound   string      `yaml:"inbound" mapstructure:"inbound"`
	Outbound  string      `yaml:"outbound" mapstructure:"outbound"`
	Embedded  string      `yaml:"embedded" mapstructure:"embedded"`
	Group     string      `yaml:"group" mapstructure:"group"`
	Consumer  string      `yaml:"consumer" mapstructure:"consumer"`
	BlockSecs int         `yaml:"block_secs" mapstructure:"block_secs"`

	// ClaimIdleSecs is how long an unacknowledged entry may sit with a
	// dead consumer before another worker claims it.
	ClaimIdleSecs int         `yaml:"claim_idle_secs" mapstructure:"claim_idle_secs"`
	Retry         RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// CacheConfig configures the versioned stage cache.
type CacheConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	RedisURL   string `yaml:"redis_url" mapstructure:"redis_url"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Prefix     string `yaml:"prefix" mapstructure:"prefix"`
}

// ModelsConfig configures the escalation chain and provider credentials.
type ModelsConfig struct {
	Chain         []ModelSpec   `yaml:"chain" mapstructure:"chain"`
	ChainFile     string        `yaml:"chain_file" mapstructure:"chain_file"`
	AnthropicKey  string        `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	GeminiKey     string        `yaml:"gemini_key" mapstructure:"gemini_key"`
	MaxTokens     int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs   int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
	Retry         RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker       BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// ModelSpec is one entry in the escalation chain, cheapest first.
type ModelSpec struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RetryConfig configures a resilience.Policy.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      float64 `yaml:"jitter" mapstructure:"jitter"`
}

// BreakerConfig configures per-model circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// VerificationConfig configures the similarity check.
type VerificationConfig struct {
	Threshold       float64 `yaml:"threshold" mapstructure:"threshold"`
	TruncationRatio float64 `yaml:"truncation_ratio" mapstructure:"truncation_ratio"`
}

// WorkerConfig configures the consume loop.
type WorkerConfig struct {
	SummaryEvery        int `yaml:"summary_every" mapstructure:"summary_every"`
	SummaryIntervalSecs int `yaml:"summary_interval_secs" mapstructure:"summary_interval_secs"`
	ErrorBackoffMs      int `yaml:"error_backoff_ms" mapstructure:"error_backoff_ms"`
}

// StorageConfig configures the two commit backends.
type StorageConfig struct {
	Relational  RelationalConfig `yaml:"relational" mapstructure:"relational"`
	Vectorial   VectorialConfig  `yaml:"vectorial" mapstructure:"vectorial"`
	StripFields []string         `yaml:"strip_fields" mapstructure:"strip_fields"`
	TimeoutSecs int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retry       RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// RelationalConfig selects the relational transport.
type RelationalConfig struct {
	Transport   string `yaml:"transport" mapstructure:"transport"`
	RESTURL     string `yaml:"rest_url" mapstructure:"rest_url"`
	GRPCTarget  string `yaml:"grpc_target" mapstructure:"grpc_target"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// VectorialConfig selects the vector transport.
type VectorialConfig struct {
	Transport    string `yaml:"transport" mapstructure:"transport"`
	RESTURL      string `yaml:"rest_url" mapstructure:"rest_url"`
	GRPCTarget   string `yaml:"grpc_target" mapstructure:"grpc_target"`
	QdrantHost   string `yaml:"qdrant_host" mapstructure:"qdrant_host"`
	QdrantPort   int    `yaml:"qdrant_port" mapstructure:"qdrant_port"`
	QdrantTLS    bool   `yaml:"qdrant_tls" mapstructure:"qdrant_tls"`
	QdrantAPIKey string `yaml:"qdrant_api_key" mapstructure:"qdrant_api_key"`
	Collection   string `yaml:"collection" mapstructure:"collection"`
	VectorSize   uint64 `yaml:"vector_size" mapstructure:"vector_size"`
}

// FailuresConfig configures the failure log.
type FailuresConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ReplayConfig configures cache replay.
type ReplayConfig struct {
	Stage       string `yaml:"stage" mapstructure:"stage"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing is USD per million tokens. Providers report a single token
// total per call, so Blended is applied to tokens_used.
type ModelPricing struct {
	Input   float64 `yaml:"input" mapstructure:"input"`
	Output  float64 `yaml:"output" mapstructure:"output"`
	Blended float64 `yaml:"blended" mapstructure:"blended"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("NORMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Cache.RedisURL == "" {
		cfg.Cache.RedisURL = cfg.Queue.RedisURL
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.inbound", "norms.purified")
	v.SetDefault("queue.outbound", "norms.structured")
	v.SetDefault("queue.embedded", "norms.embedded")
	v.SetDefault("queue.group", "norm-structurer")
	v.SetDefault("queue.consumer", "")
	v.SetDefault("queue.block_secs", 5)
	v.SetDefault("queue.claim_idle_secs", 600)
	v.SetDefault("queue.retry.max_attempts", 3)
	v.SetDefault("queue.retry.base_delay_ms", 200)
	v.SetDefault("queue.retry.max_delay_ms", 5000)
	v.SetDefault("queue.retry.multiplier", 2.0)
	v.SetDefault("queue.retry.jitter", 0.25)

	v.SetDefault("cache.driver", "redis")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.sqlite_path", "norm-cache.db")
	v.SetDefault("cache.prefix", "norms:cache:")

	v.SetDefault("models.chain", []map[string]any{
		{"provider": "anthropic", "model": "claude-haiku-4-5-20251001"},
		{"provider": "anthropic", "model": "claude-sonnet-4-5-20250929"},
		{"provider": "anthropic", "model": "claude-opus-4-6"},
	})
	v.SetDefault("models.chain_file", "")
	v.SetDefault("models.anthropic_key", "")
	v.SetDefault("models.gemini_key", "")
	v.SetDefault("models.max_tokens", 16000)
	v.SetDefault("models.timeout_secs", 180)
	v.SetDefault("models.rate_per_second", 0)
	v.SetDefault("models.burst", 1)
	v.SetDefault("models.retry.max_attempts", 3)
	v.SetDefault("models.retry.base_delay_ms", 1000)
	v.SetDefault("models.retry.max_delay_ms", 30000)
	v.SetDefault("models.retry.multiplier", 2.0)
	v.SetDefault("models.retry.jitter", 0.25)
	v.SetDefault("models.breaker.failure_threshold", 5)
	v.SetDefault("models.breaker.cooldown_secs", 60)

	v.SetDefault("verification.threshold", 0.3)
	v.SetDefault("verification.truncation_ratio", 0.5)

	v.SetDefault("worker.summary_every", 50)
	v.SetDefault("worker.summary_interval_secs", 300)
	v.SetDefault("worker.error_backoff_ms", 1000)

	v.SetDefault("storage.relational.transport", "rest")
	v.SetDefault("storage.relational.rest_url", "http://localhost:8081/v1/relational")
	v.SetDefault("storage.relational.grpc_target", "localhost:50051")
	v.SetDefault("storage.relational.database_url", "")
	v.SetDefault("storage.vectorial.transport", "rest")
	v.SetDefault("storage.vectorial.rest_url", "http://localhost:8081/v1/vectorial")
	v.SetDefault("storage.vectorial.grpc_target", "localhost:50051")
	v.SetDefault("storage.vectorial.qdrant_host", "localhost")
	v.SetDefault("storage.vectorial.qdrant_port", 6334)
	v.SetDefault("storage.vectorial.qdrant_tls", false)
	v.SetDefault("storage.vectorial.qdrant_api_key", "")
	v.SetDefault("storage.vectorial.collection", "norms")
	v.SetDefault("storage.vectorial.vector_size", 768)
	v.SetDefault("storage.strip_fields", []string{"embedding", "embeddings", "vector", "vectors"})
	v.SetDefault("storage.timeout_secs", 30)
	v.SetDefault("storage.retry.max_attempts", 3)
	v.SetDefault("storage.retry.base_delay_ms", 500)
	v.SetDefault("storage.retry.max_delay_ms", 10000)
	v.SetDefault("storage.retry.multiplier", 2.0)
	v.SetDefault("storage.retry.jitter", 0.25)

	v.SetDefault("failures.path", "failures.jsonl")

	v.SetDefault("replay.stage", "structuring")
	v.SetDefault("replay.concurrency", 4)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("pricing.models", map[string]any{
		"claude-haiku-4-5-20251001":  map[string]any{"input": 0.80, "output": 4.00, "blended": 1.60},
		"claude-sonnet-4-5-20250929": map[string]any{"input": 3.00, "output": 15.00, "blended": 6.00},
		"claude-opus-4-6":            map[string]any{"input": 15.00, "output": 75.00, "blended": 30.00},
		"gemini-2.5-flash":           map[string]any{"input": 0.30, "output": 2.50, "blended": 0.75},
		"gemini-2.5-pro":             map[string]any{"input": 1.25, "output": 10.00, "blended": 3.00},
	})
}

// InitLogger builds the process logger and installs it as the zap global.
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
