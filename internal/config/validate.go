package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// Modes accepted by Validate.
const (
	ModeWorker      = "worker"
	ModeStoreWorker = "store-worker"
	ModeReplay      = "replay"
	ModeServe       = "serve"
	ModeAdmin       = "admin"
	ModeFailures    = "failures"
)

// Providers supported in the escalation chain.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

var (
	cacheDrivers         = []string{"redis", "sqlite"}
	relationalTransports = []string{"rest", "grpc", "postgres"}
	vectorialTransports  = []string{"rest", "grpc", "qdrant"}
)

// Validate checks the settings a mode needs before it starts. Every problem
// is reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Verification.Threshold < 0 || c.Verification.Threshold > 1 {
		add("verification.threshold must be between 0 and 1")
	}
	if c.Verification.TruncationRatio < 0 || c.Verification.TruncationRatio > 1 {
		add("verification.truncation_ratio must be between 0 and 1")
	}

	switch mode {
	case ModeWorker:
		c.validateQueue(add)
		c.validateCache(add)
		c.validateModels(add)
		if c.Failures.Path == "" {
			add("failures.path is required")
		}
		if c.Worker.SummaryEvery <= 0 {
			add("worker.summary_every must be > 0")
		}
		if c.Worker.SummaryIntervalSecs <= 0 {
			add("worker.summary_interval_secs must be > 0")
		}
	case ModeStoreWorker:
		c.validateQueue(add)
		c.validateStorage(add)
		if c.Failures.Path == "" {
			add("failures.path is required")
		}
	case ModeReplay:
		c.validateQueue(add)
		c.validateCache(add)
		if c.Replay.Concurrency < 1 || c.Replay.Concurrency > 64 {
			add("replay.concurrency must be between 1 and 64")
		}
	case ModeServe:
		c.validateQueue(add)
		c.validateCache(add)
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if c.Replay.Concurrency < 1 || c.Replay.Concurrency > 64 {
			add("replay.concurrency must be between 1 and 64")
		}
	case ModeAdmin:
		c.validateCache(add)
	case ModeFailures:
		if c.Failures.Path == "" {
			add("failures.path is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid %s configuration: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateQueue(add func(string, ...any)) {
	if c.Queue.RedisURL == "" {
		add("queue.redis_url is required")
	}
	if c.Queue.Group == "" {
		add("queue.group is required")
	}
	if c.Queue.BlockSecs <= 0 {
		add("queue.block_secs must be > 0")
	}
}

func (c *Config) validateCache(add func(string, ...any)) {
	if !slices.Contains(cacheDrivers, c.Cache.Driver) {
		add("cache.driver must be one of %s", strings.Join(cacheDrivers, ", "))
		return
	}
	if c.Cache.Driver == "redis" && c.Cache.RedisURL == "" {
		add("cache.redis_url is required for the redis driver")
	}
	if c.Cache.Driver == "sqlite" && c.Cache.SQLitePath == "" {
		add("cache.sqlite_path is required for the sqlite driver")
	}
}

// ValidateChain checks a model chain loaded from elsewhere, such as
// models.chain_file, against the configured provider credentials.
func (c *Config) ValidateChain(chain []ModelSpec) error {
	var problems []string
	c.validateChain(chain, func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	})
	if len(problems) > 0 {
		return eris.Errorf("config: invalid model chain: %s", strings.Join(problems, "; "))
	}
	return nil
}

// validateModels checks models.chain. A chain file replaces it and is
// checked with ValidateChain once loaded.
func (c *Config) validateModels(add func(string, ...any)) {
	if c.Models.ChainFile != "" {
		return
	}
	c.validateChain(c.Models.Chain, add)
}

func (c *Config) validateChain(chain []ModelSpec, add func(string, ...any)) {
	if len(chain) == 0 {
		add("models.chain must list at least one model")
		return
	}
	seen := make(map[string]bool, len(chain))
	for i, m := range chain {
		switch m.Provider {
		case ProviderAnthropic:
			if c.Models.AnthropicKey == "" {
				add("models.anthropic_key is required for chain entry %d (%s)", i, m.Model)
			}
		case ProviderGemini:
			if c.Models.GeminiKey == "" {
				add("models.gemini_key is required for chain entry %d (%s)", i, m.Model)
			}
		default:
			add("models.chain[%d].provider %q is not supported", i, m.Provider)
		}
		if m.Model == "" {
			add("models.chain[%d].model is required", i)
		}
		key := m.Provider + "/" + m.Model
		if seen[key] {
			add("models.chain[%d] repeats %s", i, key)
		}
		seen[key] = true
	}
}

func (c *Config) validateStorage(add func(string, ...any)) {
	rel := c.Storage.Relational
	switch {
	case !slices.Contains(relationalTransports, rel.Transport):
		add("storage.relational.transport must be one of %s", strings.Join(relationalTransports, ", "))
	case rel.Transport == "rest" && rel.RESTURL == "":
		add("storage.relational.rest_url is required")
	case rel.Transport == "grpc" && rel.GRPCTarget == "":
		add("storage.relational.grpc_target is required")
	case rel.Transport == "postgres" && rel.DatabaseURL == "":
		add("storage.relational.database_url is required")
	}

	vec := c.Storage.Vectorial
	switch {
	case !slices.Contains(vectorialTransports, vec.Transport):
		add("storage.vectorial.transport must be one of %s", strings.Join(vectorialTransports, ", "))
	case vec.Transport == "rest" && vec.RESTURL == "":
		add("storage.vectorial.rest_url is required")
	case vec.Transport == "grpc" && vec.GRPCTarget == "":
		add("storage.vectorial.grpc_target is required")
	case vec.Transport == "qdrant" && (vec.QdrantHost == "" || vec.Collection == ""):
		add("storage.vectorial.qdrant_host and collection are required")
	}
}
