package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/norm-structurer/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Cache = config.CacheConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "cache.db")}
	cfg.Failures.Path = filepath.Join(dir, "failures.jsonl")
	cfg.Verification = config.VerificationConfig{Threshold: 0.3, TruncationRatio: 0.5}
	cfg.Models.AnthropicKey = "sk-ant-test"
	cfg.Models.MaxTokens = 4096
	cfg.Models.Chain = []config.ModelSpec{{Provider: config.ProviderAnthropic, Model: "claude-haiku-4-5-20251001"}}
	return cfg
}

func TestInitEnv_OpensRequestedParts(t *testing.T) {
	env, err := initEnv(context.Background(), testConfig(t), config.ModeAdmin, envParts{Cache: true, Failures: true})
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Cache)
	assert.NotNil(t, env.Failures)
	assert.Nil(t, env.Queue)
	assert.NotNil(t, env.Metrics)
}

func TestInitEnv_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Driver = "s3"
	_, err := initEnv(context.Background(), cfg, config.ModeAdmin, envParts{Cache: true})
	assert.ErrorContains(t, err, "cache.driver")

	_, err = initEnv(context.Background(), nil, config.ModeAdmin, envParts{})
	assert.Error(t, err)
}

func TestNewEngine_ChainFileOverridesConfig(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`models:
  - provider: anthropic
    model: claude-haiku-4-5-20251001
  - provider: anthropic
    model: claude-sonnet-4-5-20250929
    max_tokens: 8192
`), 0o644))
	cfg.Models.ChainFile = path

	engine, err := newEngine(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, engine)

	cfg.Models.ChainFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = newEngine(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewEngine_RejectsDuplicateModels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.Chain = append(cfg.Models.Chain, cfg.Models.Chain[0])
	_, err := newEngine(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "listed twice")
}

func TestNewEngine_ChainFileNeedsProviderCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.AnthropicKey = ""
	cfg.Models.GeminiKey = "gm-test"
	cfg.Models.Chain = []config.ModelSpec{{Provider: config.ProviderGemini, Model: "gemini-2.5-flash"}}
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`models:
  - provider: anthropic
    model: claude-haiku-4-5-20251001
`), 0o644))
	cfg.Models.ChainFile = path

	_, err := newEngine(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "models.anthropic_key is required")
	assert.Contains(t, err.Error(), path)
}
