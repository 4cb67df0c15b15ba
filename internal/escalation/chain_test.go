package escalation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - provider: anthropic
    model: claude-haiku-4-5-20251001
    max_tokens: 8192
  - provider: gemini
    model: gemini-2.5-pro
`), 0o600))

	chain, err := LoadChain(path)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "anthropic", chain[0].Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", chain[0].Model)
	assert.Equal(t, int64(8192), chain[0].MaxTokens)
	assert.Equal(t, "gemini-2.5-pro", chain[1].Model)
	assert.Zero(t, chain[1].MaxTokens)
}

func TestParseChain_Errors(t *testing.T) {
	_, err := ParseChain([]byte("models: []"))
	assert.Error(t, err)

	_, err = ParseChain([]byte("models:\n  - provider: anthropic\n"))
	assert.ErrorContains(t, err, "entry 0")

	_, err = ParseChain([]byte("models: [unterminated"))
	assert.Error(t, err)

	_, err = LoadChain(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
