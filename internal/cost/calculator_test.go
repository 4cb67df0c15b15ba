package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/model"
)

func testRates() Rates {
	return Rates{
		"haiku":  {Input: 1.00, Output: 5.00, Blended: 2.00},
		"sonnet": {Input: 3.00, Output: 15.00},
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testRates())
	tests := []struct {
		name   string
		model  string
		input  int64
		output int64
		want   float64
	}{
		{name: "haiku", model: "haiku", input: 1000000, output: 100000, want: 1.00 + 0.50},
		{name: "sonnet", model: "sonnet", input: 500000, output: 200000, want: 1.50 + 3.00},
		{name: "unknown model returns 0", model: "unknown", input: 1000000, output: 1000000, want: 0},
		{name: "zero tokens", model: "haiku", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Split(tt.model, tt.input, tt.output), 1e-9)
		})
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testRates())
	assert.InDelta(t, 2.00, calc.Tokens("haiku", 1000000), 1e-9)
	// no blended rate falls back to input
	assert.InDelta(t, 1.50, calc.Tokens("sonnet", 500000), 1e-9)
	assert.Zero(t, calc.Tokens("unknown", 1000000))
}

func TestAttempts(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testRates())
	got := calc.Attempts([]model.ExtractionAttempt{
		{ModelName: "haiku", TokensUsed: 250000, Passed: false},
		{ModelName: "sonnet", TokensUsed: 100000, Passed: true},
	})
	assert.InDelta(t, 0.50+0.30, got, 1e-9)
	assert.Zero(t, calc.Attempts(nil))
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	calc := FromConfig(config.PricingConfig{Models: map[string]config.ModelPricing{
		"claude-haiku-4-5-20251001": {Blended: 4.00},
		"custom":                    {Input: 2.00},
	}})
	assert.InDelta(t, 4.00, calc.Tokens("claude-haiku-4-5-20251001", 1000000), 1e-9)
	assert.InDelta(t, 2.00, calc.Tokens("custom", 1000000), 1e-9)
	// untouched defaults survive
	assert.InDelta(t, 6.00, calc.Tokens("claude-sonnet-4-5-20250929", 1000000), 1e-9)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()

	for name, r := range DefaultRates() {
		assert.Positive(t, r.Input, name)
		assert.Greater(t, r.Output, r.Input, name)
		assert.Positive(t, r.Blended, name)
	}
}
