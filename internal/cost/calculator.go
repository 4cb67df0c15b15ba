package cost

import (
	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/model"
)

// ModelRate holds per-model token pricing in USD per million tokens.
type ModelRate struct {
	Input   float64 `yaml:"input" mapstructure:"input"`
	Output  float64 `yaml:"output" mapstructure:"output"`
	Blended float64 `yaml:"blended" mapstructure:"blended"`
}

// Rates maps model ids to their pricing.
type Rates map[string]ModelRate

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig builds a calculator from configured pricing, falling back to
// DefaultRates for models the config does not list.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for name, p := range cfg.Models {
		rates[name] = ModelRate{Input: p.Input, Output: p.Output, Blended: p.Blended}
	}
	return NewCalculator(rates)
}

// Split computes the cost of a call with separate input and output counts.
func (c *Calculator) Split(modelName string, input, output int64) float64 {
	rate, ok := c.rates[modelName]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Tokens prices a single token total at the model's blended rate. Without
// a blended rate the input rate is used.
func (c *Calculator) Tokens(modelName string, tokens int64) float64 {
	rate, ok := c.rates[modelName]
	if !ok {
		return 0
	}
	per := rate.Blended
	if per == 0 {
		per = rate.Input
	}
	return (float64(tokens) / 1e6) * per
}

// Attempts sums the cost of every attempt, failed ones included.
func (c *Calculator) Attempts(attempts []model.ExtractionAttempt) float64 {
	var total float64
	for _, a := range attempts {
		total += c.Tokens(a.ModelName, a.TokensUsed)
	}
	return total
}

// DefaultRates returns the default pricing rates. Blended assumes roughly
// three input tokens per output token, which fits structuring prompts.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, Blended: 2.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, Blended: 6.00},
		"claude-opus-4-6":            {Input: 5.00, Output: 25.00, Blended: 10.00},
		"gemini-2.5-flash":           {Input: 0.30, Output: 2.50, Blended: 0.85},
		"gemini-2.5-pro":             {Input: 1.25, Output: 10.00, Blended: 3.44},
	}
}
