package extract

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/escalation"
	"github.com/sells-group/norm-structurer/pkg/anthropic"
	"github.com/sells-group/norm-structurer/pkg/gemini"
)

// Clients holds one client per provider. A provider that no chain entry
// uses may be nil.
type Clients struct {
	Anthropic anthropic.Client
	Gemini    gemini.Client
}

// NewModels builds the escalation chain in configured order.
func NewModels(chain []config.ModelSpec, defaultMaxTokens int64, clients Clients) ([]escalation.Model, error) {
	models := make([]escalation.Model, 0, len(chain))
	for i, entry := range chain {
		maxTokens := entry.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		switch entry.Provider {
		case config.ProviderAnthropic:
			if clients.Anthropic == nil {
				return nil, eris.Errorf("extract: chain entry %d (%s) needs an anthropic client", i, entry.Model)
			}
			models = append(models, NewAnthropicModel(clients.Anthropic, entry.Model, maxTokens))
		case config.ProviderGemini:
			if clients.Gemini == nil {
				return nil, eris.Errorf("extract: chain entry %d (%s) needs a gemini client", i, entry.Model)
			}
			models = append(models, NewGeminiModel(clients.Gemini, entry.Model, maxTokens))
		default:
			return nil, eris.Errorf("extract: unsupported provider %q for %s", entry.Provider, entry.Model)
		}
	}
	return models, nil
}
