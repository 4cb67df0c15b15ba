package extract

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/escalation"
	"github.com/sells-group/norm-structurer/pkg/gemini"
)

// GeminiModel runs one Gemini model in JSON mode.
type GeminiModel struct {
	client    gemini.Client
	model     string
	maxTokens int32
}

// NewGeminiModel returns a Model for the given Gemini model id.
func NewGeminiModel(client gemini.Client, modelID string, maxTokens int64) *GeminiModel {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &GeminiModel{client: client, model: modelID, maxTokens: int32(maxTokens)}
}

func (m *GeminiModel) Name() string { return m.model }

func (m *GeminiModel) Extract(ctx context.Context, text string) (*escalation.Extraction, error) {
	resp, err := m.client.Generate(ctx, gemini.GenerateRequest{
		Model:           m.model,
		System:          systemPrompt,
		Prompt:          userPrompt(text),
		MaxOutputTokens: m.maxTokens,
		JSON:            true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s", m.model)
	}

	out := &escalation.Extraction{TokensUsed: resp.TotalTokens}
	if resp.FinishReason == "MAX_TOKENS" {
		out.ParseErr = eris.Wrapf(escalation.ErrInvalidResponse, "%s hit max tokens", m.model)
		return out, nil
	}
	doc, err := ParseDocument(resp.Text)
	if err != nil {
		out.ParseErr = eris.Wrap(escalation.ErrInvalidResponse, err.Error())
		return out, nil
	}
	out.Document = doc
	return out, nil
}
