package extract

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/escalation"
	"github.com/sells-group/norm-structurer/pkg/anthropic"
)

// DefaultMaxTokens is used when a chain entry does not set one.
const DefaultMaxTokens = 16384

// AnthropicModel runs one Claude model.
type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicModel returns a Model for the given Claude model id.
func NewAnthropicModel(client anthropic.Client, modelID string, maxTokens int64) *AnthropicModel {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicModel{client: client, model: modelID, maxTokens: maxTokens}
}

// Name returns the model id.
func (m *AnthropicModel) Name() string { return m.model }

// Extract asks the model for a structure. Transport errors are returned;
// unparseable output is reported through ParseErr with tokens still counted.
func (m *AnthropicModel) Extract(ctx context.Context, text string) (*escalation.Extraction, error) {
	temp := 0.0
	resp, err := m.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(text)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s", m.model)
	}

	out := &escalation.Extraction{TokensUsed: resp.Usage.Total()}
	if resp.StopReason == "max_tokens" {
		out.ParseErr = eris.Wrapf(escalation.ErrInvalidResponse, "%s hit max_tokens", m.model)
		return out, nil
	}
	doc, err := ParseDocument(resp.Text())
	if err != nil {
		out.ParseErr = eris.Wrap(escalation.ErrInvalidResponse, err.Error())
		return out, nil
	}
	out.Document = doc
	return out, nil
}
