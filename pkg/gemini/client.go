// Package gemini wraps the Google GenAI SDK for single-shot JSON generation.
package gemini

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/norm-structurer/internal/resilience"
)

// Client defines the Gemini operations used by the structuring models.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a system instruction plus one user prompt.
type GenerateRequest struct {
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int32
	JSON            bool
}

// GenerateResponse carries the text answer and token accounting.
type GenerateResponse struct {
	Text         string
	FinishReason string
	TotalTokens  int64
}

// generator is the subset of genai.Models we call.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type sdkClient struct {
	models generator
}

// NewClient creates a Gemini client using an API key.
func NewClient(ctx context.Context, apiKey string) (Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: new client")
	}
	return &sdkClient{models: c.Models}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		wrapped := eris.Wrap(err, "gemini: generate content")
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, resilience.WrapHTTPStatus(wrapped, apiErr.Code)
		}
		if resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(wrapped, 0)
		}
		return nil, wrapped
	}

	out := &GenerateResponse{Text: resp.Text()}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.TotalTokens = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}
