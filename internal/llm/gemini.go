package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"promptc/internal/logging"
)

// GeminiConfig configures the Gemini-backed model client.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiClient implements ModelClient on Google's Gemini API.
type GeminiClient struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, defaultModel: model}, nil
}

// Complete implements ModelClient.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	temp := float32(req.Temperature)
	cfg.Temperature = &temp
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.JSONOnly {
		cfg.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Cause: err}
	}

	text := result.Text()
	if text == "" {
		return nil, &ProviderError{Provider: "gemini", Cause: fmt.Errorf("empty response")}
	}

	resp := &Response{Text: text}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}

	logging.Get(logging.CategoryAPI).Debugw("gemini completion",
		"model", model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return resp, nil
}
