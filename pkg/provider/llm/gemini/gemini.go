// Package gemini provides an [llm.Provider] backed by the Google Gen AI SDK
// (google.golang.org/genai) talking to the Gemini API.
//
// Usage:
//
//	p, err := gemini.New(ctx, os.Getenv("GEMINI_API_KEY"), gemini.WithModel("gemini-2.5-flash"))
//	resp, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "Hi"})
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/sparky/pkg/provider/llm"
)

// DefaultModel is used when no [WithModel] option is given.
const DefaultModel = "gemini-2.5-flash"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API endpoint. Intended for tests and proxies.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements llm.Provider on top of a genai.Client.
type Provider struct {
	client  *genai.Client
	model   string
	baseURL string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	p := &Provider{model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	if p.model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions.BaseURL = p.baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "gemini" }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("gemini: prompt must not be empty")
	}

	var gcfg *genai.GenerateContentConfig
	if req.SystemPrompt != "" || req.Temperature != 0 || req.MaxTokens > 0 {
		gcfg = &genai.GenerateContentConfig{}
		if req.SystemPrompt != "" {
			gcfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
		}
		if req.Temperature != 0 {
			t := float32(req.Temperature)
			gcfg.Temperature = &t
		}
		if req.MaxTokens > 0 {
			gcfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), gcfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, llm.ErrEmptyResponse
	}
	out := &llm.CompletionResponse{Content: text}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}
