package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/config"
)

// Image is an inline image payload sent alongside a prompt.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is one generation call.
type Request struct {
	Prompt          string
	Image           *Image
	Temperature     float32
	MaxOutputTokens int
}

// Client is the inference collaborator. Implementations return free text and
// report unusable output as a GenerationFailed error.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function into a Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// NewVisionClient builds the client used for page images. Only gemini accepts inline images here.
func NewVisionClient(ctx context.Context, cfg *config.Config) (Client, error) {
	provider := cfg.Inference.VisionProvider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if provider != "gemini" {
		return nil, fmt.Errorf("vision provider %s does not support images", provider)
	}
	return NewGeminiClient(ctx, provCfg.APIKey, provCfg.Model)
}

// NewTextClient builds the client used for query generation, formatting and categorization.
func NewTextClient(ctx context.Context, cfg *config.Config) (Client, error) {
	provider := cfg.Inference.TextProvider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	return NewChatModelClient(ctx, provider, provCfg)
}

// DecodeJSON parses a model response that should hold one JSON object,
// tolerating markdown fences and surrounding chatter.
func DecodeJSON(text string, v any) error {
	cleaned := StripFences(text)
	if cleaned == "" {
		return apperr.GenerationFailed("empty model response", nil)
	}
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	start := strings.IndexAny(cleaned, "{[")
	end := strings.LastIndexAny(cleaned, "}]")
	if start < 0 || end <= start {
		return apperr.GenerationFailed("model response is not JSON", errors.New(truncate(cleaned, 120)))
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), v); err != nil {
		return apperr.GenerationFailed("decode model JSON", err)
	}
	return nil
}

// StripFences removes a surrounding ```json ... ``` block if present.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
