package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ledgerchat/internal/apperr"

	"google.golang.org/genai"
)

// GeminiClient calls the Gemini API directly so page images can travel inline.
type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (g *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.Image != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType))
	}

	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(req.Temperature)}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", apperr.GenerationFailed("gemini generate", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", apperr.GenerationFailed("gemini returned no text", nil)
	}
	return text, nil
}
