package ai

import (
	"context"
	"fmt"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ChatModelClient serves text prompts through an eino chat model.
type ChatModelClient struct {
	provider string
	model    model.BaseChatModel
}

// NewChatModelClient builds the eino chat model for provider.
func NewChatModelClient(ctx context.Context, provider string, provCfg config.ProviderConfig) (*ChatModelClient, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)

	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &ChatModelClient{provider: provider, model: chatModel}, nil
}

func (c *ChatModelClient) Generate(ctx context.Context, req Request) (string, error) {
	if req.Image != nil {
		return "", apperr.GenerationFailed(fmt.Sprintf("%s text model does not accept images", c.provider), nil)
	}

	opts := []model.Option{model.WithTemperature(req.Temperature)}
	if req.MaxOutputTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxOutputTokens))
	}

	resp, err := c.model.Generate(ctx, []*schema.Message{schema.UserMessage(req.Prompt)}, opts...)
	if err != nil {
		return "", apperr.GenerationFailed(fmt.Sprintf("%s generate", c.provider), err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", apperr.GenerationFailed(fmt.Sprintf("%s returned no text", c.provider), nil)
	}
	return resp.Content, nil
}
