package query

import (
	"context"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/service/ai"
)

// DefaultReplyLimit bounds formatted answers in characters.
const DefaultReplyLimit = 1500

// Formatter renders result rows as a chat reply.
type Formatter struct {
	client ai.Client
	limit  int
}

func NewFormatter(client ai.Client, limit int) *Formatter {
	if limit <= 0 {
		limit = DefaultReplyLimit
	}
	return &Formatter{client: client, limit: limit}
}

// Format returns a reply of at most the configured number of characters.
func (f *Formatter) Format(ctx context.Context, question string, rows []Row, explanation string) (string, error) {
	if rows == nil {
		rows = []Row{}
	}
	text, err := f.client.Generate(ctx, ai.Request{
		Prompt:          formatterPrompt(question, rows, explanation, f.limit),
		Temperature:     0.3,
		MaxOutputTokens: 1000,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindGenerationFailed) {
			return "", err
		}
		return "", apperr.GenerationFailed("format answer", err)
	}
	text = strings.TrimSpace(ai.StripFences(text))
	if text == "" {
		return "", apperr.GenerationFailed("formatter returned no text", nil)
	}
	return Clip(text, f.limit), nil
}

// Clip shortens s to at most limit runes, ending with an ellipsis when cut.
func Clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return strings.TrimSpace(string(r[:limit-1])) + "…"
}
