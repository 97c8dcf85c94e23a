package query

import (
	"context"
	"errors"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/ai"
	"ledgerchat/internal/storage"
)

// GeneratedQuery pairs candidate query text with what it computes. Never persisted.
type GeneratedQuery struct {
	Query       string
	Explanation string
}

// Generator turns a question into a candidate query through the text model.
type Generator struct {
	client  ai.Client
	dialect storage.Dialect
}

func NewGenerator(client ai.Client, dialect storage.Dialect) *Generator {
	return &Generator{client: client, dialect: dialect}
}

type generatorOutput struct {
	SQL         string `json:"sql"`
	Query       string `json:"query"`
	Explanation string `json:"explanation"`
}

// Generate asks the model for a query. history is oldest-first.
func (g *Generator) Generate(ctx context.Context, question string, history []models.ConversationTurn) (GeneratedQuery, error) {
	text, err := g.client.Generate(ctx, ai.Request{
		Prompt:          generatorPrompt(g.dialect, history, question),
		Temperature:     0.1,
		MaxOutputTokens: 500,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindGenerationFailed) {
			return GeneratedQuery{}, err
		}
		return GeneratedQuery{}, apperr.GenerationFailed("generate query", err)
	}

	var out generatorOutput
	if err := ai.DecodeJSON(text, &out); err != nil {
		return GeneratedQuery{}, err
	}
	q := strings.TrimSpace(out.SQL)
	if q == "" {
		q = strings.TrimSpace(out.Query)
	}
	if q == "" {
		return GeneratedQuery{}, apperr.GenerationFailed("model returned no query", errors.New("missing sql field"))
	}
	return GeneratedQuery{Query: q, Explanation: strings.TrimSpace(out.Explanation)}, nil
}
