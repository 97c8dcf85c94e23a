package query

import (
	"context"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/logging"
	"ledgerchat/internal/models"
)

const (
	DefaultHistoryWindow = 5

	msgGenerationFailed = "🤔 I couldn't work out how to answer that. Try rephrasing your question."
	msgExecutionFailed  = "Sorry, I had trouble looking that up. Try rephrasing your question."
	msgFormatFailed     = "Sorry, I found your numbers but couldn't put the answer together. Please try again."
)

// TurnLog is the conversation history the gateway reads and appends to.
type TurnLog interface {
	// RecentTurns returns up to n turns, oldest first.
	RecentTurns(ctx context.Context, tenantID string, n int) ([]models.ConversationTurn, error)
	AppendTurn(ctx context.Context, turn models.ConversationTurn) error
}

// Answer is the gateway's reply for one question. Failure is empty on success.
type Answer struct {
	Text    string
	Rows    []Row
	Query   string
	Failure apperr.Kind
}

// Gateway answers free-text questions: generate, validate, execute, format.
type Gateway struct {
	turns     TurnLog
	generator *Generator
	executor  *Executor
	formatter *Formatter
	history   int
}

func NewGateway(turns TurnLog, generator *Generator, executor *Executor, formatter *Formatter, historyWindow int) *Gateway {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	return &Gateway{
		turns:     turns,
		generator: generator,
		executor:  executor,
		formatter: formatter,
		history:   historyWindow,
	}
}

// Answer always returns reply text; failures are logged and mapped to apologies.
func (g *Gateway) Answer(ctx context.Context, tenantID, question string) Answer {
	logger := logging.FromContext(ctx)

	history, err := g.turns.RecentTurns(ctx, tenantID, g.history)
	if err != nil {
		logger.Warn().Err(err).Msg("load conversation history")
		history = nil
	}
	g.appendTurn(ctx, models.ConversationTurn{
		TenantID: tenantID,
		Role:     models.RoleUser,
		Content:  question,
		Type:     models.TurnQuery,
	})

	generated, err := g.generator.Generate(ctx, question, history)
	if err != nil {
		logger.Warn().Err(err).Msg("query generation failed")
		return g.fail(ctx, tenantID, apperr.KindGenerationFailed, msgGenerationFailed, "")
	}

	if v := Validate(generated.Query); !v.Valid {
		logger.Warn().
			Str("rule", string(v.Rule)).
			Str("reason", v.Reason).
			Msg("generated query rejected")
		logger.Debug().Str("query", generated.Query).Msg("rejected query text")
		return g.fail(ctx, tenantID, apperr.KindValidationRejected, v.UserMessage(), "")
	}

	rows, err := g.executor.Execute(ctx, generated.Query, tenantID)
	if err != nil {
		logger.Error().Err(err).Str("query", generated.Query).Msg("query execution failed")
		return g.fail(ctx, tenantID, apperr.KindQueryExecutionFailed, msgExecutionFailed, generated.Query)
	}

	text, err := g.formatter.Format(ctx, question, rows, generated.Explanation)
	if err != nil {
		logger.Warn().Err(err).Msg("answer formatting failed")
		return g.fail(ctx, tenantID, apperr.KindGenerationFailed, msgFormatFailed, generated.Query)
	}

	g.appendTurn(ctx, models.ConversationTurn{
		TenantID: tenantID,
		Role:     models.RoleAssistant,
		Content:  text,
		Type:     models.TurnQueryResult,
		Metadata: map[string]any{"query": generated.Query, "result_count": len(rows)},
	})
	return Answer{Text: text, Rows: rows, Query: generated.Query}
}

func (g *Gateway) fail(ctx context.Context, tenantID string, kind apperr.Kind, text, query string) Answer {
	meta := map[string]any{"error": string(kind)}
	if query != "" {
		meta["query"] = query
	}
	g.appendTurn(ctx, models.ConversationTurn{
		TenantID: tenantID,
		Role:     models.RoleAssistant,
		Content:  text,
		Type:     models.TurnQueryResult,
		Metadata: meta,
	})
	return Answer{Text: text, Query: query, Failure: kind}
}

func (g *Gateway) appendTurn(ctx context.Context, turn models.ConversationTurn) {
	if err := g.turns.AppendTurn(ctx, turn); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("role", string(turn.Role)).Msg("append conversation turn")
	}
}
