package query

import (
	"context"
	"strings"
	"sync"
	"testing"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/ai"
	"ledgerchat/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryTurns struct {
	mu    sync.Mutex
	turns []models.ConversationTurn
}

func (m *memoryTurns) RecentTurns(_ context.Context, tenantID string, n int) ([]models.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ConversationTurn
	for _, t := range m.turns {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *memoryTurns) AppendTurn(_ context.Context, turn models.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

// scriptedModel answers generator prompts with sql and formatter prompts with reply.
type scriptedModel struct {
	mu      sync.Mutex
	sql     string
	reply   string
	prompts []string
}

func (s *scriptedModel) Generate(_ context.Context, req ai.Request) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.mu.Unlock()
	if strings.Contains(req.Prompt, "Generate a SQLite query") {
		if s.sql == "" {
			return "Sorry, I can't do that.", nil
		}
		return "```json\n{\"sql\": \"" + s.sql + "\", \"explanation\": \"food spending\"}\n```", nil
	}
	return s.reply, nil
}

func newGateway(db *storage.DB, model ai.Client, turns TurnLog) *Gateway {
	return NewGateway(turns,
		NewGenerator(model, db.Dialect),
		NewExecutor(db, MaxRows),
		NewFormatter(model, DefaultReplyLimit),
		DefaultHistoryWindow)
}

func TestAnswerFoodSpending(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db, "t1", 25)
	seedLedger(t, db, "t2", 4)

	model := &scriptedModel{
		sql:   "SELECT description, amount FROM transactions WHERE user_id = $1 AND category = 'Food / Meals'",
		reply: "*Food spending*\n" + strings.Repeat("• lunch 10.50\n", 200),
	}
	turns := &memoryTurns{}
	gw := newGateway(db, model, turns)

	answer := gw.Answer(context.Background(), "t1", "how much did I spend on food")
	assert.Empty(t, answer.Failure)
	assert.LessOrEqual(t, len(answer.Rows), MaxRows)
	assert.Len(t, answer.Rows, MaxRows)
	assert.LessOrEqual(t, len([]rune(answer.Text)), DefaultReplyLimit)
	assert.True(t, strings.HasPrefix(answer.Text, "*Food spending*"))

	require.Len(t, turns.turns, 2)
	assert.Equal(t, models.RoleUser, turns.turns[0].Role)
	assert.Equal(t, "how much did I spend on food", turns.turns[0].Content)
	assert.Equal(t, models.RoleAssistant, turns.turns[1].Role)
	assert.Equal(t, models.TurnQueryResult, turns.turns[1].Type)
	assert.Equal(t, MaxRows, turns.turns[1].Metadata["result_count"])
}

func TestAnswerUsesHistoryOldestFirst(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db, "t1", 2)
	turns := &memoryTurns{}
	for _, c := range []string{"first question", "first answer", "second question"} {
		require.NoError(t, turns.AppendTurn(context.Background(), models.ConversationTurn{TenantID: "t1", Role: models.RoleUser, Content: c}))
	}
	model := &scriptedModel{
		sql:   "SELECT SUM(amount) AS total FROM transactions WHERE user_id = $1",
		reply: "You spent 21.00",
	}

	answer := newGateway(db, model, turns).Answer(context.Background(), "t1", "and last month?")
	assert.Empty(t, answer.Failure)

	prompt := model.prompts[0]
	first := strings.Index(prompt, "first question")
	second := strings.Index(prompt, "second question")
	require.True(t, first >= 0 && second >= 0)
	assert.Less(t, first, second)
}

func TestAnswerRejectsUnsafeQuery(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db, "t1", 2)
	model := &scriptedModel{
		sql:   "SELECT phone FROM users WHERE user_id = $1",
		reply: "should not be used",
	}

	answer := newGateway(db, model, &memoryTurns{}).Answer(context.Background(), "t1", "show me everyone's phone")
	assert.Equal(t, apperr.KindValidationRejected, answer.Failure)
	assert.Nil(t, answer.Rows)
	assert.NotContains(t, answer.Text, "phone FROM users")
	assert.Len(t, model.prompts, 1)
}

func TestAnswerGenerationFailure(t *testing.T) {
	db := newTestDB(t)
	model := &scriptedModel{}
	turns := &memoryTurns{}

	answer := newGateway(db, model, turns).Answer(context.Background(), "t1", "what?")
	assert.Equal(t, apperr.KindGenerationFailed, answer.Failure)
	assert.Equal(t, msgGenerationFailed, answer.Text)
	require.Len(t, turns.turns, 2)
	assert.Equal(t, string(apperr.KindGenerationFailed), turns.turns[1].Metadata["error"])
}

func TestAnswerExecutionFailure(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db, "t1", 1)
	model := &scriptedModel{sql: "SELECT no_such_column FROM transactions WHERE user_id = $1"}

	answer := newGateway(db, model, &memoryTurns{}).Answer(context.Background(), "t1", "weird")
	assert.Equal(t, apperr.KindQueryExecutionFailed, answer.Failure)
	assert.Equal(t, msgExecutionFailed, answer.Text)
}
