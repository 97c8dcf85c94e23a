package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/artifact"
	"ledgerchat/internal/digitize"
	"ledgerchat/internal/events"
	"ledgerchat/internal/models"
	"ledgerchat/internal/pending"
	"ledgerchat/internal/query"
	"ledgerchat/internal/service/ai"
	"ledgerchat/internal/service/ledger"
	"ledgerchat/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner  = "whatsapp:+233200000001"
	appURL = "https://app.example"
)

const threeRows = `{
  "rows": [
    {"date": "01/03/2024", "description": "Fuel for van", "amount": 50, "type": "debit"},
    {"date": "01/03/2024", "description": "Rice bags", "amount": "120.50", "type": "debit"},
    {"date": "02/03/2024", "description": "Shop sales", "amount": 1000, "type": "credit"}
  ],
  "currency_detected": "GHS",
  "content_assessment": "expenses",
  "confidence": "high"
}`

const threeCategories = `{"transactions": [
  {"date": "2024-03-01", "category": "Transport / Fuel"},
  {"date": "2024-03-01", "category": "Inventory / Stock"},
  {"date": "2024-03-02", "category": "Revenue / Sales"}
]}`

type fetcherFunc func(ctx context.Context, url string) (*ai.Image, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) (*ai.Image, error) { return f(ctx, url) }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, to, body, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, body)
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fakeAnswerer struct {
	mu        sync.Mutex
	questions []string
}

func (f *fakeAnswerer) Answer(_ context.Context, _, question string) query.Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, question)
	return query.Answer{Text: "You spent GHS 50.00 on transport."}
}

func (f *fakeAnswerer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.questions)
}

type staticTokens string

func (s staticTokens) IssueToken(context.Context, string) (string, error) { return string(s), nil }

type harness struct {
	orch     *Orchestrator
	ledger   *ledger.Service
	pending  *pending.Store
	answers  *fakeAnswerer
	notifier *recordingNotifier
	bus      *events.Bus
	vision   string
	catErr   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "conversation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))

	store, err := artifact.NewLocalStore(t.TempDir(), appURL+"/media")
	require.NoError(t, err)

	h := &harness{
		ledger:   ledger.NewService(db),
		pending:  pending.NewStore(db, pending.DefaultTTL),
		answers:  &fakeAnswerer{},
		notifier: &recordingNotifier{},
		bus:      events.NewBus(nil),
		vision:   threeRows,
	}
	visionModel := ai.ClientFunc(func(context.Context, ai.Request) (string, error) { return h.vision, nil })
	textModel := ai.ClientFunc(func(context.Context, ai.Request) (string, error) {
		if h.catErr != nil {
			return "", h.catErr
		}
		return threeCategories, nil
	})
	media := fetcherFunc(func(context.Context, string) (*ai.Image, error) {
		return &ai.Image{Data: []byte("jpeg bytes"), MIMEType: "image/jpeg"}, nil
	})

	h.orch = NewOrchestrator(Deps{
		Ledger:      h.ledger,
		Pending:     h.pending,
		Media:       media,
		Digitizer:   digitize.NewDigitizer(visionModel),
		Assessor:    digitize.NewAssessor(nil),
		Categorizer: digitize.NewCategorizer(textModel),
		Queries:     h.answers,
		Artifacts:   store,
		Tokens:      staticTokens("tok123"),
		Events:      h.bus,
		Notifier:    h.notifier,
	}, appURL+"/")
	return h
}

func (h *harness) tenantID(t *testing.T) string {
	t.Helper()
	tenant, err := h.ledger.GetOrCreateTenant(context.Background(), owner)
	require.NoError(t, err)
	return tenant.ID
}

func (h *harness) active(t *testing.T) *models.PendingExtraction {
	t.Helper()
	p, err := h.pending.GetActive(context.Background(), h.tenantID(t))
	require.NoError(t, err)
	return p
}

func (h *harness) transactions(t *testing.T) []models.Transaction {
	t.Helper()
	txns, err := h.ledger.ListTransactions(context.Background(), h.tenantID(t), ledger.TransactionFilter{})
	require.NoError(t, err)
	return txns
}

func photo() Turn {
	return Turn{From: owner, MediaCount: 1, MediaURL: "https://media.example/1", MessageID: "SM1"}
}

func text(body string) Turn {
	return Turn{From: owner, Body: body, MessageID: "SM-" + body}
}

func TestPhotoThenYesStoresTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reply := h.orch.Handle(ctx, photo())
	assert.Contains(t, reply.Text, "3 entries")
	assert.Contains(t, reply.Text, "*yes*")

	p := h.active(t)
	require.NotNil(t, p)
	assert.Len(t, p.Raw.Rows, 3)
	assert.Equal(t, "expenses", p.ContentType)
	assert.True(t, strings.HasPrefix(p.ImageURL, appURL+"/media/pages/"), p.ImageURL)
	assert.Empty(t, h.transactions(t))

	feed, cancel := h.bus.Subscribe(h.tenantID(t))
	defer cancel()

	reply = h.orch.Handle(ctx, text("Yes"))
	assert.Contains(t, reply.Text, "3 transactions added")
	assert.Contains(t, reply.Text, "GHS 170.50")
	assert.Contains(t, reply.Text, "Transport / Fuel")
	assert.Contains(t, reply.Text, appURL+"/dashboard?token=tok123")

	txns := h.transactions(t)
	require.Len(t, txns, 3)
	categories := map[string]bool{}
	for _, tx := range txns {
		categories[tx.Category] = true
		assert.Equal(t, p.PageID, tx.PageID)
	}
	assert.True(t, categories["Inventory / Stock"])
	assert.True(t, categories["Revenue / Sales"])

	got, err := h.pending.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Nil(t, h.active(t))

	select {
	case ev := <-feed:
		assert.Equal(t, events.PageConfirmed, ev.Type)
		assert.Equal(t, 3, ev.TransactionCount)
	case <-time.After(time.Second):
		t.Fatal("expected page.confirmed event")
	}

	notices := h.notifier.messages()
	assert.Contains(t, notices, msgDigitizing)
	assert.Contains(t, notices, msgCategorizing)
}

func TestPhotoThenNoDiscardsPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.Handle(ctx, photo())
	p := h.active(t)
	require.NotNil(t, p)

	reply := h.orch.Handle(ctx, text("nope"))
	assert.Equal(t, msgDeclined, reply.Text)

	got, err := h.pending.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeclined, got.Status)
	assert.Empty(t, h.transactions(t))
}

func TestUnclearReplyRePrompts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.Handle(ctx, photo())
	reply := h.orch.Handle(ctx, text("what is this about"))
	assert.Contains(t, reply.Text, "didn't catch that")
	assert.Contains(t, reply.Text, "*yes*")

	assert.NotNil(t, h.active(t))
	assert.Zero(t, h.answers.calls())
}

func TestCommandsWinOverPendingConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.Handle(ctx, photo())

	assert.Equal(t, msgHelp, h.orch.Handle(ctx, text("Hi!")).Text)
	assert.Equal(t, msgNoTransactionsYet, h.orch.Handle(ctx, text("summary")).Text)
	assert.Contains(t, h.orch.Handle(ctx, text("REPORT")).Text, appURL+"/dashboard?token=tok123")
	assert.NotNil(t, h.active(t))
}

func TestSummaryAfterConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.Handle(ctx, photo())
	h.orch.Handle(ctx, text("yes"))

	reply := h.orch.Handle(ctx, text("summary"))
	assert.Contains(t, reply.Text, "3 transactions")
	assert.Contains(t, reply.Text, "Expenses: 170.50")
	assert.Contains(t, reply.Text, "Net: 829.50")
}

func TestRapidSubmissionsKeepLatestPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.Handle(ctx, photo())
	first := h.active(t)
	require.NotNil(t, first)

	h.orch.Handle(ctx, photo())
	second := h.active(t)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := h.pending.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	h.orch.Handle(ctx, text("yes"))
	txns := h.transactions(t)
	require.Len(t, txns, 3)
	assert.Equal(t, second.PageID, txns[0].PageID)
}

func TestFreeQueryGoesToGateway(t *testing.T) {
	h := newHarness(t)

	reply := h.orch.Handle(context.Background(), text("how much on transport?"))
	assert.Equal(t, "You spent GHS 50.00 on transport.", reply.Text)
	assert.Equal(t, 1, h.answers.calls())
}

func TestEmptyTurnAsksForPhoto(t *testing.T) {
	h := newHarness(t)
	reply := h.orch.Handle(context.Background(), text("   "))
	assert.Equal(t, msgSendPhoto, reply.Text)
}

type brokenPending struct{ PendingStore }

func (brokenPending) GetActive(context.Context, string) (*models.PendingExtraction, error) {
	return nil, apperr.StorageUnavailable("fetch pending extraction", errors.New("disk I/O error"))
}

func TestPendingLookupFailureFallsThroughToQuery(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Pending = brokenPending{h.pending}

	reply := h.orch.Handle(context.Background(), text("yes"))
	assert.Equal(t, "You spent GHS 50.00 on transport.", reply.Text)
	assert.Equal(t, 1, h.answers.calls())
}

func TestNotFinancialPhoto(t *testing.T) {
	h := newHarness(t)
	h.vision = `{"error": "This looks like a photo of a cat."}`

	reply := h.orch.Handle(context.Background(), photo())
	assert.Contains(t, reply.Text, "photo of a cat")
	assert.Contains(t, reply.Text, "ledger page")
	assert.Nil(t, h.active(t))
}

func TestPageWithoutRows(t *testing.T) {
	h := newHarness(t)
	h.vision = `{"rows": [], "confidence": "low"}`

	reply := h.orch.Handle(context.Background(), photo())
	assert.Equal(t, msgNoRows, reply.Text)
	assert.Nil(t, h.active(t))
}

func TestMediaFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Media = fetcherFunc(func(context.Context, string) (*ai.Image, error) {
		return nil, errors.New("403 forbidden")
	})

	reply := h.orch.Handle(context.Background(), photo())
	assert.Equal(t, msgFetchFailed, reply.Text)
	assert.Nil(t, h.active(t))
}

func TestCategorizationFailureKeepsRows(t *testing.T) {
	h := newHarness(t)
	h.catErr = errors.New("model overloaded")
	ctx := context.Background()

	h.orch.Handle(ctx, photo())
	reply := h.orch.Handle(ctx, text("ok"))
	assert.Contains(t, reply.Text, "3 transactions added")

	txns := h.transactions(t)
	require.Len(t, txns, 3)
	for _, tx := range txns {
		assert.Equal(t, models.CategoryMiscellaneous, tx.Category)
	}
}

func TestConfirmationLosesClaimToEarlierResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.Handle(ctx, photo())
	p := h.active(t)
	require.NotNil(t, p)

	won, err := h.pending.Resolve(ctx, p.ID, models.StatusConfirmed)
	require.NoError(t, err)
	require.True(t, won)

	tenant, err := h.ledger.GetOrCreateTenant(ctx, owner)
	require.NoError(t, err)
	reply := confirmation{pending: p}.handle(ctx, h.orch, &turnState{turn: text("yes"), tenant: tenant})
	assert.Equal(t, msgAlreadyHandled, reply.Text)
	assert.Empty(t, h.transactions(t))
}

func TestProcessSendsReply(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Process(context.Background(), text("help")))
	sent := h.notifier.messages()
	require.NotEmpty(t, sent)
	assert.Equal(t, msgHelp, sent[len(sent)-1])
}

func TestParseCommand(t *testing.T) {
	cases := map[string]string{
		"hi":           cmdHelp,
		"  Hello! ":    cmdHelp,
		"START":        cmdHelp,
		"summary":      cmdSummary,
		"Report":       cmdDashboard,
		"dashboard":    cmdDashboard,
		"yes":          "",
		"show summary": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseCommand(in), in)
	}
}
