// Package conversation turns one inbound chat message into one reply. A turn is
// either a photo submission, a command, a yes/no answer to a pending page or a
// free-form question for the query gateway.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"ledgerchat/internal/artifact"
	"ledgerchat/internal/digitize"
	"ledgerchat/internal/events"
	"ledgerchat/internal/intent"
	"ledgerchat/internal/logging"
	"ledgerchat/internal/models"
	"ledgerchat/internal/pending"
	"ledgerchat/internal/query"
	"ledgerchat/internal/retry"
	"ledgerchat/internal/service/ai"
	"ledgerchat/internal/service/ledger"
	"ledgerchat/internal/storage"

	"github.com/google/uuid"
)

// Turn is one inbound message.
type Turn struct {
	From       string
	Body       string
	MediaCount int
	MediaURL   string
	MessageID  string
}

// Reply is the outbound answer to a turn.
type Reply struct {
	Text     string
	MediaURL string
}

// Ledger is the slice of the ledger service a turn needs.
type Ledger interface {
	GetOrCreateTenant(ctx context.Context, phone string) (*models.Tenant, error)
	CreatePage(ctx context.Context, tenantID string, in ledger.PageInput) (*models.Page, error)
	StoreTransactions(ctx context.Context, tenantID, pageID string, rows []models.CategorizedRow) ([]models.Transaction, error)
	MonthSummary(ctx context.Context, tenantID string, now time.Time) (ledger.Summary, error)
}

type PendingStore interface {
	Create(ctx context.Context, tenantID, pageID string, raw models.RawExtraction, opts pending.Options) (*models.PendingExtraction, error)
	GetActive(ctx context.Context, tenantID string) (*models.PendingExtraction, error)
	Resolve(ctx context.Context, id string, status models.PendingStatus) (bool, error)
}

type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*ai.Image, error)
}

type Digitizer interface {
	Digitize(ctx context.Context, img *ai.Image) (models.RawExtraction, error)
}

type Assessor interface {
	FollowUp(ctx context.Context, raw models.RawExtraction) digitize.FollowUp
}

type Categorizer interface {
	Categorize(ctx context.Context, raw models.RawExtraction) ([]models.CategorizedRow, error)
}

type QueryAnswerer interface {
	Answer(ctx context.Context, tenantID, question string) query.Answer
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, tenantID string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Notifier delivers messages to the sender of a turn.
type Notifier interface {
	Send(ctx context.Context, to, body, mediaURL string) error
}

// Deps are the orchestrator's collaborators. Artifacts, Tokens, Events and
// Notifier are optional.
type Deps struct {
	Ledger      Ledger
	Pending     PendingStore
	Media       MediaFetcher
	Digitizer   Digitizer
	Assessor    Assessor
	Categorizer Categorizer
	Queries     QueryAnswerer
	Artifacts   artifact.Store
	Tokens      TokenIssuer
	Events      Publisher
	Notifier    Notifier
}

// Orchestrator routes turns through the extraction workflow.
type Orchestrator struct {
	deps   Deps
	appURL string
	now    func() time.Time
	send   retry.Config
}

func NewOrchestrator(deps Deps, appURL string) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		appURL: strings.TrimRight(appURL, "/"),
		now:    storage.Now,
		send: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
		},
	}
}

type turnState struct {
	turn   Turn
	tenant *models.Tenant
}

// branch is the handler selected for a turn.
type branch interface {
	handle(ctx context.Context, o *Orchestrator, st *turnState) Reply
}

type mediaSubmission struct{}

type command struct{ name string }

type confirmation struct{ pending *models.PendingExtraction }

type freeQuery struct{}

type emptyTurn struct{}

// Handle processes a turn and always returns a non-empty reply.
func (o *Orchestrator) Handle(ctx context.Context, turn Turn) Reply {
	logger := logging.FromContext(ctx).With().
		Str("from", logging.HashIdentity(turn.From)).
		Str("message_id", turn.MessageID).
		Logger()
	ctx = logger.WithContext(ctx)

	tenant, err := o.deps.Ledger.GetOrCreateTenant(ctx, turn.From)
	if err != nil {
		logger.Error().Err(err).Msg("resolve tenant")
		return Reply{Text: msgSomethingWrong}
	}
	ctx = logging.WithTenant(ctx, tenant.ID)
	st := &turnState{turn: turn, tenant: tenant}

	b := o.route(ctx, st)
	reply := b.handle(ctx, o, st)
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = msgSomethingWrong
	}
	return reply
}

// Process handles turn and sends the reply back to its sender.
func (o *Orchestrator) Process(ctx context.Context, turn Turn) error {
	reply := o.Handle(ctx, turn)
	if o.deps.Notifier == nil {
		return nil
	}
	logger := logging.FromContext(ctx)
	return retry.DoWithLog(ctx, o.send, logger, "send reply", func() error {
		return o.deps.Notifier.Send(ctx, turn.From, reply.Text, reply.MediaURL)
	})
}

func (o *Orchestrator) route(ctx context.Context, st *turnState) branch {
	if st.turn.MediaCount > 0 && st.turn.MediaURL != "" {
		return mediaSubmission{}
	}
	if name := parseCommand(st.turn.Body); name != "" {
		return command{name: name}
	}
	if p := o.activePending(ctx, st.tenant.ID); p != nil {
		return confirmation{pending: p}
	}
	if strings.TrimSpace(st.turn.Body) == "" {
		return emptyTurn{}
	}
	return freeQuery{}
}

// activePending returns nil when the store cannot be read, so the turn falls
// through to the query path instead of failing.
func (o *Orchestrator) activePending(ctx context.Context, tenantID string) *models.PendingExtraction {
	p, err := o.deps.Pending.GetActive(ctx, tenantID)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("pending lookup failed, treating as none")
		return nil
	}
	return p
}

func (o *Orchestrator) notify(ctx context.Context, to, text string) {
	if o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.Send(ctx, to, text, ""); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("interim notice failed")
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if o.deps.Events == nil {
		return
	}
	ev.At = o.now()
	o.deps.Events.Publish(ctx, ev)
}

// dashboardLink returns a tokenized dashboard URL, or the bare URL when no token can be issued.
func (o *Orchestrator) dashboardLink(ctx context.Context, tenantID string) string {
	base := o.appURL + "/dashboard"
	if o.deps.Tokens == nil {
		return base
	}
	token, err := o.deps.Tokens.IssueToken(ctx, tenantID)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("issue dashboard token")
		return base
	}
	return base + "?token=" + token
}

func (mediaSubmission) handle(ctx context.Context, o *Orchestrator, st *turnState) Reply {
	logger := logging.FromContext(ctx)
	tenantID := st.tenant.ID

	if prev := o.activePending(ctx, tenantID); prev != nil {
		if _, err := o.deps.Pending.Resolve(ctx, prev.ID, models.StatusExpired); err != nil {
			logger.Warn().Err(err).Str("pending_id", prev.ID).Msg("expire superseded page")
		}
	}

	o.notify(ctx, st.turn.From, msgDigitizing)

	img, err := o.deps.Media.Fetch(ctx, st.turn.MediaURL)
	if err != nil {
		logger.Error().Err(err).Msg("fetch media")
		return Reply{Text: msgFetchFailed}
	}

	raw, err := o.deps.Digitizer.Digitize(ctx, img)
	if err != nil {
		var nf *digitize.NotFinancialError
		if errors.As(err, &nf) {
			return Reply{Text: notFinancialReply(nf.Message)}
		}
		logger.Error().Err(err).Msg("digitize page")
		return Reply{Text: msgDigitizeFailed}
	}
	if len(raw.Rows) == 0 {
		return Reply{Text: msgNoRows}
	}

	imageURL := o.archive(ctx, tenantID, img)

	page, err := o.deps.Ledger.CreatePage(ctx, tenantID, ledger.PageInput{
		PageNotes:  raw.PageNotes,
		Currency:   raw.Currency,
		Confidence: raw.Confidence,
		ImageURL:   imageURL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("create page")
		return Reply{Text: msgSomethingWrong}
	}

	follow := o.deps.Assessor.FollowUp(ctx, raw)
	rec, err := o.deps.Pending.Create(ctx, tenantID, page.ID, raw, pending.Options{
		ContentType:      follow.ContentType,
		FollowUpQuestion: follow.Message,
		ImageURL:         imageURL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("create pending extraction")
		return Reply{Text: msgSomethingWrong}
	}

	logger.Info().
		Str("page_id", page.ID).
		Str("pending_id", rec.ID).
		Int("rows", len(raw.Rows)).
		Str("content_type", follow.ContentType).
		Msg("page digitized, awaiting confirmation")
	return Reply{Text: follow.Message}
}

// archive stores the photo and returns its URL, or "" when archiving is off or fails.
func (o *Orchestrator) archive(ctx context.Context, tenantID string, img *ai.Image) string {
	if o.deps.Artifacts == nil || img == nil {
		return ""
	}
	key := artifact.Key(tenantID, uuid.NewString(), img.MIMEType)
	url, err := o.deps.Artifacts.Put(ctx, key, img.MIMEType, img.Data)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("key", key).Msg("archive page photo")
		return ""
	}
	return url
}

func (c command) handle(ctx context.Context, o *Orchestrator, st *turnState) Reply {
	switch c.name {
	case cmdHelp:
		return Reply{Text: msgHelp}
	case cmdSummary:
		summary, err := o.deps.Ledger.MonthSummary(ctx, st.tenant.ID, o.now())
		if err != nil {
			logging.FromContext(ctx).Error().Err(err).Msg("month summary")
			return Reply{Text: msgSomethingWrong}
		}
		if summary.Count == 0 {
			return Reply{Text: msgNoTransactionsYet}
		}
		return Reply{Text: summaryReply(summary, o.dashboardLink(ctx, st.tenant.ID))}
	case cmdDashboard:
		return Reply{Text: dashboardReply(o.dashboardLink(ctx, st.tenant.ID))}
	}
	return Reply{Text: msgHelp}
}

func (c confirmation) handle(ctx context.Context, o *Orchestrator, st *turnState) Reply {
	logger := logging.FromContext(ctx).With().Str("pending_id", c.pending.ID).Logger()
	ctx = logger.WithContext(ctx)

	switch intent.Classify(st.turn.Body) {
	case intent.Yes:
		won, err := o.deps.Pending.Resolve(ctx, c.pending.ID, models.StatusConfirmed)
		if err != nil {
			logger.Error().Err(err).Msg("claim pending extraction")
			return Reply{Text: msgSomethingWrong}
		}
		if !won {
			return Reply{Text: msgAlreadyHandled}
		}
		return o.commit(ctx, st, c.pending)

	case intent.No:
		won, err := o.deps.Pending.Resolve(ctx, c.pending.ID, models.StatusDeclined)
		if err != nil {
			logger.Error().Err(err).Msg("decline pending extraction")
			return Reply{Text: msgSomethingWrong}
		}
		if !won {
			return Reply{Text: msgAlreadyHandled}
		}
		o.publish(ctx, events.Event{Type: events.PageDeclined, TenantID: st.tenant.ID, PageID: c.pending.PageID})
		logger.Info().Msg("page declined")
		return Reply{Text: msgDeclined}

	default:
		return Reply{Text: rePrompt(c.pending)}
	}
}

// commit categorizes and persists a claimed page.
func (o *Orchestrator) commit(ctx context.Context, st *turnState, p *models.PendingExtraction) Reply {
	logger := logging.FromContext(ctx)
	o.notify(ctx, st.turn.From, msgCategorizing)

	rows, err := o.deps.Categorizer.Categorize(ctx, p.Raw)
	if err != nil {
		logger.Warn().Err(err).Msg("categorization failed, filing rows as miscellaneous")
		rows = digitize.FallbackCategorize(p.Raw)
	}

	txns, err := o.deps.Ledger.StoreTransactions(ctx, st.tenant.ID, p.PageID, rows)
	if err != nil {
		logger.Error().Err(err).Msg("store transactions")
		return Reply{Text: msgSaveFailed}
	}

	o.publish(ctx, events.Event{
		Type:             events.PageConfirmed,
		TenantID:         st.tenant.ID,
		PageID:           p.PageID,
		TransactionCount: len(txns),
	})
	logger.Info().Int("transactions", len(txns)).Msg("page confirmed")
	return Reply{Text: confirmedReply(txns, p.Raw, o.dashboardLink(ctx, st.tenant.ID))}
}

func (freeQuery) handle(ctx context.Context, o *Orchestrator, st *turnState) Reply {
	if o.deps.Queries == nil {
		return Reply{Text: msgSendPhoto}
	}
	ans := o.deps.Queries.Answer(ctx, st.tenant.ID, strings.TrimSpace(st.turn.Body))
	return Reply{Text: ans.Text}
}

func (emptyTurn) handle(context.Context, *Orchestrator, *turnState) Reply {
	return Reply{Text: msgSendPhoto}
}
