package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"ledgerchat/internal/auth"
	"ledgerchat/internal/events"
	"ledgerchat/internal/logging"
	"ledgerchat/internal/models"
	"ledgerchat/internal/query"
	"ledgerchat/internal/redis"
	"ledgerchat/internal/service/conversation"
	"ledgerchat/internal/service/ledger"
	"ledgerchat/internal/transport"
	"ledgerchat/internal/worker"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TurnProcessor handles one inbound message end to end, reply delivery included.
type TurnProcessor interface {
	Process(ctx context.Context, turn conversation.Turn) error
}

// LedgerReader is what the dashboard endpoints read from.
type LedgerReader interface {
	TenantByID(ctx context.Context, id string) (*models.Tenant, error)
	ListTransactions(ctx context.Context, tenantID string, f ledger.TransactionFilter) ([]models.Transaction, error)
	MonthSummary(ctx context.Context, tenantID string, now time.Time) (ledger.Summary, error)
	CountPages(ctx context.Context, tenantID string) (int, error)
}

type QueryAnswerer interface {
	Answer(ctx context.Context, tenantID, question string) query.Answer
}

// JobSubmitter runs turns off the request path. Nil means turns run inline.
type JobSubmitter interface {
	Submit(job worker.Job) error
}

// Deps are the handler's collaborators. Cache, Jobs and Events are optional.
type Deps struct {
	Turns   TurnProcessor
	Ledger  LedgerReader
	Queries QueryAnswerer
	Auth    *auth.Service
	Events  *events.Bus
	Cache   *redis.Client
	Jobs    JobSubmitter
}

// Options carries the HTTP-facing settings.
type Options struct {
	PublicURL         string
	TwilioAuthToken   string
	ValidateSignature bool
	DedupeTTL         time.Duration
	SummaryCacheTTL   time.Duration
	MediaDir          string
	QueryTimeout      time.Duration
	KeepAlive         time.Duration
}

// Handler wires HTTP routes to the conversation workflow and the dashboard.
type Handler struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps, opts Options) *Handler {
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = time.Hour
	}
	if opts.SummaryCacheTTL <= 0 {
		opts.SummaryCacheTTL = 5 * time.Minute
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = time.Minute
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	return &Handler{deps: deps, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.POST("/webhook/whatsapp",
		auth.TwilioSignatureMiddleware(h.opts.TwilioAuthToken, h.opts.PublicURL, h.opts.ValidateSignature),
		h.whatsappWebhook)
	if h.opts.MediaDir != "" {
		router.Static("/media", h.opts.MediaDir)
	}

	api := router.Group("/api")
	api.Use(h.deps.Auth.Middleware())
	api.GET("/me", h.me)
	api.GET("/transactions", h.listTransactions)
	api.GET("/summary", h.summary)
	api.POST("/query", h.askQuestion)
	api.GET("/events", h.streamEvents)
}

// WatchEvents drops cached summaries whenever a tenant's ledger changes. It returns when ctx ends.
func (h *Handler) WatchEvents(ctx context.Context) {
	if h.deps.Events == nil || h.deps.Cache == nil {
		return
	}
	ch, cancel := h.deps.Events.SubscribeAll()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := h.deps.Cache.Del(ctx, summaryCacheKey(ev.TenantID)); err != nil {
				logging.FromContext(ctx).Warn().Err(err).Msg("invalidate summary cache")
			}
		}
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": h.now()})
}

func (h *Handler) whatsappWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	in := transport.ParseInbound(c.Request.PostForm)
	if in.From == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sender"})
		return
	}

	ctx := c.Request.Context()
	logger := logging.FromContext(ctx).With().
		Str("from", logging.HashIdentity(in.From)).
		Str("message_sid", in.MessageSID).
		Int("num_media", in.NumMedia).
		Logger()

	if h.duplicate(ctx, in.MessageSID) {
		logger.Info().Msg("duplicate webhook delivery ignored")
		c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
		return
	}

	turn := conversation.Turn{
		From:       in.From,
		Body:       in.Body,
		MediaCount: in.NumMedia,
		MediaURL:   in.MediaURL,
		MessageID:  in.MessageSID,
	}

	if h.deps.Jobs == nil {
		if err := h.deps.Turns.Process(logger.WithContext(ctx), turn); err != nil {
			logger.Error().Err(err).Msg("deliver reply")
		}
		c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
		return
	}

	err := h.deps.Jobs.Submit(worker.Job{
		TenantKey: in.From,
		Name:      "whatsapp turn " + in.MessageSID,
		Run: func(jobCtx context.Context) {
			jobCtx = logger.WithContext(jobCtx)
			if err := h.deps.Turns.Process(jobCtx, turn); err != nil {
				logger.Error().Err(err).Msg("deliver reply")
			}
		},
	})
	if err != nil {
		// let the provider redeliver
		h.forget(ctx, in.MessageSID)
		status := http.StatusServiceUnavailable
		if !errors.Is(err, worker.ErrDispatcherBusy) && !errors.Is(err, worker.ErrDispatcherStopped) {
			status = http.StatusInternalServerError
		}
		logger.Warn().Err(err).Msg("queue turn")
		c.JSON(status, gin.H{"error": "server is busy, please retry"})
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
}

// duplicate claims sid in redis and reports whether another delivery already did.
func (h *Handler) duplicate(ctx context.Context, sid string) bool {
	if h.deps.Cache == nil || sid == "" {
		return false
	}
	claimed, err := h.deps.Cache.SetNX(ctx, dedupeKey(sid), 1, h.opts.DedupeTTL)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("dedupe check failed, processing anyway")
		return false
	}
	return !claimed
}

func (h *Handler) forget(ctx context.Context, sid string) {
	if h.deps.Cache == nil || sid == "" {
		return
	}
	if err := h.deps.Cache.Del(ctx, dedupeKey(sid)); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("release dedupe key")
	}
}

func dedupeKey(sid string) string { return "webhook:" + sid }

func summaryCacheKey(tenantID string) string { return "summary:" + tenantID }

func (h *Handler) authorizedTenantID(c *gin.Context) (string, bool) {
	tenantID, ok := auth.TenantIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return tenantID, true
}

func (h *Handler) me(c *gin.Context) {
	tenantID, ok := h.authorizedTenantID(c)
	if !ok {
		return
	}
	tenant, err := h.deps.Ledger.TenantByID(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("load tenant")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load account"})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) listTransactions(c *gin.Context) {
	tenantID, ok := h.authorizedTenantID(c)
	if !ok {
		return
	}
	filter := ledger.TransactionFilter{Category: strings.TrimSpace(c.Query("category"))}
	if month := strings.TrimSpace(c.Query("month")); month != "" {
		start, err := time.Parse("2006-01", month)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "month must look like 2024-03"})
			return
		}
		filter.Since = start
		filter.Until = start.AddDate(0, 1, 0)
	}
	switch typ := strings.ToLower(strings.TrimSpace(c.Query("type"))); typ {
	case "":
	case string(models.EntryDebit), string(models.EntryCredit):
		filter.Type = models.EntryType(typ)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be debit or credit"})
		return
	}

	txns, err := h.deps.Ledger.ListTransactions(c.Request.Context(), tenantID, filter)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("list transactions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load transactions"})
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

type summaryResponse struct {
	ThisMonth  ledger.Summary `json:"this_month"`
	AllTime    ledger.Summary `json:"all_time"`
	TotalPages int            `json:"total_pages"`
}

func (h *Handler) summary(c *gin.Context) {
	tenantID, ok := h.authorizedTenantID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	if cached, ok := h.cachedSummary(ctx, tenantID); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	var resp summaryResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := h.deps.Ledger.MonthSummary(gctx, tenantID, h.now())
		resp.ThisMonth = s
		return err
	})
	g.Go(func() error {
		txns, err := h.deps.Ledger.ListTransactions(gctx, tenantID, ledger.TransactionFilter{Limit: ledger.MaxTransactionLimit})
		resp.AllTime = ledger.Summarize(txns)
		return err
	})
	g.Go(func() error {
		n, err := h.deps.Ledger.CountPages(gctx, tenantID)
		resp.TotalPages = n
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("build summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build summary"})
		return
	}

	h.storeSummary(ctx, tenantID, resp)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) cachedSummary(ctx context.Context, tenantID string) (summaryResponse, bool) {
	var resp summaryResponse
	if h.deps.Cache == nil {
		return resp, false
	}
	raw, err := h.deps.Cache.Get(ctx, summaryCacheKey(tenantID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logging.FromContext(ctx).Warn().Err(err).Msg("read summary cache")
		}
		return resp, false
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return resp, false
	}
	return resp, true
}

func (h *Handler) storeSummary(ctx context.Context, tenantID string, resp summaryResponse) {
	if h.deps.Cache == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.deps.Cache.Set(ctx, summaryCacheKey(tenantID), payload, h.opts.SummaryCacheTTL); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("write summary cache")
	}
}

type questionRequest struct {
	Question string `json:"question" binding:"required"`
}

func (h *Handler) askQuestion(c *gin.Context) {
	tenantID, ok := h.authorizedTenantID(c)
	if !ok {
		return
	}
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.QueryTimeout)
	defer cancel()

	ans := h.deps.Queries.Answer(ctx, tenantID, strings.TrimSpace(req.Question))
	rows := ans.Rows
	if rows == nil {
		rows = []query.Row{}
	}
	body := gin.H{"answer": ans.Text, "rows": rows}
	if ans.Failure != "" {
		body["failure"] = string(ans.Failure)
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) streamEvents(c *gin.Context) {
	tenantID, ok := h.authorizedTenantID(c)
	if !ok {
		return
	}
	if h.deps.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events are not enabled"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	feed, cancel := h.deps.Events.Subscribe(tenantID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("ready", gin.H{"tenant_id": tenantID})
	flusher.Flush()

	ticker := time.NewTicker(h.opts.KeepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SSEvent("ping", h.now().Unix())
		case ev, ok := <-feed:
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev)
		}
		flusher.Flush()
	}
}
