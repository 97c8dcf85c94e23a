package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/models"
	"ledgerchat/internal/storage"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// DefaultTTL is how long a page may wait for confirmation before it expires.
const DefaultTTL = 24 * time.Hour

const table = "pending_extractions"

var columns = []any{
	"id", "user_id", "page_id", "raw_extraction", "content_type", "follow_up_question",
	"image_url", "document_url", "status", "created_at", "resolved_at",
}

// Options carries the optional attributes of a new pending extraction.
type Options struct {
	ContentType      string
	FollowUpQuestion string
	ImageURL         string
	DocumentURL      string
}

// Store persists pending extractions. A tenant has at most one awaiting record
// as long as callers expire the previous one before creating the next.
type Store struct {
	db  *storage.DB
	ttl time.Duration
	now func() time.Time
}

func NewStore(db *storage.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, now: storage.Now}
}

// Create inserts a new record awaiting confirmation.
func (s *Store) Create(ctx context.Context, tenantID, pageID string, raw models.RawExtraction, opts Options) (*models.PendingExtraction, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, apperr.Internal("encode raw extraction", err)
	}

	rec := &models.PendingExtraction{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		PageID:           pageID,
		Raw:              raw,
		ContentType:      opts.ContentType,
		FollowUpQuestion: opts.FollowUpQuestion,
		ImageURL:         opts.ImageURL,
		DocumentURL:      opts.DocumentURL,
		Status:           models.StatusAwaitingConfirmation,
		CreatedAt:        s.now(),
	}

	query, args, err := s.db.Builder().Insert(table).Prepared(true).Rows(goqu.Record{
		"id":                 rec.ID,
		"user_id":            rec.TenantID,
		"page_id":            rec.PageID,
		"raw_extraction":     string(payload),
		"content_type":       nullable(rec.ContentType),
		"follow_up_question": nullable(rec.FollowUpQuestion),
		"image_url":          nullable(rec.ImageURL),
		"document_url":       nullable(rec.DocumentURL),
		"status":             string(rec.Status),
		"created_at":         rec.CreatedAt,
	}).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build pending insert", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, apperr.StorageUnavailable("create pending extraction", err)
	}
	return rec, nil
}

// GetActive expires the tenant's stale records and returns the newest awaiting one,
// or nil when there is none. Both steps run in one transaction.
func (s *Store) GetActive(ctx context.Context, tenantID string) (*models.PendingExtraction, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.StorageUnavailable("begin pending lookup", err)
	}
	defer tx.Rollback()

	expire, args, err := s.db.Builder().Update(table).Prepared(true).
		Set(goqu.Record{"status": string(models.StatusExpired), "resolved_at": now}).
		Where(
			goqu.C("user_id").Eq(tenantID),
			goqu.C("status").Eq(string(models.StatusAwaitingConfirmation)),
			goqu.C("created_at").Lt(now.Add(-s.ttl)),
		).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build pending expiry", err)
	}
	if _, err := tx.ExecContext(ctx, expire, args...); err != nil {
		return nil, apperr.StorageUnavailable("expire stale pending extractions", err)
	}

	query, args, err := s.db.Builder().From(table).Prepared(true).
		Select(columns...).
		Where(
			goqu.C("user_id").Eq(tenantID),
			goqu.C("status").Eq(string(models.StatusAwaitingConfirmation)),
		).
		Order(goqu.C("created_at").Desc()).
		Limit(1).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build pending lookup", err)
	}

	rec, err := scanPending(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, apperr.StorageUnavailable("commit pending lookup", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageUnavailable("fetch pending extraction", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.StorageUnavailable("commit pending lookup", err)
	}
	return rec, nil
}

// Get loads a record by id regardless of status.
func (s *Store) Get(ctx context.Context, id string) (*models.PendingExtraction, error) {
	query, args, err := s.db.Builder().From(table).Prepared(true).
		Select(columns...).
		Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build pending get", err)
	}
	rec, err := scanPending(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageUnavailable("get pending extraction", err)
	}
	return rec, nil
}

// Resolve moves an awaiting record to a terminal status. It reports false, without
// error, when the record was already terminal.
func (s *Store) Resolve(ctx context.Context, id string, status models.PendingStatus) (bool, error) {
	if !status.Terminal() {
		return false, apperr.Internal(fmt.Sprintf("resolve to non-terminal status %q", status), nil)
	}

	query, args, err := s.db.Builder().Update(table).Prepared(true).
		Set(goqu.Record{"status": string(status), "resolved_at": s.now()}).
		Where(
			goqu.C("id").Eq(id),
			goqu.C("status").Eq(string(models.StatusAwaitingConfirmation)),
		).ToSQL()
	if err != nil {
		return false, apperr.Internal("build pending resolve", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperr.StorageUnavailable("resolve pending extraction", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperr.StorageUnavailable("resolve pending extraction", err)
	}
	return affected > 0, nil
}

// ExpireStale expires awaiting records past the TTL for every tenant.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	now := s.now()
	query, args, err := s.db.Builder().Update(table).Prepared(true).
		Set(goqu.Record{"status": string(models.StatusExpired), "resolved_at": now}).
		Where(
			goqu.C("status").Eq(string(models.StatusAwaitingConfirmation)),
			goqu.C("created_at").Lt(now.Add(-s.ttl)),
		).ToSQL()
	if err != nil {
		return 0, apperr.Internal("build pending sweep", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.StorageUnavailable("sweep pending extractions", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*models.PendingExtraction, error) {
	var (
		rec                                           models.PendingExtraction
		raw, status                                   string
		contentType, followUp, imageURL, documentURL sql.NullString
		resolvedAt                                    sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.PageID, &raw, &contentType, &followUp,
		&imageURL, &documentURL, &status, &rec.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &rec.Raw); err != nil {
		return nil, fmt.Errorf("decode raw extraction: %w", err)
	}
	rec.ContentType = contentType.String
	rec.FollowUpQuestion = followUp.String
	rec.ImageURL = imageURL.String
	rec.DocumentURL = documentURL.String
	rec.Status = models.PendingStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
