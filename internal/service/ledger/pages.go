package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerchat/internal/models"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// PageInput describes a newly digitized page.
type PageInput struct {
	PageNotes   string
	Currency    string
	Confidence  string
	ImageURL    string
	DocumentURL string
}

// CreatePage records a digitized page. Its transaction count stays zero until confirmation.
func (s *Service) CreatePage(ctx context.Context, tenantID string, in PageInput) (*models.Page, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	page := &models.Page{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		PageNotes:   strings.TrimSpace(in.PageNotes),
		Currency:    in.Currency,
		Confidence:  in.Confidence,
		ImageURL:    in.ImageURL,
		DocumentURL: in.DocumentURL,
		ProcessedAt: s.now(),
	}
	query, args, err := s.db.Builder().Insert("pages").Prepared(true).Rows(goqu.Record{
		"id":                page.ID,
		"user_id":           page.TenantID,
		"page_notes":        nullable(page.PageNotes),
		"currency_detected": nullable(page.Currency),
		"confidence":        nullable(page.Confidence),
		"transaction_count": 0,
		"image_url":         nullable(page.ImageURL),
		"document_url":      nullable(page.DocumentURL),
		"processed_at":      page.ProcessedAt,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build page insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return page, nil
}

// ListPages returns the tenant's pages, newest first.
func (s *Service) ListPages(ctx context.Context, tenantID string, limit int) ([]models.Page, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query, args, err := s.db.Builder().From("pages").Prepared(true).
		Select("id", "user_id", "page_notes", "currency_detected", "confidence",
			"transaction_count", "image_url", "document_url", "processed_at").
		Where(goqu.C("user_id").Eq(tenantID)).
		Order(goqu.C("processed_at").Desc()).
		Limit(uint(limit)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build page list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		var (
			p                                         models.Page
			notes, currency, confidence, image, doc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &notes, &currency, &confidence,
			&p.TransactionCount, &image, &doc, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.PageNotes, p.Currency, p.Confidence = notes.String, currency.String, confidence.String
		p.ImageURL, p.DocumentURL = image.String, doc.String
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CountPages returns how many pages the tenant has submitted.
func (s *Service) CountPages(ctx context.Context, tenantID string) (int, error) {
	query, args, err := s.db.Builder().From("pages").Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.C("user_id").Eq(tenantID)).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build page count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// dateLayouts are the handwritten date styles we normalize, day-first before month-first.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
	"02/01/06",
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC3339,
}

// ParseDate normalizes a raw page date to midnight UTC, or nil when unreadable.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}
