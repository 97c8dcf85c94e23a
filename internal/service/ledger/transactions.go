package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ledgerchat/internal/models"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

var transactionColumns = []any{
	"id", "user_id", "page_id", "date", "parsed_date", "description",
	"amount", "type", "category", "is_unclear", "created_at",
}

// StoreTransactions persists confirmed rows for a page and records the page's count.
func (s *Service) StoreTransactions(ctx context.Context, tenantID, pageID string, rows []models.CategorizedRow) ([]models.Transaction, error) {
	if tenantID == "" || pageID == "" {
		return nil, errors.New("tenant id and page id are required")
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin store transactions: %w", err)
	}
	defer tx.Rollback()

	stored := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		t := models.Transaction{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			PageID:      pageID,
			Date:        r.Date,
			ParsedDate:  r.ParsedDate,
			Description: r.Description,
			Amount:      r.Amount,
			Type:        r.Type,
			Category:    models.NormalizeCategory(r.Category),
			IsUnclear:   r.IsUnclear,
			CreatedAt:   now,
		}
		if t.ParsedDate == nil {
			t.ParsedDate = ParseDate(r.Date)
		}
		var parsed any
		if t.ParsedDate != nil {
			parsed = *t.ParsedDate
		}

		query, args, err := s.db.Builder().Insert("transactions").Prepared(true).Rows(goqu.Record{
			"id":          t.ID,
			"user_id":     t.TenantID,
			"page_id":     t.PageID,
			"date":        nullable(t.Date),
			"parsed_date": parsed,
			"description": t.Description,
			"amount":      t.Amount,
			"type":        string(t.Type),
			"category":    t.Category,
			"is_unclear":  t.IsUnclear,
			"created_at":  t.CreatedAt,
		}).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build transaction insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("insert transaction: %w", err)
		}
		stored = append(stored, t)
	}

	query, args, err := s.db.Builder().Update("pages").Prepared(true).
		Set(goqu.Record{"transaction_count": len(stored)}).
		Where(goqu.C("id").Eq(pageID), goqu.C("user_id").Eq(tenantID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build page count update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update page count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transactions: %w", err)
	}
	return stored, nil
}

// Page sizes for ListTransactions.
const (
	DefaultTransactionLimit = 500
	MaxTransactionLimit     = 1000
)

// TransactionFilter narrows ListTransactions. Zero values mean no filter.
type TransactionFilter struct {
	Since    time.Time
	Until    time.Time
	Category string
	Type     models.EntryType
	Limit    int
}

// ListTransactions returns the tenant's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, tenantID string, f TransactionFilter) ([]models.Transaction, error) {
	where := []goqu.Expression{goqu.C("user_id").Eq(tenantID)}
	if !f.Since.IsZero() {
		where = append(where, goqu.C("created_at").Gte(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, goqu.C("created_at").Lt(f.Until))
	}
	if f.Category != "" {
		where = append(where, goqu.C("category").Eq(f.Category))
	}
	if f.Type != "" {
		where = append(where, goqu.C("type").Eq(string(f.Type)))
	}
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = DefaultTransactionLimit
	case limit > MaxTransactionLimit:
		limit = MaxTransactionLimit
	}

	query, args, err := s.db.Builder().From("transactions").Prepared(true).
		Select(transactionColumns...).
		Where(where...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Asc()).
		Limit(uint(limit)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build transaction list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var (
			t      models.Transaction
			date   sql.NullString
			parsed sql.NullTime
			kind   string
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.PageID, &date, &parsed, &t.Description,
			&t.Amount, &kind, &t.Category, &t.IsUnclear, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Date = date.String
		t.Type = models.EntryType(kind)
		if parsed.Valid {
			p := parsed.Time
			t.ParsedDate = &p
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CategoryTotal is the amount spent or earned in one category.
type CategoryTotal struct {
	Category string  `json:"category"`
	Total    float64 `json:"total"`
}

// Summary is the month-to-date picture sent by the summary command and the dashboard.
type Summary struct {
	Count          int             `json:"count"`
	Expenses       float64         `json:"expenses"`
	Income         float64         `json:"income"`
	Net            float64         `json:"net"`
	TopExpenses    []CategoryTotal `json:"top_expenses"`
	UnclearEntries int             `json:"unclear_entries"`
}

// Summarize totals a set of transactions.
func Summarize(txns []models.Transaction) Summary {
	var s Summary
	byCategory := map[string]float64{}
	for _, t := range txns {
		s.Count++
		if t.IsUnclear {
			s.UnclearEntries++
		}
		if t.Type == models.EntryCredit {
			s.Income += t.Amount
			continue
		}
		s.Expenses += t.Amount
		byCategory[t.Category] += t.Amount
	}
	s.Net = s.Income - s.Expenses
	s.TopExpenses = topCategories(byCategory, 4)
	return s
}

func topCategories(totals map[string]float64, n int) []CategoryTotal {
	out := make([]CategoryTotal, 0, len(totals))
	for c, v := range totals {
		out = append(out, CategoryTotal{Category: c, Total: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total == out[j].Total {
			return out[i].Category < out[j].Category
		}
		return out[i].Total > out[j].Total
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// MonthSummary summarizes transactions recorded since the start of now's month.
func (s *Service) MonthSummary(ctx context.Context, tenantID string, now time.Time) (Summary, error) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	txns, err := s.ListTransactions(ctx, tenantID, TransactionFilter{Since: start, Limit: 1000})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(txns), nil
}
