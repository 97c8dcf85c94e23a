package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerchat/internal/models"
	"ledgerchat/internal/storage"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a tenant-scoped record does not exist.
var ErrNotFound = errors.New("not found")

// Service owns tenants, pages, confirmed transactions and the conversation log.
type Service struct {
	db  *storage.DB
	now func() time.Time
}

// NewService builds a new ledger service.
func NewService(db *storage.DB) *Service {
	return &Service{db: db, now: storage.Now}
}

// GetOrCreateTenant returns the tenant for phone, creating it on first contact,
// and bumps its last-active timestamp.
func (s *Service) GetOrCreateTenant(ctx context.Context, phone string) (*models.Tenant, error) {
	phone = strings.TrimSpace(strings.TrimPrefix(phone, "whatsapp:"))
	if phone == "" {
		return nil, errors.New("phone is required")
	}
	now := s.now()

	tenant, err := s.tenantBy(ctx, goqu.C("phone").Eq(phone))
	switch {
	case err == nil:
		if err := s.touchTenant(ctx, tenant.ID, now); err != nil {
			return nil, err
		}
		tenant.LastActive = now
		return tenant, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	tenant = &models.Tenant{ID: uuid.NewString(), Phone: phone, CreatedAt: now, LastActive: now}
	query, args, err := s.db.Builder().Insert("users").Prepared(true).Rows(goqu.Record{
		"id":          tenant.ID,
		"phone":       tenant.Phone,
		"created_at":  tenant.CreatedAt,
		"last_active": tenant.LastActive,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build tenant insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		// a concurrent first message may have created it
		if existing, lookupErr := s.tenantBy(ctx, goqu.C("phone").Eq(phone)); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return tenant, nil
}

// TenantByID loads a tenant.
func (s *Service) TenantByID(ctx context.Context, id string) (*models.Tenant, error) {
	return s.tenantBy(ctx, goqu.C("id").Eq(id))
}

func (s *Service) tenantBy(ctx context.Context, where goqu.Expression) (*models.Tenant, error) {
	query, args, err := s.db.Builder().From("users").Prepared(true).
		Select("id", "phone", "created_at", "last_active").
		Where(where).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build tenant query: %w", err)
	}
	var t models.Tenant
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.Phone, &t.CreatedAt, &t.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &t, nil
}

func (s *Service) touchTenant(ctx context.Context, id string, now time.Time) error {
	query, args, err := s.db.Builder().Update("users").Prepared(true).
		Set(goqu.Record{"last_active": now}).
		Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build tenant touch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch tenant: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
