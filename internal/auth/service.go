package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"ledgerchat/internal/logging"
	"ledgerchat/internal/redis"
	"ledgerchat/internal/storage"

	"github.com/doug-martin/goqu/v9"
)

const redisTokenPrefix = "dashboard:token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues and validates dashboard link tokens. Only token hashes are stored.
type Service struct {
	db         *storage.DB
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
	queryName  string
	now        func() time.Time
}

// NewService constructs an auth service with the supplied token lifetime. cache may be nil.
func NewService(db *storage.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{
		db:         db,
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
		queryName:  "token",
		now:        storage.Now,
	}
}

// IssueToken mints a new random token for the tenant and persists its hash.
func (s *Service) IssueToken(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		return "", errors.New("invalid tenant id")
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		query, args, err := s.db.Builder().Insert("dashboard_tokens").Prepared(true).Rows(goqu.Record{
			"token":      hashToken(token),
			"user_id":    tenantID,
			"created_at": now,
			"expires_at": expiresAt,
		}).ToSQL()
		if err != nil {
			return "", fmt.Errorf("build token insert: %w", err)
		}
		if _, err = s.db.ExecContext(ctx, query, args...); err == nil {
			s.cacheToken(ctx, token, tenantID, expiresAt)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// ValidateToken verifies the token exists and has not expired, returning the tenant id.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	if s.cache != nil {
		if tenantID, err := s.cache.Get(ctx, redisTokenPrefix+hashToken(token)); err == nil && tenantID != "" {
			return tenantID, nil
		} else if err != nil && err != redis.ErrCacheMiss {
			logging.FromContext(ctx).Warn().Err(err).Msg("token cache lookup failed")
		}
	}

	query, args, err := s.db.Builder().From("dashboard_tokens").Prepared(true).
		Select("user_id", "expires_at").
		Where(goqu.C("token").Eq(hashToken(token))).ToSQL()
	if err != nil {
		return "", fmt.Errorf("build token lookup: %w", err)
	}
	var (
		tenantID string
		expires  time.Time
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&tenantID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if s.now().After(expires) {
		_ = s.RevokeToken(ctx, token)
		return "", ErrTokenExpired
	}
	s.cacheToken(ctx, token, tenantID, expires)
	return tenantID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hashed := hashToken(token)
	if s.cache != nil {
		if err := s.cache.Del(ctx, redisTokenPrefix+hashed); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Msg("token cache delete failed")
		}
	}
	query, args, err := s.db.Builder().Delete("dashboard_tokens").Prepared(true).
		Where(goqu.C("token").Eq(hashed)).ToSQL()
	if err != nil {
		return fmt.Errorf("build token delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// PurgeExpired removes expired tokens for every tenant.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	query, args, err := s.db.Builder().Delete("dashboard_tokens").Prepared(true).
		Where(goqu.C("expires_at").Lt(s.now())).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build token purge: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

func (s *Service) cacheToken(ctx context.Context, token, tenantID string, expires time.Time) {
	if s.cache == nil {
		return
	}
	ttl := expires.Sub(s.now())
	if ttl <= 0 {
		return
	}
	if ttl > time.Hour {
		ttl = time.Hour
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+hashToken(token), tenantID, ttl); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("token cache write failed")
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
