package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ledgerchat/internal/models"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// AppendTurn adds one message to the tenant's conversation log.
func (s *Service) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	if turn.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(turn.Content) == "" {
		return errors.New("content cannot be empty")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	if turn.Type == "" {
		turn.Type = models.TurnQuery
	}

	var meta any
	if len(turn.Metadata) > 0 {
		b, err := json.Marshal(turn.Metadata)
		if err != nil {
			return fmt.Errorf("encode turn metadata: %w", err)
		}
		meta = string(b)
	}

	query, args, err := s.db.Builder().Insert("conversation_turns").Prepared(true).Rows(goqu.Record{
		"id":         turn.ID,
		"user_id":    turn.TenantID,
		"role":       string(turn.Role),
		"content":    turn.Content,
		"turn_type":  string(turn.Type),
		"metadata":   meta,
		"created_at": turn.CreatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build turn insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the tenant's last n turns, oldest first.
func (s *Service) RecentTurns(ctx context.Context, tenantID string, n int) ([]models.ConversationTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	query, args, err := s.db.Builder().From("conversation_turns").Prepared(true).
		Select("id", "user_id", "role", "content", "turn_type", "metadata", "created_at").
		Where(goqu.C("user_id").Eq(tenantID)).
		Order(goqu.C("created_at").Desc()).
		Limit(uint(n)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build turn query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var (
			t          models.ConversationTurn
			role, kind string
			meta       sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &role, &t.Content, &kind, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = models.Role(role)
		t.Type = models.TurnType(kind)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode turn metadata: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
