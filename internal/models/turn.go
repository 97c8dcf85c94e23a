package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnType tags what a conversation turn was about.
type TurnType string

const (
	TurnQuery       TurnType = "query"
	TurnQueryResult TurnType = "query_result"
)

// ConversationTurn is one message of the query dialogue kept for follow-up context.
type ConversationTurn struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Type      TurnType       `json:"turn_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
