package models

import "time"

// PendingStatus is the lifecycle state of a pending extraction.
type PendingStatus string

const (
	StatusAwaitingConfirmation PendingStatus = "awaiting_confirmation"
	StatusConfirmed            PendingStatus = "confirmed"
	StatusDeclined             PendingStatus = "declined"
	StatusExpired              PendingStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s PendingStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusDeclined || s == StatusExpired
}

// RawRow is one row as read off the page, before categorization.
type RawRow struct {
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"`
}

// RawExtraction is the digitizer's structured reading of a page.
type RawExtraction struct {
	Rows              []RawRow `json:"rows"`
	Currency          string   `json:"currency_detected,omitempty"`
	PageNotes         string   `json:"page_notes,omitempty"`
	ContentAssessment string   `json:"content_assessment,omitempty"`
	Confidence        string   `json:"confidence,omitempty"`
}

// PendingExtraction holds a digitized page awaiting the owner's yes or no.
type PendingExtraction struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	PageID           string        `json:"page_id"`
	Raw              RawExtraction `json:"raw_extraction"`
	ContentType      string        `json:"content_type,omitempty"`
	FollowUpQuestion string        `json:"follow_up_question,omitempty"`
	ImageURL         string        `json:"image_url,omitempty"`
	DocumentURL      string        `json:"document_url,omitempty"`
	Status           PendingStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
}
