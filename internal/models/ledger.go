package models

import (
	"strings"
	"time"
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// NormalizeEntryType maps loose model output onto debit/credit, defaulting to debit.
func NormalizeEntryType(s string) EntryType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit", "income", "in", "cr":
		return EntryCredit
	default:
		return EntryDebit
	}
}

// Page records one photographed ledger page.
type Page struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	PageNotes        string    `json:"page_notes,omitempty"`
	Currency         string    `json:"currency_detected,omitempty"`
	Confidence       string    `json:"confidence,omitempty"`
	TransactionCount int       `json:"transaction_count"`
	ImageURL         string    `json:"image_url,omitempty"`
	DocumentURL      string    `json:"document_url,omitempty"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// CategorizedRow is a raw row after categorization, ready to persist.
type CategorizedRow struct {
	Date        string     `json:"date"`
	ParsedDate  *time.Time `json:"parsed_date,omitempty"`
	Description string     `json:"description"`
	Amount      float64    `json:"amount"`
	Type        EntryType  `json:"type"`
	Category    string     `json:"category"`
	IsUnclear   bool       `json:"is_unclear"`
}

// Transaction is a confirmed ledger entry.
type Transaction struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	PageID      string     `json:"page_id"`
	Date        string     `json:"date,omitempty"`
	ParsedDate  *time.Time `json:"parsed_date,omitempty"`
	Description string     `json:"description"`
	Amount      float64    `json:"amount"`
	Type        EntryType  `json:"type"`
	Category    string     `json:"category"`
	IsUnclear   bool       `json:"is_unclear"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Categories is the fixed set of ledger categories.
var Categories = []string{
	"Revenue / Sales",
	"Inventory / Stock",
	"Salaries / Wages",
	"Shop Expenses",
	"Transport / Fuel",
	"Food / Meals",
	"Owner Drawings",
	"Marketing / Ads",
	"Utilities",
	"Office Supplies",
	"Repairs / Maintenance",
	"Insurance",
	"Taxes / Fees",
	"Loan / Interest",
	"Miscellaneous",
}

const CategoryMiscellaneous = "Miscellaneous"

// NormalizeCategory returns the canonical spelling of a known category or Miscellaneous.
func NormalizeCategory(s string) string {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(c, s) {
			return c
		}
	}
	return CategoryMiscellaneous
}
