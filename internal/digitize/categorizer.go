package digitize

import (
	"context"
	"fmt"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/ai"
	"ledgerchat/internal/service/ledger"
)

const unclearMarker = "[unclear]"

// Categorizer assigns a bookkeeping category to each confirmed row.
type Categorizer struct {
	client ai.Client
}

func NewCategorizer(client ai.Client) *Categorizer {
	return &Categorizer{client: client}
}

type categorizationOutput struct {
	Transactions []wireRow `json:"transactions"`
	Confidence   string    `json:"confidence"`
}

// Categorize returns one categorized row per raw row, in order. Amount, type and
// description always come from the raw rows; the model contributes the category
// and a normalized date.
func (c *Categorizer) Categorize(ctx context.Context, raw models.RawExtraction) ([]models.CategorizedRow, error) {
	if len(raw.Rows) == 0 {
		return nil, nil
	}
	text, err := c.client.Generate(ctx, ai.Request{
		Prompt:          categorizationPrompt(raw),
		Temperature:     0.1,
		MaxOutputTokens: 4000,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindGenerationFailed) {
			return nil, err
		}
		return nil, apperr.GenerationFailed("categorize rows", err)
	}

	var out categorizationOutput
	if err := ai.DecodeJSON(text, &out); err != nil {
		return nil, err
	}
	if len(out.Transactions) != len(raw.Rows) {
		return nil, apperr.GenerationFailed("categorize rows",
			fmt.Errorf("model returned %d rows for %d inputs", len(out.Transactions), len(raw.Rows)))
	}

	rows := make([]models.CategorizedRow, len(raw.Rows))
	for i, r := range raw.Rows {
		rows[i] = categorizedFrom(r, out.Transactions[i].Category)
		if parsed := ledger.ParseDate(out.Transactions[i].Date); parsed != nil {
			rows[i].ParsedDate = parsed
		}
	}
	return rows, nil
}

// FallbackCategorize keeps every row under Miscellaneous so confirmed data is never dropped.
func FallbackCategorize(raw models.RawExtraction) []models.CategorizedRow {
	rows := make([]models.CategorizedRow, len(raw.Rows))
	for i, r := range raw.Rows {
		rows[i] = categorizedFrom(r, models.CategoryMiscellaneous)
	}
	return rows
}

func categorizedFrom(r models.RawRow, category string) models.CategorizedRow {
	return models.CategorizedRow{
		Date:        r.Date,
		ParsedDate:  ledger.ParseDate(r.Date),
		Description: r.Description,
		Amount:      r.Amount,
		Type:        models.NormalizeEntryType(r.Type),
		Category:    models.NormalizeCategory(category),
		IsUnclear:   strings.Contains(strings.ToLower(r.Description), unclearMarker),
	}
}
