// Package digitize reads ledger page photos into raw rows, writes the follow-up
// question for a fresh extraction, and categorizes rows once the owner confirms.
package digitize

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/ai"
)

// NotFinancialError reports that the vision model judged the image not to be a ledger page.
type NotFinancialError struct {
	Message string
}

func (e *NotFinancialError) Error() string {
	return "not a financial document: " + e.Message
}

// IsNotFinancial reports whether err came from a non-ledger image.
func IsNotFinancial(err error) bool {
	var nf *NotFinancialError
	return errors.As(err, &nf)
}

// Digitizer turns a page image into a RawExtraction through the vision model.
type Digitizer struct {
	client ai.Client
}

func NewDigitizer(client ai.Client) *Digitizer {
	return &Digitizer{client: client}
}

type wireRow struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      amount `json:"amount"`
	Type        string `json:"type"`
	Category    string `json:"category,omitempty"`
}

type wireExtraction struct {
	Error             string    `json:"error"`
	Rows              []wireRow `json:"rows"`
	Transactions      []wireRow `json:"transactions"`
	Currency          string    `json:"currency_detected"`
	PageNotes         string    `json:"page_notes"`
	ContentAssessment string    `json:"content_assessment"`
	Confidence        string    `json:"confidence"`
}

// Digitize reads one page. A zero-row result is not an error; callers decide how to reply.
func (d *Digitizer) Digitize(ctx context.Context, img *ai.Image) (models.RawExtraction, error) {
	if img == nil || len(img.Data) == 0 {
		return models.RawExtraction{}, errors.New("image is required")
	}
	text, err := d.client.Generate(ctx, ai.Request{
		Prompt:          digitizationPrompt,
		Image:           img,
		Temperature:     0.1,
		MaxOutputTokens: 4000,
	})
	if err != nil {
		if apperr.Is(err, apperr.KindGenerationFailed) {
			return models.RawExtraction{}, err
		}
		return models.RawExtraction{}, apperr.GenerationFailed("digitize page", err)
	}

	var out wireExtraction
	if err := ai.DecodeJSON(text, &out); err != nil {
		return models.RawExtraction{}, err
	}
	if msg := strings.TrimSpace(out.Error); msg != "" {
		return models.RawExtraction{}, &NotFinancialError{Message: msg}
	}

	rows := out.Rows
	if len(rows) == 0 {
		rows = out.Transactions
	}
	raw := models.RawExtraction{
		Currency:          strings.TrimSpace(out.Currency),
		PageNotes:         strings.TrimSpace(out.PageNotes),
		ContentAssessment: normalizeContentType(out.ContentAssessment),
		Confidence:        strings.ToLower(strings.TrimSpace(out.Confidence)),
	}
	for _, r := range rows {
		if strings.TrimSpace(r.Description) == "" && r.Amount == 0 {
			continue
		}
		raw.Rows = append(raw.Rows, models.RawRow{
			Date:        strings.TrimSpace(r.Date),
			Description: strings.TrimSpace(r.Description),
			Amount:      float64(r.Amount),
			Type:        string(models.NormalizeEntryType(r.Type)),
		})
	}
	return raw, nil
}

var contentTypes = map[string]bool{"expenses": true, "inventory": true, "sales": true, "mixed": true}

func normalizeContentType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if contentTypes[s] {
		return s
	}
	return "unknown"
}

// amount accepts numbers and number-like strings such as "1,250.00".
type amount float64

func (a *amount) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*a = amount(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*a = 0
		return nil
	}
	s = strings.NewReplacer(",", "", " ", "").Replace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*a = 0
		return nil
	}
	*a = amount(f)
	return nil
}
