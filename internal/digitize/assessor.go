package digitize

import (
	"context"
	"fmt"
	"strings"

	"ledgerchat/internal/logging"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/ai"
)

// MaxFollowUpChars bounds the follow-up question sent after digitization.
const MaxFollowUpChars = 200

// FollowUp is the question sent back after a page is digitized.
type FollowUp struct {
	Message     string
	ContentType string
}

// Assessor writes the follow-up question for a fresh extraction.
type Assessor struct {
	client ai.Client
}

func NewAssessor(client ai.Client) *Assessor {
	return &Assessor{client: client}
}

type assessmentOutput struct {
	FollowUpMessage string `json:"follow_up_message"`
	ContentType     string `json:"content_type"`
}

// FollowUp never fails: any model problem falls back to a template message.
func (a *Assessor) FollowUp(ctx context.Context, raw models.RawExtraction) FollowUp {
	fallback := TemplateFollowUp(raw)
	if a == nil || a.client == nil {
		return fallback
	}
	text, err := a.client.Generate(ctx, ai.Request{
		Prompt:          assessmentPrompt(raw),
		Temperature:     0.3,
		MaxOutputTokens: 300,
	})
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("follow-up generation failed, using template")
		return fallback
	}
	var out assessmentOutput
	if err := ai.DecodeJSON(text, &out); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("follow-up response unreadable, using template")
		return fallback
	}

	msg := strings.TrimSpace(out.FollowUpMessage)
	if msg == "" || len([]rune(msg)) > MaxFollowUpChars || !asksYesNo(msg) {
		return fallback
	}
	ct := normalizeContentType(out.ContentType)
	if ct == "unknown" {
		ct = fallback.ContentType
	}
	return FollowUp{Message: msg, ContentType: ct}
}

func asksYesNo(msg string) bool {
	if strings.HasSuffix(strings.TrimRight(msg, "*_ "), "?") {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "yes") && strings.Contains(lower, "no")
}

// TemplateFollowUp is the fixed follow-up used when the model is unavailable.
func TemplateFollowUp(raw models.RawExtraction) FollowUp {
	ct := normalizeContentType(raw.ContentAssessment)
	n := len(raw.Rows)
	var msg string
	switch ct {
	case "expenses":
		msg = fmt.Sprintf("I've digitized %d entries that look like business expenses. Want me to categorize them and add them to your ledger? Reply *yes* or *no*.", n)
	case "inventory":
		msg = fmt.Sprintf("Found %d stock/inventory entries! Want me to categorize and track these in your books? Reply *yes* or *no*.", n)
	case "sales":
		msg = fmt.Sprintf("I see %d sales/income entries. Want me to organize and add these to your records? Reply *yes* or *no*.", n)
	case "mixed":
		msg = fmt.Sprintf("Digitized %d entries, a mix of expenses and income. Want me to categorize everything and update your books? Reply *yes* or *no*.", n)
	default:
		msg = fmt.Sprintf("I've digitized %d entries from your page. Want me to categorize and add them to your ledger? Reply *yes* or *no*.", n)
	}
	return FollowUp{Message: msg, ContentType: ct}
}
