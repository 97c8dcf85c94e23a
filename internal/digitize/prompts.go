package digitize

import (
	"encoding/json"
	"fmt"
	"strings"

	"ledgerchat/internal/models"
)

const digitizationPrompt = `You are an OCR specialist for handwritten financial documents. Extract ALL handwritten or printed text from this image into a structured digital table.

Return ONLY valid JSON (no markdown, no backticks, no explanation):
{
  "rows": [
    {
      "date": "date as written on the page",
      "description": "exact text as written",
      "amount": 1234.56,
      "type": "debit or credit"
    }
  ],
  "currency_detected": "LKR or USD or EUR or INR or GHS or unknown",
  "page_notes": "any header, title, date range, or context visible on the page",
  "content_assessment": "expenses or inventory or sales or mixed or unknown",
  "confidence": "high or medium or low"
}

## Rules
- Transcribe text exactly as written. Keep original wording, spelling and abbreviations.
- Do not categorize or interpret meaning. Only digitize what you see.
- "type": "debit" if money goes out (expense, payment), "credit" if money comes in (income, sale).
- Best-guess unclear numbers and mark them with [unclear] in the description.
- Use the most recent visible date if a row has no date.
- Extract ALL rows including partial or messy ones.
- "BF", "B/F" and "Brought Forward" are running balances, not rows.
- Running totals and balance lines are not transactions. Skip them.
- "content_assessment" guesses what kind of records these are:
  - "expenses" = business expenses, payments, purchases
  - "inventory" = stock records, goods purchased for resale
  - "sales" = sales records, customer payments, revenue
  - "mixed" = combination of the above
  - "unknown" = can't determine
- If this is not a financial document at all, return: {"error": "This doesn't appear to be a financial document. Please send a photo of a ledger page, receipt book, or expense register."}
`

var categoryGuidance = []string{
	`"Inventory / Stock": goods purchased for resale, raw materials, stock replenishment (e.g. "Grocery - Main road", "Notions", "Rice 50kg")`,
	`"Revenue / Sales": sales income, customer payments, returns and refunds`,
	`"Salaries / Wages": staff wages, daily labor, helper payments (e.g. "Roober Salary", "Helper")`,
	`"Shop Expenses": shop rent, carpet, cleaning, decorations, signage, banners`,
	`"Transport / Fuel": delivery charges, lorry hire, fuel, courier or parcel shipping (e.g. "WZ parcel")`,
	`"Food / Meals": staff meals, tea, refreshments`,
	`"Owner Drawings": cash to boss or owner, personal withdrawals (e.g. "Cash to Boss")`,
	`"Marketing / Ads": sponsorships, advertising, flyers, social media`,
	`"Utilities": electricity, water, phone, internet`,
	`"Office Supplies": stationery, pens, notebooks, printing`,
	`"Repairs / Maintenance": equipment repair, building maintenance`,
	`"Insurance": insurance premiums`,
	`"Taxes / Fees": government taxes, license fees, permits`,
	`"Loan / Interest": loan payments, interest charges`,
	`"Miscellaneous": ONLY if nothing else fits`,
}

func categorizationPrompt(raw models.RawExtraction) string {
	rows, _ := json.MarshalIndent(raw.Rows, "", "  ")

	var b strings.Builder
	b.WriteString("You are a bookkeeping assistant for small retail businesses (grocery shops, textile stores, general stores).\n\n")
	b.WriteString("Categorize these digitized transactions.\n\n## Input Data\n")
	fmt.Fprintf(&b, "Currency: %s\n", orDefault(raw.Currency, "unknown"))
	fmt.Fprintf(&b, "Page notes: %s\n", orDefault(raw.PageNotes, "none"))
	fmt.Fprintf(&b, "Rows:\n%s\n\n## Categories\n", rows)
	for _, c := range models.Categories {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n## Category Guidelines\n")
	for _, g := range categoryGuidance {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	b.WriteString(`
## Rules
- For retail shops, most purchases are likely "Inventory / Stock" unless clearly something else.
- Normalize dates to YYYY-MM-DD where possible.
- Preserve original descriptions.
- Keep the same amount and type (debit/credit).
- Return exactly one transaction per input row, in the same order.

Return ONLY valid JSON (no markdown, no backticks):
{
  "transactions": [
    {
      "date": "YYYY-MM-DD or original if can't parse",
      "description": "original text",
      "amount": 1234.56,
      "type": "debit or credit",
      "category": "one of the categories above"
    }
  ],
  "confidence": "high or medium or low"
}`)
	return b.String()
}

func assessmentPrompt(raw models.RawExtraction) string {
	contentType := orDefault(raw.ContentAssessment, "unknown")
	n := len(raw.Rows)
	return fmt.Sprintf(`You are a friendly WhatsApp business assistant. Based on this digitized financial data, write a short follow-up message asking the user what they'd like to do next.

Data summary:
- %d entries digitized
- Content type: %s
- Page notes: %s
- Currency: %s

Return ONLY valid JSON (no markdown, no backticks):
{
  "follow_up_message": "A friendly WhatsApp message (max 200 chars). Mention how many entries were found. Suggest the most likely action based on content type. End with a simple yes/no question.",
  "content_type": "%s"
}

Examples by content type:
- expenses: "I've digitized 15 entries that look like business expenses. Want me to categorize them and add them to your ledger? Reply *yes* or *no*."
- inventory: "Found 8 stock/inventory entries! Want me to categorize and track these in your books? Reply *yes* or *no*."
- sales: "I see 12 sales/income entries. Want me to organize and add these to your records? Reply *yes* or *no*."
- mixed: "Digitized 20 entries, a mix of expenses and income. Want me to categorize everything and update your books? Reply *yes* or *no*."
- unknown: "I've digitized %d entries from your page. Want me to categorize and add them to your ledger? Reply *yes* or *no*."

Keep it natural and concise. Use WhatsApp formatting (*bold* for emphasis).`,
		n, contentType, orDefault(raw.PageNotes, "none"), orDefault(raw.Currency, "unknown"), contentType, n)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
