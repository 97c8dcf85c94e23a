package conversation

import (
	"fmt"
	"strings"

	"ledgerchat/internal/models"
	"ledgerchat/internal/service/ledger"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	cmdHelp      = "help"
	cmdSummary   = "summary"
	cmdDashboard = "dashboard"
)

var commands = map[string]string{
	"hi":        cmdHelp,
	"hello":     cmdHelp,
	"help":      cmdHelp,
	"start":     cmdHelp,
	"summary":   cmdSummary,
	"report":    cmdDashboard,
	"dashboard": cmdDashboard,
}

// parseCommand returns the command named by body, or "".
func parseCommand(body string) string {
	key := strings.ToLower(strings.TrimSpace(body))
	key = strings.TrimRight(key, "!.?")
	return commands[key]
}

const (
	msgHelp = "👋 Hi! I turn photos of your paper ledger into digital records.\n\n" +
		"📷 Send a clear photo of a ledger page, receipt book or expense register.\n" +
		"✅ I'll read it and ask before adding anything to your books.\n" +
		"💬 Ask me questions like \"how much did I spend on transport this month?\"\n\n" +
		"Commands: *summary* for this month's totals, *report* for your dashboard link."
	msgSendPhoto         = "📷 Send me a photo of your ledger page to get started, or type *help*."
	msgSomethingWrong    = "😕 Something went wrong on my side. Please try again in a moment."
	msgDigitizing        = "📷 Got it! Reading your page... ⏳"
	msgCategorizing      = "⏳ Categorizing your entries..."
	msgFetchFailed       = "😕 I couldn't download that photo. Please send it again."
	msgDigitizeFailed    = "😕 I had trouble reading that page. Please try a clearer, well-lit photo."
	msgNoRows            = "🤔 I couldn't find any transactions on that page. Try a clearer photo with the whole page in frame."
	msgAlreadyHandled    = "That page was already handled. Send another photo whenever you're ready."
	msgDeclined          = "👍 No problem, I've discarded that page. Send another photo any time."
	msgSaveFailed        = "😕 I couldn't save those entries. Please send the photo again."
	msgNoTransactionsYet = "📭 No transactions this month yet. Send a ledger photo to get started!"
)

func notFinancialReply(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "That doesn't look like a financial record."
	}
	return "⚠️ " + reason + "\n\nPlease send a clear photo of a ledger page, receipt book, or expense register."
}

func rePrompt(p *models.PendingExtraction) string {
	if q := strings.TrimSpace(p.FollowUpQuestion); q != "" {
		return "Sorry, I didn't catch that. " + q
	}
	return fmt.Sprintf("Sorry, I didn't catch that. Reply *yes* to add these %d entries to your ledger or *no* to discard them.", len(p.Raw.Rows))
}

var printer = message.NewPrinter(language.English)

func money(currency string, v float64) string {
	s := printer.Sprintf("%.2f", v)
	if currency = strings.TrimSpace(currency); currency != "" {
		return currency + " " + s
	}
	return s
}

func writeTotals(b *strings.Builder, s ledger.Summary, currency string) {
	fmt.Fprintf(b, "💸 Expenses: %s\n", money(currency, s.Expenses))
	fmt.Fprintf(b, "💰 Income: %s\n", money(currency, s.Income))
	fmt.Fprintf(b, "📈 Net: %s\n", money(currency, s.Net))
	if len(s.TopExpenses) > 0 {
		b.WriteString("\n*Top expenses:*\n")
		for _, ct := range s.TopExpenses {
			fmt.Fprintf(b, "  • %s: %s\n", ct.Category, money(currency, ct.Total))
		}
	}
	if s.UnclearEntries > 0 {
		fmt.Fprintf(b, "\n⚠️ %d %s marked unclear, please double-check them.\n", s.UnclearEntries, plural(s.UnclearEntries, "entry", "entries"))
	}
}

func confirmedReply(txns []models.Transaction, raw models.RawExtraction, link string) string {
	s := ledger.Summarize(txns)
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *%d %s added to your ledger*\n", s.Count, plural(s.Count, "transaction", "transactions"))
	if raw.Confidence != "" {
		fmt.Fprintf(&b, "📊 Reading confidence: %s\n", raw.Confidence)
	}
	b.WriteString("\n")
	writeTotals(&b, s, raw.Currency)
	fmt.Fprintf(&b, "\n📋 View full details & charts:\n%s\n", link)
	b.WriteString("\n_Send another photo or ask me a question about your expenses._")
	return b.String()
}

func summaryReply(s ledger.Summary, link string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *This month so far* (%d %s)\n\n", s.Count, plural(s.Count, "transaction", "transactions"))
	writeTotals(&b, s, "")
	fmt.Fprintf(&b, "\n📋 Dashboard: %s", link)
	return b.String()
}

func dashboardReply(link string) string {
	return "📋 Here's your dashboard with all your transactions and charts:\n" + link
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
