package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"ledgerchat/internal/models"
	"ledgerchat/internal/storage"
)

type dateHints struct {
	engine    string
	thisMonth string
	lastMonth string
	fuzzy     string
}

var hintsByDialect = map[storage.Dialect]dateHints{
	storage.DialectPostgres: {
		engine:    "PostgreSQL",
		thisMonth: "WHERE parsed_date >= DATE_TRUNC('month', CURRENT_DATE)",
		lastMonth: "WHERE parsed_date >= DATE_TRUNC('month', CURRENT_DATE - INTERVAL '1 month') AND parsed_date < DATE_TRUNC('month', CURRENT_DATE)",
		fuzzy:     "Use ILIKE for fuzzy description matching",
	},
	storage.DialectMySQL: {
		engine:    "MySQL",
		thisMonth: "WHERE parsed_date >= DATE_FORMAT(CURRENT_DATE, '%Y-%m-01')",
		lastMonth: "WHERE parsed_date >= DATE_FORMAT(CURRENT_DATE - INTERVAL 1 MONTH, '%Y-%m-01') AND parsed_date < DATE_FORMAT(CURRENT_DATE, '%Y-%m-01')",
		fuzzy:     "Use LIKE with % wildcards for fuzzy description matching",
	},
	storage.DialectSQLite: {
		engine:    "SQLite",
		thisMonth: "WHERE parsed_date >= date('now', 'start of month')",
		lastMonth: "WHERE parsed_date >= date('now', 'start of month', '-1 month') AND parsed_date < date('now', 'start of month')",
		fuzzy:     "Use LIKE with % wildcards for fuzzy description matching",
	},
}

func generatorPrompt(dialect storage.Dialect, history []models.ConversationTurn, question string) string {
	hints, ok := hintsByDialect[dialect]
	if !ok {
		hints = hintsByDialect[storage.DialectPostgres]
	}

	var historyText string
	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("\nRecent conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		historyText = b.String()
	}

	return fmt.Sprintf(`You are a data analyst for a small retail business. The user asks questions about their business data via WhatsApp.

## Database schema (%[1]s)
All tables are filtered by user_id (provided as $1 parameter).

Table: transactions
- id (TEXT)
- date (TEXT): raw date string
- parsed_date (DATE): normalized date, use this for date filtering
- description (TEXT): what the transaction is for
- amount (DECIMAL 14,2): always positive
- type (TEXT): 'debit' (expense) or 'credit' (income/sale)
- category (TEXT): one of: %[2]s
- is_unclear (BOOLEAN): true if amount was hard to read
- created_at (TIMESTAMP)

Table: pages
- id (TEXT)
- page_notes (TEXT)
- confidence (TEXT)
- transaction_count (INT)
- processed_at (TIMESTAMP)
%[3]s
## Task
Generate a %[1]s query to answer the user's question.
Return ONLY valid JSON (no markdown):
{
  "sql": "SELECT ... WHERE user_id = $1 ...",
  "explanation": "brief explanation of what this query does"
}

## Rules
- ALWAYS include WHERE user_id = $1 in every query
- ONLY generate SELECT statements over the transactions and pages tables
- NEVER use DELETE, UPDATE, INSERT, DROP, ALTER, CREATE, TRUNCATE, INTO
- No semicolons and no comments (single statement only)
- Do not qualify table names with a schema
- LIMIT results to 20 rows max
- Use COALESCE for nullable aggregations
- For "this month": %[4]s
- For "last month": %[5]s
- For expenses: WHERE type = 'debit'
- For income/sales: WHERE type = 'credit'
- Category names are exact strings (e.g., 'Food / Meals', not 'food')
- %[6]s
- Format amounts with ROUND(..., 2)

User question: %[7]q`,
		hints.engine,
		strings.Join(models.Categories, ", "),
		historyText,
		hints.thisMonth,
		hints.lastMonth,
		hints.fuzzy,
		question,
	)
}

func formatterPrompt(question string, rows []Row, explanation string, limit int) string {
	results, err := json.Marshal(rows)
	if err != nil {
		results = []byte("[]")
	}
	return fmt.Sprintf(`Format this database query result as a concise WhatsApp message.

User's question: %q
What the query does: %s
Query results: %s

Rules:
- Keep the message under %d characters
- Use WhatsApp formatting: *bold*, _italic_
- Use bullet points (•) for lists
- Format numbers with commas and 2 decimal places
- Be conversational and helpful
- If results are empty, say so clearly and suggest what data might be available
- Don't mention SQL, databases, or technical details
- End with a helpful suggestion like "Ask me anything else about your expenses!"

Return ONLY the formatted message text, no JSON wrapper.`, question, explanation, results, limit)
}
