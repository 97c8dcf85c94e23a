package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequiresReadOnlyPrefix(t *testing.T) {
	for _, q := range []string{
		"DELETE FROM transactions WHERE user_id = $1",
		"update transactions set amount = 0 where user_id = $1",
		"WITH x AS (SELECT 1) SELECT * FROM x WHERE user_id = $1",
		"  insert into pages values (1) -- user_id",
		"SELECTION FROM transactions WHERE user_id = $1",
		"",
	} {
		v := Validate(q)
		assert.False(t, v.Valid, q)
		assert.Equal(t, RuleReadOnly, v.Rule, q)
		assert.Equal(t, ReasonReadOnly, v.Reason, q)
	}
}

func TestValidateRequiresTenantToken(t *testing.T) {
	v := Validate("SELECT * FROM transactions")
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonTenantScope, v.Reason)

	v = Validate("SELECT * FROM transactions WHERE user_id = $1")
	assert.True(t, v.Valid, v.Reason)

	v = Validate("  select sum(amount) from transactions where user_id = $1 and category = 'Food / Meals'  ")
	assert.True(t, v.Valid, v.Reason)
}

func TestValidateForbiddenKeywordsAreWholeWord(t *testing.T) {
	v := Validate("SELECT description, updated_at, created_at FROM transactions WHERE user_id = $1")
	assert.True(t, v.Valid, v.Reason)

	v = Validate("SELECT * FROM transactions WHERE user_id = $1 AND description = 'x' OR 1=1 UNION SELECT 1 FROM pages WHERE user_id = $1 AND DROP")
	assert.False(t, v.Valid)
	assert.Equal(t, RuleForbidden, v.Rule)
	assert.Equal(t, "forbidden keyword: DROP", v.Reason)

	v = Validate("SELECT * FROM transactions WHERE user_id = $1 -- ignore the rest")
	assert.False(t, v.Valid)
	assert.Equal(t, "forbidden keyword: --", v.Reason)

	v = Validate("SELECT * /* hi */ FROM transactions WHERE user_id = $1")
	assert.False(t, v.Valid)
	assert.Equal(t, "forbidden keyword: /*", v.Reason)

	v = Validate("SELECT * INTO stolen FROM transactions WHERE user_id = $1")
	assert.False(t, v.Valid)
	assert.Equal(t, "forbidden keyword: INTO", v.Reason)
}

func TestValidateRejectsStatementSeparator(t *testing.T) {
	for _, q := range []string{
		"SELECT * FROM transactions WHERE user_id = $1;",
		"SELECT * FROM transactions WHERE user_id = $1; SELECT * FROM users",
		"SELECT ';' FROM transactions WHERE user_id = $1",
	} {
		v := Validate(q)
		assert.False(t, v.Valid, q)
		assert.Equal(t, ReasonSingleStmt, v.Reason, q)
	}
}

func TestValidateTableAllowlist(t *testing.T) {
	valid := []string{
		"SELECT category, SUM(amount) AS total FROM transactions WHERE user_id = $1 AND type = 'debit' GROUP BY category ORDER BY total DESC",
		"SELECT t.description, p.page_notes FROM transactions t JOIN pages p ON p.id = t.page_id WHERE t.user_id = $1",
		"SELECT COUNT(*) FROM transactions AS t, pages AS p WHERE t.user_id = $1 AND p.id = t.page_id",
		"SELECT SUM(amount) FROM transactions WHERE user_id = $1 AND EXTRACT(MONTH FROM parsed_date) = EXTRACT(MONTH FROM CURRENT_DATE)",
		"SELECT * FROM (SELECT category, amount FROM transactions WHERE user_id = $1) sub ORDER BY amount DESC",
		"SELECT * FROM transactions WHERE user_id = $1 AND category IS DISTINCT FROM 'Miscellaneous'",
		"SELECT description FROM transactions WHERE user_id = $1 AND description LIKE '%from users%'",
	}
	for _, q := range valid {
		v := Validate(q)
		assert.True(t, v.Valid, "%s: %s", q, v.Reason)
	}

	invalid := []string{
		"SELECT * FROM users WHERE user_id = $1",
		"SELECT * FROM transactions t JOIN users u ON u.id = t.user_id WHERE t.user_id = $1",
		"SELECT * FROM public.transactions WHERE user_id = $1",
		"SELECT * FROM transactions WHERE user_id = $1 UNION SELECT token, user_id, 1, 1 FROM dashboard_tokens",
		"SELECT * FROM transactions WHERE user_id IN (SELECT user_id FROM conversation_turns)",
		"SELECT * FROM generate_series(1, 10) WHERE user_id = $1",
		`SELECT * FROM "users" WHERE user_id = $1`,
	}
	for _, q := range invalid {
		v := Validate(q)
		assert.False(t, v.Valid, q)
		assert.Equal(t, RuleTableAllowlist, v.Rule, q)
	}
}

func TestValidateRejectsSystemObjects(t *testing.T) {
	v := Validate("SELECT pg_read_file('/etc/passwd') FROM transactions WHERE user_id = $1")
	assert.False(t, v.Valid)
	assert.Equal(t, RuleForbidden, v.Rule)
	assert.Contains(t, v.Reason, "PG_READ_FILE")
}

func TestValidateUnbalancedParentheses(t *testing.T) {
	v := Validate("SELECT SUM(amount FROM transactions WHERE user_id = $1")
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonUnbalanced, v.Reason)

	v = Validate("SELECT amount) FROM transactions WHERE user_id = $1")
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonUnbalanced, v.Reason)
}

func TestUserMessageNeverEchoesQuery(t *testing.T) {
	q := "SELECT secret_column FROM users WHERE user_id = $1"
	v := Validate(q)
	msg := v.UserMessage()
	assert.NotContains(t, msg, "secret_column")
	assert.False(t, strings.Contains(strings.ToUpper(msg), "SELECT"))
}

// hiddenTableQueries smuggle a foreign table reference inside quoting that a
// plain ANSI string scan would misread on postgres or mysql.
var hiddenTableQueries = map[string]string{
	"postgres dollar quote": "SELECT description FROM transactions WHERE user_id = $1 AND description <> $$'$$ " +
		"UNION SELECT phone FROM users WHERE description <> $$'$$",
	"postgres tagged dollar quote": "SELECT description FROM transactions WHERE user_id = $1 AND description <> $q$'$q$ " +
		"UNION SELECT phone FROM users WHERE phone <> $q$'$q$",
	"postgres escape string": `SELECT description FROM transactions WHERE user_id = $1 AND description <> E'\'' ` +
		`UNION SELECT phone FROM users WHERE phone <> E'\''`,
	"mysql backslash escape": `SELECT description FROM transactions WHERE user_id = $1 AND description <> '\'' ` +
		`UNION SELECT phone FROM users WHERE phone <> '\''`,
	"mysql hash comment": "SELECT description FROM transactions WHERE user_id = $1 AND description <> '' #'\n" +
		"UNION SELECT phone FROM users WHERE phone <> ''",
	"cross tenant through schema": "SELECT description FROM transactions WHERE user_id = $1 AND description <> $$'$$ " +
		"UNION SELECT user_id FROM public.transactions WHERE description <> $$'$$",
}

func TestValidateRejectsDialectQuoting(t *testing.T) {
	for name, q := range hiddenTableQueries {
		v := Validate(q)
		assert.False(t, v.Valid, name)
		assert.Equal(t, RuleQuoting, v.Rule, name)
		assert.Equal(t, ReasonQuoting, v.Reason, name)
	}

	for _, q := range []string{
		"SELECT description FROM transactions WHERE user_id = $1 AND description = E'x'",
		"SELECT description FROM transactions WHERE user_id = $1 AND description = 'unterminated",
		`SELECT "description FROM transactions WHERE user_id = $1`,
		"SELECT amount$x FROM transactions WHERE user_id = $1",
	} {
		v := Validate(q)
		assert.False(t, v.Valid, q)
		assert.Equal(t, RuleQuoting, v.Rule, q)
	}
}

func TestValidateAllowsPlainStrings(t *testing.T) {
	for _, q := range []string{
		"SELECT description FROM transactions WHERE user_id = $1 AND description = 'it''s #1'",
		"SELECT description FROM transactions WHERE user_id = $1 AND description LIKE '%$5%'",
		"SELECT CASE WHEN type = 'debit' THEN 'out' ELSE 'in' END AS dir FROM transactions WHERE user_id = $1",
	} {
		v := Validate(q)
		assert.True(t, v.Valid, "%s: %s", q, v.Reason)
	}
}
