package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule identifies which check rejected a query.
type Rule string

const (
	RuleReadOnly       Rule = "read_only"
	RuleTenantScope    Rule = "tenant_scope"
	RuleForbidden      Rule = "forbidden_keyword"
	RuleSingleStmt     Rule = "single_statement"
	RuleStructure      Rule = "structure"
	RuleTableAllowlist Rule = "table_allowlist"
	RuleQuoting        Rule = "quoting"
)

const (
	ReasonReadOnly      = "only read queries are allowed"
	ReasonTenantScope   = "query must filter by tenant"
	ReasonSingleStmt    = "only a single statement is allowed"
	ReasonUnbalanced    = "unbalanced parentheses"
	ReasonTableNotAllow = "query may only read transactions and pages"
	ReasonQuoting       = "only plain quoted strings are allowed"
)

// TenantToken must appear in every generated query.
const TenantToken = "USER_ID"

// AllowedTables are the only relations generated queries may read.
var AllowedTables = map[string]bool{"TRANSACTIONS": true, "PAGES": true}

// Validation is the outcome of Validate.
type Validation struct {
	Valid  bool
	Rule   Rule
	Reason string
}

var forbiddenKeywords = []string{
	"DELETE", "UPDATE", "INSERT", "DROP", "ALTER", "CREATE", "TRUNCATE", "GRANT", "REVOKE", "EXEC",
	"EXECUTE", "MERGE", "CALL", "COPY", "INTO", "ATTACH", "DETACH", "PRAGMA", "VACUUM", "REINDEX",
}

var forbiddenMarkers = []string{"--", "/*"}

var forbiddenPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(forbiddenKeywords))
	for i, kw := range forbiddenKeywords {
		out[i] = regexp.MustCompile(`\b` + kw + `\b`)
	}
	return out
}()

var selectPrefix = regexp.MustCompile(`^SELECT\b`)

// Validate gates generated query text. Rules run in order and the first failure wins:
// read-only prefix, tenant token, forbidden keywords, single statement, plain
// quoting, balanced parentheses, then table references limited to transactions
// and pages.
func Validate(text string) Validation {
	upper := strings.ToUpper(strings.TrimSpace(text))

	if !selectPrefix.MatchString(upper) {
		return reject(RuleReadOnly, ReasonReadOnly)
	}
	if !strings.Contains(upper, TenantToken) {
		return reject(RuleTenantScope, ReasonTenantScope)
	}
	for i, re := range forbiddenPatterns {
		if re.MatchString(upper) {
			return reject(RuleForbidden, fmt.Sprintf("forbidden keyword: %s", forbiddenKeywords[i]))
		}
	}
	for _, m := range forbiddenMarkers {
		if strings.Contains(upper, m) {
			return reject(RuleForbidden, fmt.Sprintf("forbidden keyword: %s", m))
		}
	}
	if strings.Contains(upper, ";") {
		return reject(RuleSingleStmt, ReasonSingleStmt)
	}
	return checkStructure(upper)
}

func reject(rule Rule, reason string) Validation {
	return Validation{Valid: false, Rule: rule, Reason: reason}
}

// UserMessage explains a rejection without echoing the query.
func (v Validation) UserMessage() string {
	var why string
	switch v.Rule {
	case RuleReadOnly, RuleForbidden:
		why = "it would have tried to change your records"
	case RuleTenantScope, RuleTableAllowlist:
		why = "it reached beyond your own ledger"
	case RuleSingleStmt, RuleStructure, RuleQuoting:
		why = "it wasn't a single, simple lookup"
	default:
		why = "it didn't pass my safety checks"
	}
	return fmt.Sprintf("🔒 I couldn't answer that safely because %s. Try asking it a different way.", why)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

// parenFunctions take FROM as an argument separator rather than a table clause.
var parenFunctions = map[string]bool{
	"EXTRACT": true, "SUBSTRING": true, "TRIM": true, "OVERLAY": true, "POSITION": true,
}

var clauseKeywords = map[string]bool{
	"WHERE": true, "JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "ON": true, "USING": true, "GROUP": true,
	"ORDER": true, "HAVING": true, "LIMIT": true, "OFFSET": true, "UNION": true, "EXCEPT": true,
	"INTERSECT": true, "WINDOW": true, "FETCH": true, "AS": true,
}

func checkStructure(upper string) Validation {
	toks, ok := tokenize(upper)
	if !ok {
		return reject(RuleQuoting, ReasonQuoting)
	}

	var stack []string
	for i, t := range toks {
		if t.kind != tokPunct && t.kind != tokIdent {
			continue
		}
		switch {
		case t.text == "(":
			opener := ""
			if i > 0 && toks[i-1].kind == tokIdent {
				opener = toks[i-1].text
			}
			stack = append(stack, opener)
		case t.text == ")":
			if len(stack) == 0 {
				return reject(RuleStructure, ReasonUnbalanced)
			}
			stack = stack[:len(stack)-1]
		case t.kind == tokIdent && (t.text == "FROM" || t.text == "JOIN"):
			if t.text == "FROM" && len(stack) > 0 && parenFunctions[stack[len(stack)-1]] {
				continue
			}
			if t.text == "FROM" && isDistinctFrom(toks, i) {
				continue
			}
			if !tableRefsAllowed(toks, i+1, t.text == "FROM") {
				return reject(RuleTableAllowlist, ReasonTableNotAllow)
			}
		case t.kind == tokIdent && systemIdentifier(t.text):
			return reject(RuleForbidden, fmt.Sprintf("forbidden keyword: %s", t.text))
		}
	}
	if len(stack) != 0 {
		return reject(RuleStructure, ReasonUnbalanced)
	}
	return Validation{Valid: true}
}

func isDistinctFrom(toks []token, i int) bool {
	return i >= 2 && toks[i-1].text == "DISTINCT" && (toks[i-2].text == "IS" || toks[i-2].text == "NOT")
}

func systemIdentifier(name string) bool {
	return strings.HasPrefix(name, "PG_") ||
		strings.HasPrefix(name, "SQLITE_") ||
		name == "INFORMATION_SCHEMA" ||
		name == "LOAD_FILE" ||
		name == "DBLINK"
}

// tableRefsAllowed walks the relation list after FROM or JOIN. Subqueries are
// left to the main scan; anything else must name an allowed, unqualified table.
func tableRefsAllowed(toks []token, j int, list bool) bool {
	for {
		if j >= len(toks) {
			return false
		}
		if toks[j].text == "(" {
			return true
		}
		if toks[j].kind != tokIdent || !AllowedTables[toks[j].text] {
			return false
		}
		j++
		if j < len(toks) && (toks[j].text == "." || toks[j].text == "(") {
			return false
		}
		if j < len(toks) && toks[j].text == "AS" {
			j++
		}
		if j < len(toks) && toks[j].kind == tokIdent && !clauseKeywords[toks[j].text] {
			j++
		}
		if !list || j >= len(toks) || toks[j].text != "," {
			return true
		}
		j++
	}
}

// tokenize splits s into tokens. Only ANSI quoting is understood, so it reports
// false for anything a database could lex differently: backslashes (MySQL string
// escapes), # comments, $$ or $tag$ dollar quotes, E'' escape strings and
// unterminated quotes. Under those rules every supported dialect sees the same
// string and identifier spans as the scan below.
func tokenize(s string) ([]token, bool) {
	if strings.ContainsRune(s, '\\') {
		return nil, false
	}
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#':
			return nil, false
		case c == '\'':
			if i > 0 && len(toks) > 0 && toks[len(toks)-1].kind == tokIdent && toks[len(toks)-1].text == "E" && s[i-1] == 'E' {
				return nil, false
			}
			j := i + 1
			closed := false
			for j < len(s) {
				if s[j] == '\'' {
					if j+1 < len(s) && s[j+1] == '\'' {
						j += 2
						continue
					}
					closed = true
					break
				}
				j++
			}
			if !closed {
				return nil, false
			}
			toks = append(toks, token{kind: tokString})
			i = j + 1
		case c == '"' || c == '`':
			j := i + 1
			for j < len(s) && s[j] != c {
				j++
			}
			if j >= len(s) {
				return nil, false
			}
			toks = append(toks, token{kind: tokIdent, text: s[i+1 : j]})
			i = j + 1
		case c == '$':
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			if j == i+1 {
				return nil, false
			}
			toks = append(toks, token{kind: tokParam, text: s[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && (isIdentStart(s[j]) || isDigit(s[j])) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		case isDigit(c):
			j := i + 1
			for j < len(s) && (isDigit(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j]})
			i = j
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c >= 0x80
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
