package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/storage"
)

// MaxRows caps every result set regardless of what the query asks for.
const MaxRows = 20

// Row is one result row keyed by column name.
type Row map[string]any

// Executor runs validated queries with the tenant id bound as a parameter.
// The transactions and pages names are shadowed by tenant-filtered views, and
// Validate keeps every table reference on those two names, so a query only ever
// sees the calling tenant's rows.
type Executor struct {
	db      *storage.DB
	maxRows int
}

func NewExecutor(db *storage.DB, maxRows int) *Executor {
	if maxRows <= 0 || maxRows > MaxRows {
		maxRows = MaxRows
	}
	return &Executor{db: db, maxRows: maxRows}
}

// Execute validates queryText again and runs it for tenantID.
func (e *Executor) Execute(ctx context.Context, queryText, tenantID string) ([]Row, error) {
	if v := Validate(queryText); !v.Valid {
		return nil, apperr.ValidationRejected(v.Reason)
	}
	if tenantID == "" {
		return nil, apperr.Internal("execute query without tenant", nil)
	}

	var (
		rows []Row
		err  error
	)
	switch e.db.Dialect {
	case storage.DialectPostgres:
		rows, err = e.executePostgres(ctx, queryText, tenantID)
	default:
		rows, err = e.executeScoped(ctx, queryText, tenantID)
	}
	if err != nil {
		return nil, apperr.QueryExecutionFailed("run tenant query", err)
	}
	return rows, nil
}

// executePostgres goes through the run_user_query stored function.
func (e *Executor) executePostgres(ctx context.Context, queryText, tenantID string) ([]Row, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback()

	rs, err := tx.QueryContext(ctx, `SELECT * FROM run_user_query($1, $2)`, queryText, tenantID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		if len(out) >= e.maxRows {
			break
		}
		var payload string
		if err := rs.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := Row{}
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// executeScoped wraps the query in tenant-filtered CTEs in-process.
func (e *Executor) executeScoped(ctx context.Context, queryText, tenantID string) ([]Row, error) {
	wrapped, params := scopedQuery(e.db.Dialect, e.db.Schema, queryText, e.maxRows)
	args := make([]any, params)
	for i := range args {
		args[i] = tenantID
	}

	rs, err := e.db.QueryContext(ctx, wrapped, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return scanRows(rs, e.maxRows)
}

// scopedQuery builds the tenant-filtered wrapper. It returns the final text and
// how many tenant parameters it binds.
func scopedQuery(dialect storage.Dialect, schema, queryText string, limit int) (string, int) {
	qualify := func(table string) string {
		if schema == "" {
			return table
		}
		return schema + "." + table
	}
	wrapped := fmt.Sprintf(
		"WITH transactions AS (SELECT * FROM %s WHERE user_id = $1), "+
			"pages AS (SELECT * FROM %s WHERE user_id = $1) "+
			"SELECT * FROM (%s) AS q LIMIT %d",
		qualify("transactions"), qualify("pages"), queryText, limit)

	if dialect == storage.DialectMySQL {
		return rebindPositional(wrapped)
	}
	// sqlite binds every $1 occurrence to the same argument
	return wrapped, 1
}

// rebindPositional rewrites $1 outside string literals as ?, counting occurrences.
// Backslash escapes inside literals are skipped the way MySQL reads them.
func rebindPositional(q string) (string, int) {
	var (
		b     strings.Builder
		n     int
		inStr bool
	)
	for i := 0; i < len(q); i++ {
		c := q[i]
		if inStr && c == '\\' && i+1 < len(q) {
			b.WriteByte(c)
			b.WriteByte(q[i+1])
			i++
			continue
		}
		if c == '\'' {
			inStr = !inStr
			b.WriteByte(c)
			continue
		}
		if !inStr && c == '$' && i+1 < len(q) && q[i+1] == '1' && (i+2 >= len(q) || !isDigit(q[i+2])) {
			b.WriteByte('?')
			n++
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), n
}

func scanRows(rs *sql.Rows, limit int) ([]Row, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rs.Next() {
		if len(out) >= limit {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rs.Err()
}
