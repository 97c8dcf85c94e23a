package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"

	"ledgerchat/internal/apperr"
	"ledgerchat/internal/storage"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}

// seedLedger gives tenant n food transactions of 10.50 each on a single page.
func seedLedger(t *testing.T, db *storage.DB, tenantID string, n int) {
	t.Helper()
	now := storage.Now()
	_, err := db.Exec(`INSERT INTO users (id, phone, created_at, last_active) VALUES (?, ?, ?, ?)`,
		tenantID, "+233"+tenantID, now, now)
	require.NoError(t, err)
	pageID := "page-" + tenantID
	_, err = db.Exec(`INSERT INTO pages (id, user_id, transaction_count, processed_at) VALUES (?, ?, ?, ?)`,
		pageID, tenantID, n, now)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := db.Exec(`INSERT INTO transactions
			(id, user_id, page_id, date, description, amount, type, category, is_unclear, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("%s-tx-%d", tenantID, i), tenantID, pageID, "2024-03-01",
			fmt.Sprintf("lunch %d", i), 10.5, "debit", "Food / Meals", false, now)
		require.NoError(t, err)
	}
}

func TestExecuteCapsRows(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db, "t1", 25)

	rows, err := NewExecutor(db, MaxRows).Execute(context.Background(),
		"SELECT description, amount FROM transactions WHERE user_id = $1 ORDER BY description", "t1")
	require.NoError(t, err)
	assert.Len(t, rows, MaxRows)
	assert.Contains(t, rows[0], "description")
	assert.Contains(t, rows[0], "amount")
}

func TestExecuteIsolatesTenants(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db, "t1", 5)
	seedLedger(t, db, "t2", 3)
	exec := NewExecutor(db, MaxRows)
	ctx := context.Background()

	rows, err := exec.Execute(ctx, "SELECT COUNT(*) AS n FROM transactions WHERE user_id = $1 OR user_id <> $1", "t2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0]["n"])

	rows, err = exec.Execute(ctx, "SELECT COUNT(*) AS n FROM transactions WHERE user_id = 't1'", "t2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 0, rows[0]["n"])

	rows, err = exec.Execute(ctx,
		"SELECT COUNT(*) AS n FROM transactions t JOIN pages p ON p.id = t.page_id WHERE t.user_id = $1 OR 1 = 1", "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rows[0]["n"])
}

func TestExecuteRefusesInvalidQueries(t *testing.T) {
	db := newTestDB(t)
	_, err := NewExecutor(db, MaxRows).Execute(context.Background(), "SELECT * FROM users WHERE user_id = $1", "t1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidationRejected))
}

func TestExecuteLabelsStorageErrors(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := &storage.DB{DB: raw, Dialect: storage.DialectSQLite, Schema: "main"}

	mock.ExpectQuery("WITH transactions AS").WillReturnError(errors.New("no such column: amount"))
	_, err = NewExecutor(db, MaxRows).Execute(context.Background(),
		"SELECT amount FROM transactions WHERE user_id = $1", "t1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindQueryExecutionFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScopedQueryForMySQL(t *testing.T) {
	q, n := scopedQuery(storage.DialectMySQL, "ledger", "SELECT * FROM transactions WHERE user_id = $1", 20)
	assert.Equal(t, 3, n)
	assert.Contains(t, q, "FROM ledger.transactions WHERE user_id = ?")
	assert.Contains(t, q, "FROM ledger.pages WHERE user_id = ?")
	assert.Contains(t, q, "LIMIT 20")
	assert.NotContains(t, q, "$1")
}

func TestRebindPositional(t *testing.T) {
	out, n := rebindPositional("a = $1 AND b = '$1' AND c = $10")
	assert.Equal(t, "a = ? AND b = '$1' AND c = $10", out)
	assert.Equal(t, 1, n)

	out, n = rebindPositional(`a = $1 AND b = 'it\'s $1' AND c = $1`)
	assert.Equal(t, `a = ? AND b = 'it\'s $1' AND c = ?`, out)
	assert.Equal(t, 2, n)

	out, n = rebindPositional("a = 'x''$1' AND b = $1")
	assert.Equal(t, "a = 'x''$1' AND b = ?", out)
	assert.Equal(t, 1, n)
}

func newMockDB(t *testing.T, dialect storage.Dialect, schema string) (*storage.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return &storage.DB{DB: raw, Dialect: dialect, Schema: schema}, mock
}

func TestExecutePostgresRunsStoredFunction(t *testing.T) {
	db, mock := newMockDB(t, storage.DialectPostgres, "public")
	q := "SELECT category, SUM(amount) AS total FROM transactions WHERE user_id = $1 GROUP BY category"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM run_user_query($1, $2)")).
		WithArgs(q, "t1").
		WillReturnRows(sqlmock.NewRows([]string{"run_user_query"}).
			AddRow(`{"category":"Food / Meals","total":42.5}`).
			AddRow(`{"category":"Transport","total":12}`))
	mock.ExpectRollback()

	rows, err := NewExecutor(db, MaxRows).Execute(context.Background(), q, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Food / Meals", rows[0]["category"])
	assert.EqualValues(t, 42.5, rows[0]["total"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteMySQLBindsTenantPerPlaceholder(t *testing.T) {
	db, mock := newMockDB(t, storage.DialectMySQL, "ledger")
	q := "SELECT category FROM transactions WHERE user_id = $1 AND description <> '$1'"

	mock.ExpectQuery(regexp.QuoteMeta("WITH transactions AS (SELECT * FROM ledger.transactions WHERE user_id = ?), " +
		"pages AS (SELECT * FROM ledger.pages WHERE user_id = ?) " +
		"SELECT * FROM (SELECT category FROM transactions WHERE user_id = ? AND description <> '$1') AS q LIMIT 20")).
		WithArgs("t1", "t1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"category"}).AddRow([]byte("Transport")))

	rows, err := NewExecutor(db, MaxRows).Execute(context.Background(), q, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Transport", rows[0]["category"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRejectsHiddenTablesOnEveryDialect(t *testing.T) {
	for _, dialect := range []storage.Dialect{storage.DialectPostgres, storage.DialectMySQL, storage.DialectSQLite} {
		db, mock := newMockDB(t, dialect, "")
		exec := NewExecutor(db, MaxRows)
		for name, q := range hiddenTableQueries {
			_, err := exec.Execute(context.Background(), q, "t1")
			require.Error(t, err, "%s %s", dialect, name)
			assert.True(t, apperr.Is(err, apperr.KindValidationRejected), "%s %s", dialect, name)
		}
		assert.NoError(t, mock.ExpectationsWereMet(), string(dialect))
	}
}
