package storage

import (
	"context"
	"path/filepath"
	"testing"

	"ledgerchat/internal/config"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{
		"sqlite":     DialectSQLite,
		"SQLite3":    DialectSQLite,
		"postgres":   DialectPostgres,
		"postgresql": DialectPostgres,
		"pg":         DialectPostgres,
		"mysql":      DialectMySQL,
	}
	for in, want := range cases {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	for _, table := range []string{"users", "pages", "transactions", "pending_extractions", "conversation_turns", "dashboard_tokens"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestOpenSQLiteFromConfig(t *testing.T) {
	cfg := &config.Config{
		BasicConfig: config.BasicConfig{DatabaseType: "sqlite3"},
		Databases:   map[string]config.DatabaseConfig{"sqlite3": {DSN: filepath.Join(t.TempDir(), "open.db")}},
	}
	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, DialectSQLite, db.Dialect)

	_, err = Open(context.Background(), &config.Config{BasicConfig: config.BasicConfig{DatabaseType: "postgres"}})
	assert.Error(t, err)
}

func TestBuilderUsesDialectPlaceholders(t *testing.T) {
	pg := &DB{Dialect: DialectPostgres}
	query, args, err := pg.Builder().From("transactions").Prepared(true).
		Where(goqu.C("user_id").Eq("t1")).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, query, `"user_id" = $1`)
	assert.Equal(t, []any{"t1"}, args)

	lite := &DB{Dialect: DialectSQLite}
	query, _, err = lite.Builder().From("transactions").Prepared(true).
		Where(goqu.C("user_id").Eq("t1")).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, query, "`user_id` = ?")
}
