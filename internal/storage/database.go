package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ledgerchat/internal/config"
	"ledgerchat/internal/logging"
	"ledgerchat/internal/retry"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names the SQL flavour behind a DB handle. Values double as goqu dialect names.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect maps a configured database type onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", name)
	}
}

// DB bundles the connection pool with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
	// Schema qualifies base tables when tenant-scoped views shadow them.
	Schema string
}

// Builder returns a goqu builder for the handle's dialect.
func (d *DB) Builder() goqu.DialectWrapper {
	return goqu.Dialect(string(d.Dialect))
}

// Now is the timestamp every row is stamped with.
func Now() time.Time {
	return time.Now().UTC()
}

// Open connects to the configured database and verifies it with a retried ping.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	dbType := cfg.BasicConfig.DatabaseType
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	dialect, err := ParseDialect(dbType)
	if err != nil {
		return nil, err
	}

	var db *DB
	switch dialect {
	case DialectSQLite:
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = OpenSQLite(dbCfg.DSN)
		if err != nil {
			return nil, err
		}
	case DialectPostgres:
		dsn := dbCfg.DSN
		if dsn == "" {
			sslMode := dbCfg.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				dbCfg.Host, dbCfg.Port, dbCfg.Username, dbCfg.Password, dbCfg.DBName, sslMode)
		}
		raw, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		raw.SetMaxOpenConns(25)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(5 * time.Minute)
		db = &DB{DB: raw, Dialect: DialectPostgres, Schema: "public"}
	case DialectMySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				mysqlParams(dbCfg.Params),
			)
		}
		raw, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
		raw.SetMaxOpenConns(25)
		raw.SetConnMaxLifetime(5 * time.Minute)
		schema := dbCfg.DBName
		if parsed, err := mysql.ParseDSN(dsn); err == nil && parsed.DBName != "" {
			schema = parsed.DBName
		}
		db = &DB{DB: raw, Dialect: DialectMySQL, Schema: schema}
	}

	logger := logging.FromContext(ctx)
	err = retry.DoWithLog(ctx, retry.DefaultConfig(), logger, "database ping", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a sqlite database file. A single connection keeps writers serialized.
func OpenSQLite(dsn string) (*DB, error) {
	raw, err := sql.Open("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	raw.SetMaxOpenConns(1)
	if _, err := raw.Exec("PRAGMA foreign_keys = ON"); err != nil {
		raw.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return &DB{DB: raw, Dialect: DialectSQLite, Schema: "main"}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_busy_timeout=5000&_foreign_keys=1"
}

// mysqlParams makes sure DATETIME columns scan into time.Time.
func mysqlParams(params string) string {
	values, err := url.ParseQuery(params)
	if err != nil {
		return params
	}
	if values.Get("parseTime") == "" {
		values.Set("parseTime", "true")
	}
	if values.Get("loc") == "" {
		values.Set("loc", "UTC")
	}
	return values.Encode()
}
