package storage

import (
	"context"
	"fmt"
)

// Migrate ensures the required tables are present.
func Migrate(ctx context.Context, db *DB) error {
	var stmts []string
	switch db.Dialect {
	case DialectSQLite:
		stmts = sqliteSchema
	case DialectPostgres:
		stmts = postgresSchema
	case DialectMySQL:
		stmts = mysqlSchema
	default:
		return fmt.Errorf("unsupported driver for migration: %s", db.Dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.Dialect, err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		last_active DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		page_notes TEXT,
		currency_detected TEXT,
		confidence TEXT,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		image_url TEXT,
		document_url TEXT,
		processed_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		date TEXT,
		parsed_date DATE,
		description TEXT NOT NULL,
		amount REAL NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		is_unclear INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY(page_id) REFERENCES pages(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, parsed_date)`,
	`CREATE TABLE IF NOT EXISTS pending_extractions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		raw_extraction TEXT NOT NULL,
		content_type TEXT,
		follow_up_question TEXT,
		image_url TEXT,
		document_url TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_user_status ON pending_extractions(user_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		turn_type TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON conversation_turns(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS dashboard_tokens (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dashboard_tokens_user ON dashboard_tokens(user_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) PRIMARY KEY,
		phone VARCHAR(64) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		last_active TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		page_notes TEXT,
		currency_detected VARCHAR(16),
		confidence VARCHAR(16),
		transaction_count INTEGER NOT NULL DEFAULT 0,
		image_url TEXT,
		document_url TEXT,
		processed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		page_id VARCHAR(36) NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
		date TEXT,
		parsed_date DATE,
		description TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		type VARCHAR(8) NOT NULL,
		category VARCHAR(64) NOT NULL,
		is_unclear BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, parsed_date)`,
	`CREATE TABLE IF NOT EXISTS pending_extractions (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		page_id VARCHAR(36) NOT NULL,
		raw_extraction TEXT NOT NULL,
		content_type VARCHAR(64),
		follow_up_question TEXT,
		image_url TEXT,
		document_url TEXT,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_user_status ON pending_extractions(user_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id VARCHAR(36) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role VARCHAR(16) NOT NULL,
		content TEXT NOT NULL,
		turn_type VARCHAR(32) NOT NULL,
		metadata TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON conversation_turns(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS dashboard_tokens (
		token VARCHAR(128) PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dashboard_tokens_user ON dashboard_tokens(user_id)`,
	// Tenant-scoped execution of generated queries. STABLE rejects data modification.
	`CREATE OR REPLACE FUNCTION run_user_query(query_text TEXT, p_user_id TEXT)
	RETURNS SETOF TEXT
	LANGUAGE plpgsql STABLE AS $fn$
	BEGIN
		RETURN QUERY EXECUTE format(
			'WITH transactions AS (SELECT * FROM public.transactions WHERE user_id = $1), '
			|| 'pages AS (SELECT * FROM public.pages WHERE user_id = $1) '
			|| 'SELECT row_to_json(q)::text FROM (%s) q LIMIT 20',
			query_text)
		USING p_user_id;
	END
	$fn$`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		phone VARCHAR(64) NOT NULL UNIQUE,
		created_at DATETIME(6) NOT NULL,
		last_active DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS pages (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		page_notes TEXT,
		currency_detected VARCHAR(16),
		confidence VARCHAR(16),
		transaction_count INT NOT NULL DEFAULT 0,
		image_url TEXT,
		document_url TEXT,
		processed_at DATETIME(6) NOT NULL,
		INDEX idx_pages_user (user_id),
		CONSTRAINT fk_pages_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		page_id VARCHAR(36) NOT NULL,
		date VARCHAR(64),
		parsed_date DATE,
		description TEXT NOT NULL,
		amount DECIMAL(14,2) NOT NULL,
		type VARCHAR(8) NOT NULL,
		category VARCHAR(64) NOT NULL,
		is_unclear BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_transactions_user_date (user_id, parsed_date),
		CONSTRAINT fk_transactions_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		CONSTRAINT fk_transactions_page FOREIGN KEY (page_id) REFERENCES pages(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS pending_extractions (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		page_id VARCHAR(36) NOT NULL,
		raw_extraction MEDIUMTEXT NOT NULL,
		content_type VARCHAR(64),
		follow_up_question TEXT,
		image_url TEXT,
		document_url TEXT,
		status VARCHAR(32) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		resolved_at DATETIME(6),
		INDEX idx_pending_user_status (user_id, status, created_at),
		CONSTRAINT fk_pending_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		role VARCHAR(16) NOT NULL,
		content MEDIUMTEXT NOT NULL,
		turn_type VARCHAR(32) NOT NULL,
		metadata TEXT,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_turns_user_created (user_id, created_at),
		CONSTRAINT fk_turns_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS dashboard_tokens (
		token VARCHAR(128) NOT NULL PRIMARY KEY,
		user_id VARCHAR(36) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		INDEX idx_dashboard_tokens_user (user_id),
		CONSTRAINT fk_dashboard_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
