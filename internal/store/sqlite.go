package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite implements the Store interface on an embedded SQLite database.
// It is the default backend for single-node deployments.
type SQLite struct {
	sqlStore
	config Config
}

// NewSQLite creates a new SQLite store
func NewSQLite(config Config) *SQLite {
	if config.Path == "" {
		config.Path = "zapcast.db"
	}
	return &SQLite{
		sqlStore: newSQLStore("sqlite"),
		config:   config,
	}
}

// Connect opens the database file and applies the schema
func (s *SQLite) Connect() error {
	if s.connected {
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", s.config.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
	// under concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.db = db
	s.connected = true
	s.logger.Info("store connected", "path", s.config.Path)
	return nil
}

// Type returns the backend type
func (s *SQLite) Type() string {
	return "sqlite"
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	session_id TEXT NOT NULL,
	type TEXT NOT NULL,
	body TEXT NOT NULL,
	media_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	scheduled_at DATETIME,
	total_recipients INTEGER NOT NULL DEFAULT 0,
	sent INTEGER NOT NULL DEFAULT 0,
	delivered INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns(tenant_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	attributes TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	sent_at DATETIME,
	delivered_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(campaign_id, recipient)
);
CREATE INDEX IF NOT EXISTS idx_tasks_campaign_status ON tasks(campaign_id, status);

CREATE TABLE IF NOT EXISTS quota_usage (
	tenant_id TEXT NOT NULL,
	period TEXT NOT NULL,
	messages INTEGER NOT NULL DEFAULT 0,
	validations INTEGER NOT NULL DEFAULT 0,
	channels INTEGER NOT NULL DEFAULT 0,
	templates INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, period)
);
`
