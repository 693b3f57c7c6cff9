package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres implements the Store interface on PostgreSQL
type Postgres struct {
	sqlStore
	config Config
}

// NewPostgres creates a new PostgreSQL store
func NewPostgres(config Config) *Postgres {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	return &Postgres{
		sqlStore: newSQLStore("postgres"),
		config:   config,
	}
}

// Connect establishes the connection and applies the schema
func (s *Postgres) Connect() error {
	if s.connected {
		return nil
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.config.Host, s.config.Port, s.config.Username, s.config.Password,
		s.config.Database, s.config.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.db = db
	s.connected = true
	s.logger.Info("store connected",
		"host", s.config.Host,
		"database", s.config.Database)
	return nil
}

// Type returns the backend type
func (s *Postgres) Type() string {
	return "postgres"
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	session_id TEXT NOT NULL,
	type TEXT NOT NULL,
	body TEXT NOT NULL,
	media_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	scheduled_at TIMESTAMPTZ,
	total_recipients INTEGER NOT NULL DEFAULT 0,
	sent INTEGER NOT NULL DEFAULT 0,
	delivered INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
	sent_at TIMESTAMPTZ,
	delivered_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(campaign_id, recipient)
);
CREATE INDEX IF NOT EXISTS idx_tasks_campaign_status ON tasks(campaign_id, status);

CREATE TABLE IF NOT EXISTS quota_usage (
	tenant_id TEXT NOT NULL,
	period TEXT NOT NULL,
	messages BIGINT NOT NULL DEFAULT 0,
	validations BIGINT NOT NULL DEFAULT 0,
	channels BIGINT NOT NULL DEFAULT 0,
	templates BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, period)
);
`
