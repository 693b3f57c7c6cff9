package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL implements the Store interface on MySQL/MariaDB
type MySQL struct {
	sqlStore
	config Config
}

// NewMySQL creates a new MySQL store
func NewMySQL(config Config) *MySQL {
	if config.Port == 0 {
		config.Port = 3306
	}
	return &MySQL{
		sqlStore: newSQLStore("mysql"),
		config:   config,
	}
}

// Connect establishes the connection and applies the schema
func (s *MySQL) Connect() error {
	if s.connected {
		return nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		s.config.Username, s.config.Password, s.config.Host, s.config.Port,
		s.config.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	// MySQL rejects multi-statement Exec by default
	for _, stmt := range strings.Split(mysqlSchema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s.db = db
	s.connected = true
	s.logger.Info("store connected",
		"host", s.config.Host,
		"database", s.config.Database)
	return nil
}

// Type returns the backend type
func (s *MySQL) Type() string {
	return "mysql"
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id VARCHAR(64) PRIMARY KEY,
	tenant_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	session_id VARCHAR(128) NOT NULL,
	type VARCHAR(16) NOT NULL,
	body TEXT NOT NULL,
	media_url VARCHAR(1024) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	scheduled_at DATETIME(3) NULL,
	total_recipients INT NOT NULL DEFAULT 0,
	sent INT NOT NULL DEFAULT 0,
	delivered INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	INDEX idx_campaigns_tenant (tenant_id),
	INDEX idx_campaigns_status (status)
);

CREATE TABLE IF NOT EXISTS tasks (
	id VARCHAR(64) PRIMARY KEY,
	campaign_id VARCHAR(64) NOT NULL,
	tenant_id VARCHAR(64) NOT NULL,
	recipient VARCHAR(64) NOT NULL,
	attributes TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL,
	message_id VARCHAR(128) NOT NULL DEFAULT '',
	sent_at DATETIME(3) NULL,
	delivered_at DATETIME(3) NULL,
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	UNIQUE KEY uq_tasks_campaign_recipient (campaign_id, recipient),
	INDEX idx_tasks_campaign_status (campaign_id, status)
);

CREATE TABLE IF NOT EXISTS quota_usage (
	tenant_id VARCHAR(64) NOT NULL,
	period VARCHAR(7) NOT NULL,
	messages BIGINT NOT NULL DEFAULT 0,
	validations BIGINT NOT NULL DEFAULT 0,
	channels BIGINT NOT NULL DEFAULT 0,
	templates BIGINT NOT NULL DEFAULT 0,
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	PRIMARY KEY (tenant_id, period)
);
`
