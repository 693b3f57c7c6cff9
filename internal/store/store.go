package store

import (
	"errors"
	"strings"

	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/quota"
)

// Store is the durable state layer of the dispatch pipeline: campaigns,
// recipient tasks and per-period quota usage, all in one transactional
// database.
type Store interface {
	campaign.CampaignStore
	campaign.TaskStore
	quota.Store

	// Connect opens the database and applies the schema
	Connect() error

	// Close closes the database
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Type returns the backend type ("sqlite", "postgres", "mysql", "memory")
	Type() string
}

// Config represents the configuration for a store backend
type Config struct {
	Type     string `toml:"type"`     // "sqlite", "postgres", "mysql" or "memory"
	Path     string `toml:"path"`     // database file path (sqlite)
	Host     string `toml:"host"`     // hostname (postgres, mysql)
	Port     int    `toml:"port"`     // port number
	Database string `toml:"database"` // database name
	Username string `toml:"username"`
	Password string `toml:"password"`
	SSLMode  string `toml:"ssl_mode"` // postgres sslmode, default "disable"
}

// Factory creates a store instance from configuration
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "sqlite", "":
		return NewSQLite(config), nil
	case "postgres":
		return NewPostgres(config), nil
	case "mysql":
		return NewMySQL(config), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported store type: " + config.Type)
	}
}

// isDuplicate recognizes unique-constraint violations across the three SQL
// drivers without importing their error types
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite, postgres
		strings.Contains(msg, "unique failed") || // sqlite
		strings.Contains(msg, "duplicate key") || // postgres
		strings.Contains(msg, "duplicate entry") // mysql
}
