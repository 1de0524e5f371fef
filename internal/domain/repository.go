// Package domain defines the core data model, error categories and collaborator
// interfaces of the Heron transaction monitoring engine.
package domain

import (
	"context"
	"time"
)

// Repository persists what outlives the in-memory graph: archived (pruned)
// transactions, emitted alerts, and rule definitions.
type Repository interface {
	// Transaction archive
	ArchiveTransactions(ctx context.Context, txs []Transaction) error
	GetArchivedTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Alerts (latest version per alert id)
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, afterSeq uint64, limit int) ([]*Alert, error)

	// Rule definitions
	SaveRuleDefinition(ctx context.Context, rule *RuleDefinition) error
	ListRuleDefinitions(ctx context.Context) ([]RuleDefinition, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
