// Package repository persists what outlives the in-memory graph: archived
// transactions, the alert stream, and rule definitions.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrConfiguration, cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    time.Now,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveTransactions stores pruned transactions in one database transaction.
// Already archived ids are left untouched.
func (r *SQLRepository) ArchiveTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive: %w", err)
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
		INSERT INTO transactions_archive (
			id, occurred_at, occurred_unix_nano, sender_account, receiver_account,
			amount, currency, sender_country, receiver_country, channel, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare archive insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := formatTime(r.now().UTC())
	for i := range txs {
		tx := &txs[i]
		if _, err := stmt.ExecContext(ctx,
			tx.ID, formatTime(tx.Timestamp), tx.Timestamp.UnixNano(),
			tx.SenderAccount, tx.ReceiverAccount,
			tx.Amount.String(), tx.Currency,
			tx.SenderCountry, tx.ReceiverCountry, string(tx.Channel),
			archivedAt,
		); err != nil {
			return fmt.Errorf("failed to archive transaction %s: %w", tx.ID, err)
		}
	}

	return dbtx.Commit()
}

// GetArchivedTransaction retrieves an archived transaction by id.
func (r *SQLRepository) GetArchivedTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, occurred_at, sender_account, receiver_account, amount,
			   currency, sender_country, receiver_country, channel
		FROM transactions_archive
		WHERE id = ?
	`

	var tx domain.Transaction
	var occurredAt, amount, channel string

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &occurredAt, &tx.SenderAccount, &tx.ReceiverAccount, &amount,
		&tx.Currency, &tx.SenderCountry, &tx.ReceiverCountry, &channel,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if tx.Timestamp, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
		return nil, fmt.Errorf("failed to parse archived timestamp for %s: %w", txID, err)
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse archived amount for %s: %w", txID, err)
	}
	tx.Channel = domain.Channel(channel)

	return &tx, nil
}

// SaveAlert upserts an alert, keeping the highest version seen for its id.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	query := `
		INSERT INTO alerts (id, seq, version, severity, bucket, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			version = excluded.version,
			severity = excluded.severity,
			bucket = excluded.bucket,
			updated_at = excluded.updated_at,
			payload = excluded.payload
		WHERE excluded.version > alerts.version
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, int64(alert.Seq), alert.Version, string(alert.Severity),
		formatTime(alert.Bucket), formatTime(alert.UpdatedAt), string(payload),
	)
	return err
}

// GetAlert retrieves the latest version of an alert.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM alerts WHERE id = ?`), alertID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAlert(payload)
}

// ListAlerts returns alerts whose latest version has seq > afterSeq, in seq order.
func (r *SQLRepository) ListAlerts(ctx context.Context, afterSeq uint64, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payload
		FROM alerts
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		alert, err := decodeAlert(payload)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

// SaveRuleDefinition validates and upserts a rule. New rules are appended to
// the end of the rule-set order; updates keep their position.
func (r *SQLRepository) SaveRuleDefinition(ctx context.Context, rule *domain.RuleDefinition) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	disabled := 0
	if rule.Disabled {
		disabled = 1
	}
	now := formatTime(r.now().UTC())

	query := `
		INSERT INTO rule_definitions (id, position, kind, disabled, definition, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM rule_definitions), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			disabled = excluded.disabled,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, string(rule.Kind), disabled, string(definition), now, now,
	)
	return err
}

// ListRuleDefinitions returns every stored rule, disabled ones included, in rule-set order.
func (r *SQLRepository) ListRuleDefinitions(ctx context.Context) ([]domain.RuleDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, definition FROM rule_definitions ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.RuleDefinition
	for rows.Next() {
		var id, definition string
		if err := rows.Scan(&id, &definition); err != nil {
			return nil, err
		}
		var def domain.RuleDefinition
		if err := json.Unmarshal([]byte(definition), &def); err != nil {
			return nil, fmt.Errorf("failed to parse rule definition %s: %w", id, err)
		}
		defs = append(defs, def)
	}

	return defs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// PublishAlert implements domain.AlertSink by archiving every alert version.
func (r *SQLRepository) PublishAlert(ctx context.Context, event domain.AlertEvent) error {
	return r.SaveAlert(ctx, &event.Alert)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func decodeAlert(payload string) (*domain.Alert, error) {
	var alert domain.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("failed to parse alert: %w", err)
	}
	return &alert, nil
}
