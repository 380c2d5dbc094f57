// Package postgres provides a PostgreSQL implementation of the billsync.Store interface.
// Writes use an optimistic version check (UPDATE ... WHERE version = $n) so that
// concurrent engines sharing one database cannot overwrite each other.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

// Storage implements billsync.Store and billsync.AuditLogger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	AuditTTL        time.Duration // Retention of audit entries; 0 keeps them forever
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		AuditTTL:        90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.AuditTTL > 0 && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the subscription and audit tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const subscriptionColumns = `provider_subscription_id, user_id, status, current_period_end, price_id,
	cancel_at_period_end, last_event_sequence, last_event_id, version, last_source, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billsync.Subscription, error) {
	var (
		sub       billsync.Subscription
		periodEnd *time.Time
		status    string
		source    string
	)
	err := row.Scan(
		&sub.ProviderSubscriptionID,
		&sub.UserID,
		&status,
		&periodEnd,
		&sub.PriceID,
		&sub.CancelAtPeriodEnd,
		&sub.LastEventSequence,
		&sub.LastEventID,
		&sub.Version,
		&source,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billsync.Status(status)
	sub.LastSource = billsync.Source(source)
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// GetSubscription implements billsync.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListByUser implements billsync.Store
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*billsync.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY last_event_sequence DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*billsync.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// SaveSubscription implements billsync.Store. A zero expectedVersion inserts;
// otherwise the row is updated only while its version still matches.
func (s *Storage) SaveSubscription(ctx context.Context, sub *billsync.Subscription, expectedVersion int64) error {
	if sub == nil || sub.ProviderSubscriptionID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	var periodEnd *time.Time
	if !sub.CurrentPeriodEnd.IsZero() {
		t := sub.CurrentPeriodEnd.UTC()
		periodEnd = &t
	}

	if expectedVersion == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			sub.ProviderSubscriptionID, sub.UserID, string(sub.Status), periodEnd, sub.PriceID,
			sub.CancelAtPeriodEnd, sub.LastEventSequence, sub.LastEventID, sub.Version, string(sub.LastSource),
			sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return billsync.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
		return nil
	}

	// user_id is part of the predicate: ownership never changes.
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				status = $3,
				current_period_end = $4,
				price_id = $5,
				cancel_at_period_end = $6,
				last_event_sequence = $7,
				last_event_id = $8,
				version = $9,
				last_source = $10,
				updated_at = $11
			WHERE provider_subscription_id = $1 AND user_id = $2 AND version = $12`,
		sub.ProviderSubscriptionID, sub.UserID, string(sub.Status), periodEnd, sub.PriceID,
		sub.CancelAtPeriodEnd, sub.LastEventSequence, sub.LastEventID, sub.Version, string(sub.LastSource),
		sub.UpdatedAt.UTC(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrVersionConflict
	}
	return nil
}

// DeleteByUser implements billsync.Store
func (s *Storage) DeleteByUser(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LogAuditEntry implements billsync.AuditLogger
func (s *Storage) LogAuditEntry(ctx context.Context, entry *billsync.AuditLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	var metadataJSON []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	var expiresAt *time.Time
	if s.config.AuditTTL > 0 {
		t := entry.Timestamp.Add(s.config.AuditTTL)
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_audit_log (
				id, user_id, subscription_id, action, from_status, to_status, sequence,
				source, event_id, actor, reason, metadata, created_at, expires_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.UserID, entry.SubscriptionID, entry.Action, string(entry.FromStatus),
		string(entry.ToStatus), entry.Sequence, string(entry.Source), entry.EventID, entry.Actor,
		entry.Reason, metadataJSON, entry.Timestamp.UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements billsync.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter billsync.AuditLogFilter) ([]*billsync.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = billsync.DefaultAuditLimit
	}

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.SubscriptionID != "" {
		add("subscription_id = $%d", filter.SubscriptionID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.StartTime != nil {
		add("created_at >= $%d", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		add("created_at <= $%d", filter.EndTime.UTC())
	}

	query := `SELECT id, user_id, subscription_id, action, from_status, to_status, sequence,
			source, event_id, actor, reason, metadata, created_at
		FROM subscription_audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var out []*billsync.AuditLogEntry
	for rows.Next() {
		var (
			e            billsync.AuditLogEntry
			from, to     string
			source       string
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.SubscriptionID, &e.Action, &from, &to, &e.Sequence,
			&source, &e.EventID, &e.Actor, &e.Reason, &metadataJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.FromStatus = billsync.Status(from)
		e.ToStatus = billsync.Status(to)
		e.Source = billsync.Source(source)
		e.Timestamp = e.Timestamp.UTC()
		if len(metadataJSON) > 0 {
			// Metadata parsing error is not critical
			_ = json.Unmarshal(metadataJSON, &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// startCleanup runs periodic deletion of expired audit entries
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes expired audit entries. Subscription rows are never expired.
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM subscription_audit_log WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup audit log: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
