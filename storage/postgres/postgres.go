// Package postgres provides a PostgreSQL implementation of subscription.Store.
// Writes are single-statement INSERT ... ON CONFLICT upserts keyed by the billing
// subscriber id; the users foreign key decides whether a user id exists.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	pgForeignKeyViolation   = "23503"
	pgInvalidTextRepresent  = "22P02"
	defaultUsersTableColumn = "users(id)"
)

// Schema creates the subscriptions table. It expects a users table with a UUID
// primary key to exist already.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	billing_subscriber_id          TEXT PRIMARY KEY,
	user_id                        UUID NOT NULL REFERENCES ` + defaultUsersTableColumn + ` ON DELETE CASCADE,
	billing_original_subscriber_id TEXT,
	entitlement                    TEXT NOT NULL,
	product_id                     TEXT,
	store                          TEXT NOT NULL,
	is_active                      BOOLEAN NOT NULL DEFAULT FALSE,
	is_trial                       BOOLEAN NOT NULL DEFAULT FALSE,
	will_renew                     BOOLEAN NOT NULL DEFAULT FALSE,
	current_period_end             TIMESTAMPTZ,
	original_purchase_at           TIMESTAMPTZ,
	raw_event_snapshot             JSONB,
	environment                    TEXT NOT NULL DEFAULT 'PRODUCTION',
	last_event_at                  TIMESTAMPTZ,
	updated_at                     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS subscriptions_user_id_idx ON subscriptions (user_id);
CREATE INDEX IF NOT EXISTS subscriptions_original_id_idx ON subscriptions (billing_original_subscriber_id);
CREATE INDEX IF NOT EXISTS subscriptions_active_idx ON subscriptions (updated_at) WHERE is_active;
`

const selectColumns = `billing_subscriber_id, user_id, billing_original_subscriber_id, entitlement,
	product_id, store, is_active, is_trial, will_renew, current_period_end, original_purchase_at,
	raw_event_snapshot, environment, last_event_at, updated_at`

// Storage implements subscription.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
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

	// Migrate creates the subscriptions table on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
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

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies Schema
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetBySubscriberID implements subscription.Store
func (s *Storage) GetBySubscriberID(ctx context.Context, subscriberID string) (*subscription.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE billing_subscriber_id = $1`,
		subscriberID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return rec, nil
}

// FindBySubscriber implements subscription.Store
func (s *Storage) FindBySubscriber(ctx context.Context, ids ...string) ([]*subscription.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM subscriptions
			WHERE billing_subscriber_id = ANY($1) OR billing_original_subscriber_id = ANY($1)
			ORDER BY updated_at DESC`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find subscriptions: %w", err)
	}
	return collectRecords(rows)
}

// ListByUser implements subscription.Store
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*subscription.Record, error) {
	// user_id is a UUID column; anything else cannot match
	if !subscription.IsUserIDShaped(userID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return collectRecords(rows)
}

// Upsert implements subscription.Store. The conflict branch only updates when the
// key is bound to the same user and the event is not older than the stored one;
// a follow-up read tells the two refusals apart.
func (s *Storage) Upsert(ctx context.Context, rec *subscription.Record) error {
	if rec == nil || rec.UserID == "" || rec.BillingSubscriberID == "" {
		return subscription.ErrInvalidRecord
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (
				billing_subscriber_id, user_id, billing_original_subscriber_id, entitlement, product_id,
				store, is_active, is_trial, will_renew, current_period_end, original_purchase_at,
				raw_event_snapshot, environment, last_event_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (billing_subscriber_id) DO UPDATE SET
				billing_original_subscriber_id = EXCLUDED.billing_original_subscriber_id,
				entitlement = EXCLUDED.entitlement,
				product_id = EXCLUDED.product_id,
				store = EXCLUDED.store,
				is_active = EXCLUDED.is_active,
				is_trial = EXCLUDED.is_trial,
				will_renew = EXCLUDED.will_renew,
				current_period_end = EXCLUDED.current_period_end,
				original_purchase_at = EXCLUDED.original_purchase_at,
				raw_event_snapshot = EXCLUDED.raw_event_snapshot,
				environment = EXCLUDED.environment,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.user_id = EXCLUDED.user_id
				AND (subscriptions.last_event_at IS NULL OR EXCLUDED.last_event_at IS NULL
					OR EXCLUDED.last_event_at >= subscriptions.last_event_at)`,
		rec.BillingSubscriberID, rec.UserID, nullString(rec.BillingOriginalSubscriberID), rec.Entitlement,
		nullString(rec.ProductID), string(rec.Store), rec.IsActive, rec.IsTrial, rec.WillRenew,
		rec.CurrentPeriodEnd, rec.OriginalPurchaseAt, nullJSON(rec.RawEventSnapshot),
		string(rec.Environment), rec.LastEventAt, updatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgForeignKeyViolation || pgErr.Code == pgInvalidTextRepresent) {
			return fmt.Errorf("%w: %s", subscription.ErrUnknownUser, rec.UserID)
		}
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var boundUser string
	err = s.pool.QueryRow(ctx,
		`SELECT user_id::text FROM subscriptions WHERE billing_subscriber_id = $1`,
		rec.BillingSubscriberID).Scan(&boundUser)
	if err != nil {
		return fmt.Errorf("failed to read conflicting subscription: %w", err)
	}
	if boundUser != rec.UserID {
		return subscription.ErrIdentityMismatch
	}
	return subscription.ErrStaleEvent
}

// DeactivateTrials implements subscription.Store
func (s *Storage) DeactivateTrials(ctx context.Context, userID, entitlement, exceptSubscriberID string) (int, error) {
	if !subscription.IsUserIDShaped(userID) {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET is_active = FALSE, will_renew = FALSE, updated_at = $4
			WHERE user_id = $1 AND entitlement = $2 AND billing_subscriber_id <> $3
				AND is_active AND is_trial`,
		userID, entitlement, exceptSubscriberID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate trials: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeactivateUser implements subscription.Store
func (s *Storage) DeactivateUser(ctx context.Context, userID string, snapshot json.RawMessage, at time.Time) (int, error) {
	if !subscription.IsUserIDShaped(userID) {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET is_active = FALSE, will_renew = FALSE,
				raw_event_snapshot = COALESCE($2, raw_event_snapshot), updated_at = $3
			WHERE user_id = $1 AND is_active`,
		userID, nullJSON(snapshot), at)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListActive implements subscription.Store
func (s *Storage) ListActive(ctx context.Context, limit int) ([]*subscription.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM subscriptions WHERE is_active
		ORDER BY updated_at ASC, billing_subscriber_id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*subscription.Record, error) {
	defer rows.Close()
	var out []*subscription.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*subscription.Record, error) {
	var (
		rec                 subscription.Record
		original, productID *string
		store, env          string
		snapshot            []byte
	)
	err := row.Scan(
		&rec.BillingSubscriberID,
		&rec.UserID,
		&original,
		&rec.Entitlement,
		&productID,
		&store,
		&rec.IsActive,
		&rec.IsTrial,
		&rec.WillRenew,
		&rec.CurrentPeriodEnd,
		&rec.OriginalPurchaseAt,
		&snapshot,
		&env,
		&rec.LastEventAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if original != nil {
		rec.BillingOriginalSubscriberID = *original
	}
	if productID != nil {
		rec.ProductID = *productID
	}
	rec.Store = subscription.Storefront(store)
	rec.Environment = subscription.Environment(env)
	if len(snapshot) > 0 {
		rec.RawEventSnapshot = json.RawMessage(snapshot)
	}
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
