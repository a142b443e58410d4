// Package postgres provides a PostgreSQL implementation of the
// subscription.Store interface. Upserts use ON CONFLICT so each event
// application is a single atomic statement.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gptgate/gptgate/pkg/subscription"
)

// Schema is the DDL for the user records table. Apply it with Migrate
// or through your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS user_records (
	email             TEXT PRIMARY KEY,
	customer_ref      TEXT NOT NULL DEFAULT '',
	subscription_ref  TEXT NOT NULL DEFAULT '',
	plan              TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'none',
	current_period_end TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store implements subscription.Store using PostgreSQL
type Store struct {
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

// New creates a new PostgreSQL store adapter
func New(ctx context.Context, config Config) (*Store, error) {
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

	return &Store{
		pool:   pool,
		config: config,
	}, nil
}

// Migrate creates the user records table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindByEmail implements subscription.Store
func (s *Store) FindByEmail(ctx context.Context, email string) (*subscription.UserRecord, error) {
	var rec subscription.UserRecord
	var plan, status string

	err := s.pool.QueryRow(ctx,
		`SELECT email, customer_ref, subscription_ref, plan, status, current_period_end, created_at, updated_at
			FROM user_records WHERE email = $1`,
		subscription.NormalizeEmail(email)).Scan(
		&rec.Email,
		&rec.CustomerRef,
		&rec.SubscriptionRef,
		&plan,
		&status,
		&rec.CurrentPeriodEnd,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, subscription.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user record: %w", err)
	}

	rec.Plan = subscription.Plan(plan)
	rec.Status = subscription.Status(status)
	return &rec, nil
}

// Create implements subscription.Store. Creating an email that already
// exists returns the existing record untouched.
func (s *Store) Create(ctx context.Context, email string) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	if key == "" {
		return nil, subscription.ErrValidation
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_records (email) VALUES ($1)
			ON CONFLICT (email) DO NOTHING`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user record: %w", err)
	}

	return s.FindByEmail(ctx, key)
}

// Update implements subscription.Store
func (s *Store) Update(ctx context.Context, email string, upd subscription.RecordUpdate) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)

	tag, err := s.pool.Exec(ctx,
		`UPDATE user_records SET
			customer_ref       = COALESCE(NULLIF($2, ''), customer_ref),
			subscription_ref   = COALESCE(NULLIF($3, ''), subscription_ref),
			plan               = COALESCE($4, plan),
			status             = COALESCE($5, status),
			current_period_end = COALESCE($6, current_period_end),
			updated_at         = now()
		WHERE email = $1`,
		key,
		upd.CustomerRef,
		upd.SubscriptionRef,
		planArg(upd.Plan),
		statusArg(upd.Status),
		upd.CurrentPeriodEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update user record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, subscription.ErrUserNotFound
	}

	return s.FindByEmail(ctx, key)
}

// Upsert implements subscription.Store. The whole merge runs as one
// statement so concurrent event deliveries serialize on the row.
func (s *Store) Upsert(ctx context.Context, email string, upd subscription.RecordUpdate) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	if key == "" {
		return nil, subscription.ErrValidation
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_records (email, customer_ref, subscription_ref, plan, status, current_period_end)
			VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, 'none'), $6)
			ON CONFLICT (email) DO UPDATE SET
				customer_ref       = COALESCE(NULLIF($2, ''), user_records.customer_ref),
				subscription_ref   = COALESCE(NULLIF($3, ''), user_records.subscription_ref),
				plan               = COALESCE($4, user_records.plan),
				status             = COALESCE($5, user_records.status),
				current_period_end = COALESCE($6, user_records.current_period_end),
				updated_at         = now()`,
		key,
		upd.CustomerRef,
		upd.SubscriptionRef,
		planArg(upd.Plan),
		statusArg(upd.Status),
		upd.CurrentPeriodEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user record: %w", err)
	}

	return s.FindByEmail(ctx, key)
}

func planArg(p *subscription.Plan) *string {
	if p == nil {
		return nil
	}
	v := string(*p)
	return &v
}

func statusArg(st *subscription.Status) *string {
	if st == nil {
		return nil
	}
	v := string(*st)
	return &v
}
