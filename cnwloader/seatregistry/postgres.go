package seatregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOption configures a PostgresRegistry.
type PostgresOption func(*PostgresRegistry)

// WithTableName sets the PostgreSQL table name. Default: "cnw_loader_seats".
func WithTableName(name string) PostgresOption {
	return func(r *PostgresRegistry) {
		r.tableName = name
	}
}

// PostgresRegistry implements Registry using PostgreSQL.
type PostgresRegistry struct {
	pool      *pgxpool.Pool
	tableName string
	ownsPool  bool
}

// NewPostgresRegistry creates a PostgreSQL-backed seat registry on an existing
// pool and creates the table and index if needed.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRegistry, error) {
	r := &PostgresRegistry{
		pool:      pool,
		tableName: defaultName,
	}
	for _, opt := range opts {
		opt(r)
	}
	if !validIdentifier.MatchString(r.tableName) {
		return nil, fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", r.tableName)
	}
	if err := r.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return r, nil
}

// OpenPostgres connects to dsn and returns a registry that closes the pool on Close.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r, err := NewPostgresRegistry(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	r.ownsPool = true
	return r, nil
}

func (r *PostgresRegistry) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			fingerprint  TEXT PRIMARY KEY,
			license_id   TEXT NOT NULL,
			username     TEXT NOT NULL DEFAULT '',
			license_type TEXT NOT NULL DEFAULT '',
			hostname     TEXT NOT NULL DEFAULT '',
			os           TEXT NOT NULL DEFAULT '',
			claimed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_license_last_seen
			ON %s (license_id, last_seen_at);
	`, r.tableName, r.tableName, r.tableName)
	_, err := r.pool.Exec(ctx, query)
	return err
}

func (r *PostgresRegistry) Claim(ctx context.Context, seat Seat) (*Seat, error) {
	if err := validSeat(seat); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, license_id, username, license_type, hostname, os, claimed_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
			license_id = EXCLUDED.license_id,
			username = EXCLUDED.username,
			license_type = EXCLUDED.license_type,
			hostname = EXCLUDED.hostname,
			os = EXCLUDED.os,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING claimed_at, last_seen_at
	`, r.tableName)

	err := r.pool.QueryRow(ctx, query,
		seat.Fingerprint, seat.LicenseID, seat.Username, seat.LicenseType, seat.Hostname, seat.OS, time.Now(),
	).Scan(&seat.ClaimedAt, &seat.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("claim seat: %w", err)
	}
	return &seat, nil
}

func (r *PostgresRegistry) Release(ctx context.Context, fingerprint string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, r.tableName)
	if _, err := r.pool.Exec(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Count(ctx context.Context, licenseID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE license_id = $1`, r.tableName)
	var count int
	if err := r.pool.QueryRow(ctx, query, licenseID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count seats: %w", err)
	}
	return count, nil
}

func (r *PostgresRegistry) List(ctx context.Context, licenseID string) ([]Seat, error) {
	query := fmt.Sprintf(`
		SELECT fingerprint, license_id, username, license_type, hostname, os, claimed_at, last_seen_at
		FROM %s WHERE license_id = $1 ORDER BY claimed_at
	`, r.tableName)

	rows, err := r.pool.Query(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	defer rows.Close()

	var seats []Seat
	for rows.Next() {
		var s Seat
		if err := rows.Scan(&s.Fingerprint, &s.LicenseID, &s.Username, &s.LicenseType,
			&s.Hostname, &s.OS, &s.ClaimedAt, &s.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}

func (r *PostgresRegistry) Touch(ctx context.Context, fingerprint string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_seen_at = NOW() WHERE fingerprint = $1`, r.tableName)
	if _, err := r.pool.Exec(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("touch seat: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Prune(ctx context.Context, licenseID string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	query := fmt.Sprintf(`DELETE FROM %s WHERE license_id = $1 AND last_seen_at < $2`, r.tableName)
	tag, err := r.pool.Exec(ctx, query, licenseID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune seats: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRegistry) Close(_ context.Context) error {
	if r.ownsPool {
		r.pool.Close()
	}
	return nil
}
