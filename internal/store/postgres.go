/**
 * @description
 * PostgreSQL implementation of the AtomicStore contract, for deployments that
 * want counters, holds, and intents durable in the same database as the rest
 * of their estate. Atomicity rides on single-statement upserts:
 * `INSERT ... ON CONFLICT DO UPDATE ... RETURNING` gives the race-free
 * read-modify-write that INCRBYFLOAT gives on Redis, and the lock table's
 * conditional upsert gives set-if-absent-with-expiry.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: counter values (NUMERIC columns).
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the PostgreSQL-backed AtomicStore.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore on top of an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the backing tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS spendguard_records (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS spendguard_counters (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      NUMERIC NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS spendguard_locks (
			key        TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres ensure schema: %w", err)
		}
	}
	return nil
}

// Get retrieves a record, returning ErrKeyNotFound when absent.
func (s *PostgresStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM spendguard_records WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("postgres get %s/%s: %w", collection, key, err)
	}
	return raw, nil
}

// Save upserts a record.
func (s *PostgresStore) Save(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO spendguard_records (collection, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		collection, key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres save %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes a record, reporting whether a row was deleted.
func (s *PostgresStore) Delete(ctx context.Context, collection, key string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM spendguard_records WHERE collection = $1 AND key = $2`,
		collection, key,
	)
	if err != nil {
		return false, fmt.Errorf("postgres delete %s/%s: %w", collection, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Query returns every record in the collection matching the filter. The
// filter is applied as JSONB containment so it runs in the database.
func (s *PostgresStore) Query(ctx context.Context, collection string, filter map[string]string) ([][]byte, error) {
	query := `SELECT value FROM spendguard_records WHERE collection = $1`
	args := []interface{}{collection}
	if len(filter) > 0 {
		encoded, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("postgres query %s: encode filter: %w", collection, err)
		}
		query += ` AND value @> $2::jsonb`
		args = append(args, string(encoded))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query %s: %w", collection, err)
	}
	defer rows.Close()

	var results [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres query %s: scan: %w", collection, err)
		}
		results = append(results, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres query %s: %w", collection, err)
	}
	return results, nil
}

// AtomicAdd adds delta to the counter in a single upsert and returns the
// post-add value. An expired bucket restarts from delta with a fresh expiry.
func (s *PostgresStore) AtomicAdd(ctx context.Context, collection, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	var text string
	err := s.db.QueryRow(ctx, `
		INSERT INTO spendguard_counters (collection, key, value, expires_at)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (collection, key)
		DO UPDATE SET
			value = CASE
				WHEN spendguard_counters.expires_at IS NOT NULL AND spendguard_counters.expires_at <= NOW()
					THEN EXCLUDED.value
				ELSE spendguard_counters.value + EXCLUDED.value
			END,
			expires_at = CASE
				WHEN spendguard_counters.expires_at IS NOT NULL AND spendguard_counters.expires_at <= NOW()
					THEN EXCLUDED.expires_at
				ELSE COALESCE(spendguard_counters.expires_at, EXCLUDED.expires_at)
			END
		RETURNING value::text`,
		collection, key, delta.String(), expiresAt,
	).Scan(&text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres atomic add %s/%s: %w", collection, key, err)
	}

	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres atomic add %s/%s: parse %q: %w", collection, key, text, err)
	}
	return value, nil
}

// GetCounter reads a counter without creating the row. Absent or expired
// counters read as zero.
func (s *PostgresStore) GetCounter(ctx context.Context, collection, key string) (decimal.Decimal, error) {
	var text string
	err := s.db.QueryRow(ctx, `
		SELECT value::text FROM spendguard_counters
		WHERE collection = $1 AND key = $2
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		collection, key,
	).Scan(&text)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("postgres get counter %s/%s: %w", collection, key, err)
	}

	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres get counter %s/%s: parse %q: %w", collection, key, text, err)
	}
	return value, nil
}

// AcquireLock takes the lock when it is absent or expired. Ownership is
// established purely by the returned token.
func (s *PostgresStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	var owner string
	err := s.db.QueryRow(ctx, `
		INSERT INTO spendguard_locks (key, token, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (key)
		DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE spendguard_locks.expires_at <= NOW()
		RETURNING token`,
		key, token, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()),
	).Scan(&owner)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil // held by a live owner
		}
		return "", false, fmt.Errorf("postgres acquire lock %s: %w", key, err)
	}
	return owner, true, nil
}

// ReleaseLock deletes the lock only when token matches the stored owner.
func (s *PostgresStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM spendguard_locks WHERE key = $1 AND token = $2`,
		key, token,
	)
	if err != nil {
		return false, fmt.Errorf("postgres release lock %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}
