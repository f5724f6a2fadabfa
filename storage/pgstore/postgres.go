// Package pgstore implements admitcore.Storage against PostgreSQL using
// pgx/v5 and pgxpool, grounded on the teacher's postgres backend (pool
// construction, connection-string validation, CREATE TABLE IF NOT EXISTS
// bootstrap) and generalized from its generic key-value table to the three
// admission kernels.
//
// Each TryAcquire runs inside a single transaction: an INSERT ... ON
// CONFLICT DO NOTHING that makes sure the key's row exists, a SELECT ...
// FOR UPDATE that locks it, and an INSERT ... ON CONFLICT DO UPDATE that
// writes the new state, so row-level locking scopes contention to one key
// rather than the whole table.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvid-systems/admitcore"
	"github.com/corvid-systems/admitcore/kernel"
)

var connErrorPatterns = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"timeout",
	"i/o timeout",
	"broken pipe",
	"too many connections",
}

// Config configures a Store's connection to PostgreSQL.
type Config struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
	// ConnErrorPatterns overrides connErrorPatterns when non-nil.
	ConnErrorPatterns []string
}

// Store is a PostgreSQL-backed admitcore.Storage.
type Store struct {
	pool         *pgxpool.Pool
	connPatterns []string
}

// New connects to PostgreSQL per cfg and ensures the state table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	patterns := cfg.ConnErrorPatterns
	if patterns == nil {
		patterns = connErrorPatterns
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, admitcore.NewStorageUnavailableError("pgstore:ParseConfig", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, admitcore.NewStorageUnavailableError("pgstore:NewPool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, admitcore.NewStorageUnavailableError("pgstore:Ping", err)
	}

	s := &Store{pool: pool, connPatterns: patterns}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an already-connected pgxpool.Pool.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, connPatterns: connErrorPatterns}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS admitcore_bucket_state (
			key        TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return s.maybeConnError("pgstore:createTable", err)
	}
	return nil
}

func (s *Store) CurrentTime() time.Time { return time.Now() }

// rowPayload is the JSON document stored in admitcore_bucket_state.payload;
// exactly one of the three embedded states is populated, selected by
// Algorithm.
type rowPayload struct {
	Algorithm string                     `json:"algorithm"`
	TB        *kernel.TokenBucketState   `json:"tb,omitempty"`
	SW        *kernel.SlidingWindowState `json:"sw,omitempty"`
	FW        *kernel.FixedWindowState   `json:"fw,omitempty"`
}

func (s *Store) TryAcquire(ctx context.Context, key string, policy admitcore.Policy, now time.Time) (bool, admitcore.StateSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, admitcore.StateSnapshot{}, s.maybeConnError("pgstore:Begin", err)
	}
	defer tx.Rollback(ctx)

	// Make sure a row exists before locking it: SELECT ... FOR UPDATE locks
	// nothing for a first-seen key, so two concurrent first calls would both
	// start from a fresh state. The placeholder row is already expired and is
	// therefore read as "no state".
	_, err = tx.Exec(ctx, `
		INSERT INTO admitcore_bucket_state (key, payload, expires_at)
		VALUES ($1, '{}', to_timestamp(0))
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, admitcore.StateSnapshot{}, s.maybeConnError("pgstore:InsertPlaceholder", err)
	}

	var payloadJSON string
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT payload, expires_at FROM admitcore_bucket_state WHERE key = $1 FOR UPDATE
	`, key).Scan(&payloadJSON, &expiresAt)

	var existing *rowPayload
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing = nil
	case err != nil:
		return false, admitcore.StateSnapshot{}, s.maybeConnError("pgstore:SelectForUpdate", err)
	default:
		if now.Before(expiresAt) {
			var p rowPayload
			if jsonErr := json.Unmarshal([]byte(payloadJSON), &p); jsonErr != nil {
				return false, admitcore.StateSnapshot{}, fmt.Errorf("pgstore: corrupt payload for key %q: %w", key, jsonErr)
			}
			existing = &p
		}
	}

	allowed, snap, next := computeTransition(existing, policy, now)

	nextJSON, err := json.Marshal(next)
	if err != nil {
		return false, admitcore.StateSnapshot{}, fmt.Errorf("pgstore: marshal new state: %w", err)
	}
	newExpiresAt := now.Add(policy.TTL())

	_, err = tx.Exec(ctx, `
		INSERT INTO admitcore_bucket_state (key, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at
	`, key, string(nextJSON), newExpiresAt)
	if err != nil {
		return false, admitcore.StateSnapshot{}, s.maybeConnError("pgstore:Upsert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, admitcore.StateSnapshot{}, s.maybeConnError("pgstore:Commit", err)
	}

	return allowed, snap, nil
}

func computeTransition(existing *rowPayload, policy admitcore.Policy, now time.Time) (bool, admitcore.StateSnapshot, rowPayload) {
	nowMillis := now.UnixMilli()

	switch policy.Algorithm() {
	case admitcore.TokenBucket:
		var old *kernel.TokenBucketState
		if existing != nil {
			old = existing.TB
		}
		next, allowed := kernel.TokenBucketTransition(old, float64(policy.Capacity()), policy.RefillRate(), 1, nowMillis)
		remaining := int64(next.Tokens)
		resetMillis := nowMillis
		if next.Tokens < float64(policy.Capacity()) {
			resetMillis = nowMillis + int64((float64(policy.Capacity())-next.Tokens)/policy.RefillRate())
		}
		return allowed, admitcore.StateSnapshot{
			Limit:        policy.Capacity(),
			Remaining:    remaining,
			ResetTime:    time.UnixMilli(resetMillis),
			CurrentUsage: policy.Capacity() - remaining,
		}, rowPayload{Algorithm: "TOKEN_BUCKET", TB: &next}

	case admitcore.SlidingWindow:
		var old *kernel.SlidingWindowState
		if existing != nil {
			old = existing.SW
		}
		next, allowed := kernel.SlidingWindowTransition(old, policy.Requests(), policy.WindowMillis(), nowMillis)
		remaining := policy.Requests() - next.CurrentCount
		if remaining < 0 {
			remaining = 0
		}
		return allowed, admitcore.StateSnapshot{
			Limit:        policy.Requests(),
			Remaining:    remaining,
			ResetTime:    time.UnixMilli(next.CurrentStart + policy.WindowMillis()),
			CurrentUsage: next.CurrentCount,
		}, rowPayload{Algorithm: "SLIDING_WINDOW", SW: &next}

	default:
		var old *kernel.FixedWindowState
		if existing != nil {
			old = existing.FW
		}
		next, allowed := kernel.FixedWindowTransition(old, policy.Requests(), policy.WindowMillis(), nowMillis)
		remaining := policy.Requests() - next.Count
		if remaining < 0 {
			remaining = 0
		}
		return allowed, admitcore.StateSnapshot{
			Limit:        policy.Requests(),
			Remaining:    remaining,
			ResetTime:    time.UnixMilli((next.WindowNumber + 1) * policy.WindowMillis()),
			CurrentUsage: next.Count,
		}, rowPayload{Algorithm: "FIXED_WINDOW", FW: &next}
	}
}

func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM admitcore_bucket_state WHERE key = $1`, key)
	if err != nil {
		return s.maybeConnError("pgstore:Reset", err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) (admitcore.StateSnapshot, bool, error) {
	var payloadJSON string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT payload, expires_at FROM admitcore_bucket_state WHERE key = $1
	`, key).Scan(&payloadJSON, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return admitcore.StateSnapshot{}, false, nil
	}
	if err != nil {
		return admitcore.StateSnapshot{}, false, s.maybeConnError("pgstore:GetState", err)
	}
	if time.Now().After(expiresAt) {
		return admitcore.StateSnapshot{}, false, nil
	}

	var p rowPayload
	if jsonErr := json.Unmarshal([]byte(payloadJSON), &p); jsonErr != nil {
		return admitcore.StateSnapshot{}, false, fmt.Errorf("pgstore: corrupt payload for key %q: %w", key, jsonErr)
	}

	switch {
	case p.TB != nil:
		return admitcore.StateSnapshot{Remaining: int64(p.TB.Tokens)}, true, nil
	case p.SW != nil:
		return admitcore.StateSnapshot{CurrentUsage: p.SW.CurrentCount}, true, nil
	case p.FW != nil:
		return admitcore.StateSnapshot{CurrentUsage: p.FW.Count}, true, nil
	default:
		return admitcore.StateSnapshot{}, true, nil
	}
}

// PurgeExpired deletes up to batchSize expired rows, mirroring the
// teacher's postgres backend housekeeping query.
func (s *Store) PurgeExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cmd, err := s.pool.Exec(ctx, `
		WITH stale AS (
			SELECT key FROM admitcore_bucket_state WHERE expires_at <= NOW() LIMIT $1
		)
		DELETE FROM admitcore_bucket_state t USING stale WHERE t.key = stale.key
	`, batchSize)
	if err != nil {
		return 0, s.maybeConnError("pgstore:PurgeExpired", err)
	}
	return cmd.RowsAffected(), nil
}

// Diagnostics reports the type/healthy/states.count keys every Storage
// implementation guarantees, plus pgxpool's own connection-pool stats.
func (s *Store) Diagnostics() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admitcore_bucket_state`).Scan(&count); err != nil {
		count = -1
	}

	stat := s.pool.Stat()
	return map[string]any{
		"type":           "postgres",
		"healthy":        s.IsHealthy(),
		"states.count":   count,
		"total_conns":    stat.TotalConns(),
		"acquired_conns": stat.AcquiredConns(),
		"idle_conns":     stat.IdleConns(),
	}
}

func (s *Store) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) maybeConnError(op string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	for _, p := range s.connPatterns {
		if strings.Contains(lower, p) {
			return admitcore.NewStorageUnavailableError(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return admitcore.NewStorageUnavailableError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
