// Package database keeps the last authoritative booking snapshot in a local
// SQLite file so a restarted client can show it before the first refetch.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

type DB struct {
	db     *sql.DB
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zerolog.Logger
}

func NewDB(path string, ttl time.Duration, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := createTables(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if ttl <= 0 {
		ttl = models.DefaultSnapshotTTL
	}
	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("path", path).Msg("database initialized")

	return &DB{db: sqlDB, ttl: ttl, clock: clockwork.NewRealClock(), logger: &l}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS booking_snapshots (
            user_id TEXT NOT NULL,
            organisation_id TEXT NOT NULL,
            seq INTEGER NOT NULL DEFAULT 0,
            payload TEXT NOT NULL,
            expires_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (user_id, organisation_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_booking_snapshots_expires_at ON booking_snapshots(expires_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// WithClock replaces the clock used for expiry.
func (db *DB) WithClock(clock clockwork.Clock) *DB {
	db.clock = clock
	return db
}

func (db *DB) PingContext(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) GetSnapshot(ctx context.Context, userID, orgID string) (*models.Snapshot, error) {
	var (
		payload   string
		expiresAt time.Time
	)
	err := db.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM booking_snapshots WHERE user_id = ? AND organisation_id = ?`,
		userID, orgID,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if !db.clock.Now().Before(expiresAt) {
		return nil, nil
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (db *DB) SetSnapshot(ctx context.Context, snap models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	now := db.clock.Now().UTC()

	_, err = db.db.ExecContext(ctx, `
        INSERT INTO booking_snapshots (user_id, organisation_id, seq, payload, expires_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id, organisation_id) DO UPDATE SET
            seq = excluded.seq,
            payload = excluded.payload,
            expires_at = excluded.expires_at,
            updated_at = excluded.updated_at`,
		snap.UserID, snap.OrganisationID, int64(snap.Seq), string(payload), now.Add(db.ttl), now,
	)
	if err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

func (db *DB) ClearSnapshot(ctx context.Context, userID, orgID string) error {
	if _, err := db.db.ExecContext(ctx,
		`DELETE FROM booking_snapshots WHERE user_id = ? AND organisation_id = ?`,
		userID, orgID,
	); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// PurgeExpired removes expired rows and returns how many were deleted.
func (db *DB) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM booking_snapshots WHERE expires_at <= ?`, db.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.logger.Debug().Int64("rows", n).Msg("expired snapshots purged")
	}
	return n, nil
}
