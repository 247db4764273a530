package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/saleslens/presage-capture/internal/profile"
)

// The physiology table lives in a file shared with the transcription module
// and the Python sync tooling, so every statement is IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS physiology_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		heart_rate REAL,
		hrv REAL,
		breathing_rate REAL,
		phasic REAL,
		emotion_score REAL,
		engagement REAL,
		blink_rate REAL,
		is_talking INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT
	)`,
	// Not unique: two frames may share a millisecond.
	`CREATE INDEX IF NOT EXISTS idx_physiology_session_time
		ON physiology_events (session_id, timestamp_ms)`,
}

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// Open opens (or creates) the shared SQLite file described by the profile and
// verifies the connection, so an unusable path fails here rather than on the
// first write.
func Open(ctx context.Context, profile *profile.Profile) (*DB, error) {
	if profile.DBPath == "" {
		return nil, errors.New("db path required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db at %s", profile.DBPath)
	}

	// One writer per process; the WAL journal arbitrates against other processes.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	if err := sqliteDB.PingContext(ctx); err != nil {
		sqliteDB.Close()
		return nil, errors.Wrapf(err, "failed to connect to db at %s", profile.DBPath)
	}

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the physiology table and its index when missing.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply physiology schema")
		}
	}
	return nil
}

// IsInitialized reports whether the physiology table exists.
func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='physiology_events')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}
