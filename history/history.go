// Package history records the outcome of every session and its traffic
// samples in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/stats"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	profile      TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER,
	state        TEXT NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	warnings     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

CREATE TABLE IF NOT EXISTS traffic_samples (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	timestamp  INTEGER NOT NULL,
	bytes_in   INTEGER NOT NULL,
	bytes_out  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_session ON traffic_samples(session_id, timestamp);
`

// Entry is one recorded session.
type Entry struct {
	ID          string    `json:"id"`
	Profile     string    `json:"profile"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	State       string    `json:"state"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Duration returns how long the session lasted, or zero while it runs.
func (e Entry) Duration() time.Duration {
	if e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Store is the history database.
type Store struct {
	db *sql.DB
}

var (
	_ orchestrator.Observer = (*Store)(nil)
	_ stats.Sink            = (*Store)(nil)
)

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer connection avoids SQLITE_BUSY between the observer
	// and the sampler.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Observe implements orchestrator.Observer.
func (s *Store) Observe(snap orchestrator.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), common.ManagementTimeout)
	defer cancel()
	if err := s.Record(ctx, snap); err != nil {
		common.LogWarn("History: recording %s: %v", snap.SessionID, err)
	}
}

// Record stores one transition. The first one creates the row.
func (s *Store) Record(ctx context.Context, snap orchestrator.Snapshot) error {
	var kind, detail string
	if snap.Err != nil {
		kind = snap.Err.Kind.String()
		detail = snap.Err.Error()
	}
	var ended sql.NullInt64
	if snap.State.Terminal() {
		ended = sql.NullInt64{Int64: snap.At.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, profile, started_at, ended_at, state, error_kind, error_detail, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			state = excluded.state,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			warnings = excluded.warnings`,
		snap.SessionID, snap.Profile, snap.At.UnixMilli(), ended, snap.State.String(),
		kind, detail, strings.Join(snap.Warnings, "\n"))
	return err
}

// RecordSample implements stats.Sink.
func (s *Store) RecordSample(sessionID string, sample stats.Sample) error {
	_, err := s.db.Exec(
		`INSERT INTO traffic_samples (session_id, timestamp, bytes_in, bytes_out) VALUES (?, ?, ?, ?)`,
		sessionID, sample.At.UnixMilli(), int64(sample.BytesIn), int64(sample.BytesOut))
	return err
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile, started_at, ended_at, state, error_kind, error_detail, warnings
		FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			started  int64
			ended    sql.NullInt64
			warnings string
		)
		if err := rows.Scan(&e.ID, &e.Profile, &started, &ended, &e.State, &e.ErrorKind, &e.ErrorDetail, &warnings); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			e.EndedAt = time.UnixMilli(ended.Int64)
		}
		if warnings != "" {
			e.Warnings = strings.Split(warnings, "\n")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrafficTotals returns the last recorded counters of a session.
func (s *Store) TrafficTotals(ctx context.Context, sessionID string) (in, out uint64, err error) {
	var bi, bo int64
	err = s.db.QueryRowContext(ctx, `
		SELECT bytes_in, bytes_out FROM traffic_samples
		WHERE session_id = ? ORDER BY timestamp DESC LIMIT 1`, sessionID).Scan(&bi, &bo)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return uint64(bi), uint64(bo), nil
}

// Cleanup deletes sessions that started before now minus retention,
// along with their samples.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return s.cleanupBefore(ctx, time.Now().Add(-retention))
}

func (s *Store) cleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
