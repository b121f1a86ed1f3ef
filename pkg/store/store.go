// Package store persists recording sessions and sync rounds in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups of unknown ids.
var ErrNotFound = errors.New("store: not found")

// DefaultLimit caps list queries without an explicit limit.
const DefaultLimit = 100

// Recording is one recording session.
type Recording struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Payload int        `json:"payload"`
	Started time.Time  `json:"started"`
	Stopped *time.Time `json:"stopped,omitempty"`
	Samples int64      `json:"samples"`
}

// DeviceResult is the acknowledge of one sync round member.
type DeviceResult struct {
	Address string `json:"address"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SyncRound is a finished sync round.
type SyncRound struct {
	ID       string         `json:"id"`
	Root     string         `json:"root"`
	Members  []string       `json:"members"`
	Results  []DeviceResult `json:"results"`
	Success  bool           `json:"success"`
	TimedOut bool           `json:"timedOut"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database at path. Use ":memory:" for an
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		stopped_at DATETIME,
		samples INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_rounds (
		id TEXT PRIMARY KEY,
		root TEXT NOT NULL,
		members_json TEXT NOT NULL,
		success INTEGER NOT NULL,
		timed_out INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id TEXT NOT NULL REFERENCES sync_rounds(id) ON DELETE CASCADE,
		address TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at);
	CREATE INDEX IF NOT EXISTS idx_recordings_name ON recordings(name);
	CREATE INDEX IF NOT EXISTS idx_sync_rounds_started_at ON sync_rounds(started_at);
	CREATE INDEX IF NOT EXISTS idx_sync_results_round_id ON sync_results(round_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRecording stores a new session.
func (s *Store) StartRecording(ctx context.Context, rec Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, name, payload, started_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Payload, rec.Started.UTC())
	return err
}

// FinishRecording marks a session stopped.
func (s *Store) FinishRecording(ctx context.Context, id string, stopped time.Time, samples int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET stopped_at = ?, samples = ? WHERE id = ?
	`, stopped.UTC(), samples, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// GetRecording returns one session.
func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, payload, started_at, stopped_at, samples
		FROM recordings WHERE id = ?
	`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: recording %s", ErrNotFound, id)
	}
	return rec, err
}

// ListRecordings returns sessions, most recent first.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, payload, started_at, stopped_at, samples
		FROM recordings
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteRecordings removes the sessions stored under a file name. It
// returns the number of rows removed.
func (s *Store) DeleteRecordings(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM recordings WHERE name = ?", name)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(sc scanner) (*Recording, error) {
	var rec Recording
	var stopped sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.Payload, &rec.Started, &stopped, &rec.Samples); err != nil {
		return nil, err
	}
	if stopped.Valid {
		rec.Stopped = &stopped.Time
	}
	return &rec, nil
}

// SaveSyncRound stores a finished round with its per-device results.
func (s *Store) SaveSyncRound(ctx context.Context, round SyncRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := json.Marshal(round.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_rounds (id, root, members_json, success, timed_out, started_at, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, round.ID, round.Root, string(members), round.Success, round.TimedOut,
		round.Started.UTC(), round.Duration.Milliseconds(), round.Error); err != nil {
		return err
	}
	for _, r := range round.Results {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_results (round_id, address, success, error)
			VALUES (?, ?, ?, ?)
		`, round.ID, r.Address, r.Success, r.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSyncRounds returns rounds with their results, most recent first.
func (s *Store) ListSyncRounds(ctx context.Context, limit int) ([]SyncRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root, members_json, success, timed_out, started_at, duration_ms, error_message
		FROM sync_rounds
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	var out []SyncRound
	for rows.Next() {
		var r SyncRound
		var members string
		var durationMs int64
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.Root, &members, &r.Success, &r.TimedOut, &r.Started, &durationMs, &errMsg); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &r.Members); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal members: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Error = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		res, err := s.syncResults(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Results = res
	}
	return out, nil
}

func (s *Store) syncResults(ctx context.Context, roundID string) ([]DeviceResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, success, error FROM sync_results WHERE round_id = ? ORDER BY id
	`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceResult
	for rows.Next() {
		var r DeviceResult
		var errMsg sql.NullString
		if err := rows.Scan(&r.Address, &r.Success, &errMsg); err != nil {
			return nil, err
		}
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
