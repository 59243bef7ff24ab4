// Package storage provides SQLite-backed persistence for crash events and
// escalation outcomes.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/crashguard/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxCrashes int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/crashguard/data.db.
func New(maxCrashes int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "crashguard", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxCrashes: maxCrashes}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crash_events (
			id          TEXT PRIMARY KEY,
			occurred_at INTEGER NOT NULL,
			latitude    REAL,
			longitude   REAL,
			acc_x       REAL NOT NULL,
			acc_y       REAL NOT NULL,
			acc_z       REAL NOT NULL,
			acc_mag     REAL NOT NULL,
			rot_x       REAL NOT NULL,
			rot_y       REAL NOT NULL,
			rot_z       REAL NOT NULL,
			rot_mag     REAL NOT NULL,
			severity    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			crash_id       TEXT PRIMARY KEY REFERENCES crash_events(id) ON DELETE CASCADE,
			outcome        TEXT NOT NULL,
			number         TEXT NOT NULL,
			location_label TEXT NOT NULL,
			method         TEXT NOT NULL DEFAULT '',
			ended_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crash_events_occurred_at ON crash_events(occurred_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddCrash stores a crash event and enforces the retention cap.
func (s *Storage) AddCrash(event *models.CrashEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid crash event: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lat, lon sql.NullFloat64
	if event.Location != nil {
		lat = sql.NullFloat64{Float64: event.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: event.Location.Longitude, Valid: true}
	}
	acc, rot := event.Acceleration, event.Rotation
	_, err = tx.Exec(`
		INSERT INTO crash_events
			(id, occurred_at, latitude, longitude,
			 acc_x, acc_y, acc_z, acc_mag, rot_x, rot_y, rot_z, rot_mag, severity)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		event.ID, event.Timestamp.UnixNano(), lat, lon,
		acc.X, acc.Y, acc.Z, acc.Magnitude,
		rot.X, rot.Y, rot.Z, rot.Magnitude,
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to insert crash event: %w", err)
	}

	if err := rotate(tx, s.maxCrashes); err != nil {
		return fmt.Errorf("failed to enforce crash cap: %w", err)
	}
	return tx.Commit()
}

// GetCrash returns the crash event with the given ID.
func (s *Storage) GetCrash(id string) (*models.CrashEvent, error) {
	row := s.db.QueryRow(`SELECT `+crashCols+` FROM crash_events WHERE id = ?`, id)
	e, err := scanCrash(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("crash event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crash event: %w", err)
	}
	return e, nil
}

// RecentCrashes returns up to k crash events, newest first.
func (s *Storage) RecentCrashes(k int) ([]models.CrashEvent, error) {
	rows, err := s.db.Query(`SELECT `+crashCols+` FROM crash_events ORDER BY occurred_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query crash events: %w", err)
	}
	defer rows.Close()

	events := []models.CrashEvent{}
	for rows.Next() {
		e, err := scanCrash(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crash event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// RecordEscalation stores the outcome of an escalation session. A second
// record for the same crash replaces the first.
func (s *Storage) RecordEscalation(rec models.EscalationRecord) error {
	if rec.CrashID == "" {
		return errors.New("invalid escalation record: crash ID must not be empty")
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO escalations
			(crash_id, outcome, number, location_label, method, ended_at)
		VALUES (?,?,?,?,?,?)`,
		rec.CrashID, string(rec.Outcome), rec.Number, rec.LocationLabel,
		string(rec.Method), rec.EndedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}
	return nil
}

// GetEscalation returns the recorded outcome for a crash.
func (s *Storage) GetEscalation(crashID string) (*models.EscalationRecord, error) {
	var rec models.EscalationRecord
	var outcome, method string
	var endedAtNano int64
	err := s.db.QueryRow(`
		SELECT crash_id, outcome, number, location_label, method, ended_at
		FROM escalations WHERE crash_id = ?`, crashID).Scan(
		&rec.CrashID, &outcome, &rec.Number, &rec.LocationLabel, &method, &endedAtNano,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation for %s: %w", crashID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	rec.Outcome = models.Outcome(outcome)
	rec.Method = models.CallMethod(method)
	rec.EndedAt = time.Unix(0, endedAtNano)
	return &rec, nil
}

// RotateCrashes keeps at most maxCrashes newest crash events.
// Cascading deletes remove their escalation records.
func (s *Storage) RotateCrashes() error {
	if err := rotate(s.db, s.maxCrashes); err != nil {
		return fmt.Errorf("failed to rotate crash events: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func rotate(db execer, keep int) error {
	_, err := db.Exec(`
		DELETE FROM crash_events WHERE id NOT IN (
			SELECT id FROM crash_events ORDER BY occurred_at DESC LIMIT ?
		)`, keep)
	return err
}

const crashCols = `id, occurred_at, latitude, longitude,
	acc_x, acc_y, acc_z, acc_mag, rot_x, rot_y, rot_z, rot_mag, severity`

func scanCrash(scan func(...any) error) (*models.CrashEvent, error) {
	var e models.CrashEvent
	var occurredAtNano int64
	var lat, lon sql.NullFloat64
	var severity string
	err := scan(
		&e.ID, &occurredAtNano, &lat, &lon,
		&e.Acceleration.X, &e.Acceleration.Y, &e.Acceleration.Z, &e.Acceleration.Magnitude,
		&e.Rotation.X, &e.Rotation.Y, &e.Rotation.Z, &e.Rotation.Magnitude,
		&severity,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(0, occurredAtNano)
	e.Severity = models.Severity(severity)
	if lat.Valid && lon.Valid {
		e.Location = &models.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return &e, nil
}
