package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cochaviz/manualcapture/internal/phase"
)

// ErrNotFound is returned by Get for an unknown session.
var ErrNotFound = errors.New("session not found")

// Session is one journaled capture session.
type Session struct {
	ID        string
	Ticket    string
	Flavor    string
	Host      string
	VMPath    string
	LastPhase phase.Phase
	Result    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// PhaseEvent is one phase change seen by a session.
type PhaseEvent struct {
	Phase      phase.Phase
	ObservedAt time.Time
}

// SQLiteStore journals sessions in a SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the journal at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history store: open: %w", err)
	}
	// One writer; the session goroutine and the CLI never write concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history store: wal: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			ticket     TEXT NOT NULL DEFAULT '',
			flavor     TEXT NOT NULL DEFAULT '',
			host       TEXT NOT NULL DEFAULT '',
			vm_path    TEXT NOT NULL DEFAULT '',
			last_phase TEXT NOT NULL DEFAULT '',
			result     TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS session_phases (
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			phase       TEXT NOT NULL,
			observed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_phases_session ON session_phases(session_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_ticket ON sessions(ticket);
	`)
	if err != nil {
		return fmt.Errorf("history store: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Fixed-width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// SessionStarted records a session once its ticket is known.
func (s *SQLiteStore) SessionStarted(ctx context.Context, sessionID, ticket, flavor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, ticket, flavor, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ticket=excluded.ticket, flavor=excluded.flavor
	`, sessionID, ticket, flavor, s.timestamp())
	if err != nil {
		return fmt.Errorf("history store: start: %w", err)
	}
	return nil
}

// PhaseObserved appends p to the session's phase log.
func (s *SQLiteStore) PhaseObserved(ctx context.Context, sessionID string, p phase.Phase) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history store: phase: %w", err)
	}
	defer tx.Rollback()

	ts := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, last_phase, started_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_phase=excluded.last_phase
	`, sessionID, string(p), ts); err != nil {
		return fmt.Errorf("history store: phase: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_phases (session_id, phase, observed_at) VALUES (?, ?, ?)
	`, sessionID, string(p), ts); err != nil {
		return fmt.Errorf("history store: phase: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history store: phase: %w", err)
	}
	return nil
}

// LeaseAcquired records which VM the session was given.
func (s *SQLiteStore) LeaseAcquired(ctx context.Context, sessionID, host, vmPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, host, vm_path, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET host=excluded.host, vm_path=excluded.vm_path
	`, sessionID, host, vmPath, s.timestamp())
	if err != nil {
		return fmt.Errorf("history store: lease: %w", err)
	}
	return nil
}

// SessionEnded stores the outcome. Sessions that failed before a ticket was
// issued get a row here.
func (s *SQLiteStore) SessionEnded(ctx context.Context, sessionID, result string, last phase.Phase) error {
	ts := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, last_phase, result, started_at, ended_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			result=excluded.result,
			ended_at=excluded.ended_at,
			last_phase=CASE WHEN excluded.last_phase = '' THEN sessions.last_phase ELSE excluded.last_phase END
	`, sessionID, string(last), result, ts, ts)
	if err != nil {
		return fmt.Errorf("history store: end: %w", err)
	}
	return nil
}

const sessionColumns = `id, ticket, flavor, host, vm_path, last_phase, result, started_at, ended_at`

// List returns the most recent sessions first. A non-positive limit returns
// all of them.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions ORDER BY started_at DESC, id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("history store: list: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	return sessions, nil
}

// Get returns one session with its phase log in observation order.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, []PhaseEvent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Session{}, nil, fmt.Errorf("history store: get: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, observed_at FROM session_phases WHERE session_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return Session{}, nil, fmt.Errorf("history store: get phases: %w", err)
	}
	defer rows.Close()

	var events []PhaseEvent
	for rows.Next() {
		var p, observed string
		if err := rows.Scan(&p, &observed); err != nil {
			return Session{}, nil, fmt.Errorf("history store: get phases: %w", err)
		}
		at, _ := time.Parse(timeLayout, observed)
		events = append(events, PhaseEvent{Phase: phase.Phase(p), ObservedAt: at})
	}
	if err := rows.Err(); err != nil {
		return Session{}, nil, fmt.Errorf("history store: get phases: %w", err)
	}
	return session, events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		session   Session
		lastPhase string
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&session.ID, &session.Ticket, &session.Flavor, &session.Host, &session.VMPath,
		&lastPhase, &session.Result, &startedAt, &endedAt); err != nil {
		return Session{}, err
	}
	session.LastPhase = phase.Phase(lastPhase)
	session.StartedAt, _ = time.Parse(timeLayout, startedAt)
	if endedAt.Valid {
		t, _ := time.Parse(timeLayout, endedAt.String)
		session.EndedAt = &t
	}
	return session, nil
}
