// Package bpstore persists debugger breakpoint sessions in a local sqlite
// database.
package bpstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite" // pure Go driver, registered as "sqlite"

	"github.com/funvibe/conductor/internal/vm"
)

var log = commonlog.GetLogger("conductor.bpstore")

// ErrNoSession is returned when loading a session that was never saved.
var ErrNoSession = errors.New("no such breakpoint session")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	name     TEXT PRIMARY KEY,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS breakpoints (
	session  TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	file     TEXT NOT NULL DEFAULT '',
	line     INTEGER NOT NULL DEFAULT 0,
	function TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session, position)
);`

// Session describes a saved set of breakpoints.
type Session struct {
	Name    string
	SavedAt time.Time
	Count   int
}

// Store is a vm.BreakPointStore backed by sqlite.
type Store struct {
	db   *sql.DB
	path string
}

var _ vm.BreakPointStore = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening breakpoint store %s: %w", path, err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening breakpoint store %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;" + schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing breakpoint store %s: %w", path, err)
	}
	log.Debugf("opened breakpoint store %s", path)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBreakPoints replaces the breakpoints stored under session.
func (s *Store) SaveBreakPoints(session string, bps []vm.BreakPoint) error {
	if session == "" {
		return fmt.Errorf("%w: empty session name", vm.ErrInvalidArg)
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", session, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM breakpoints WHERE session = ?`, session); err != nil {
		return fmt.Errorf("saving session %s: %w", session, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (name, saved_at) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET saved_at = excluded.saved_at`,
		session, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("saving session %s: %w", session, err)
	}
	for i, bp := range bps {
		file, line := bp.File, bp.Line
		if bp.Function != "" {
			// function breakpoints resolve again on load
			file, line = "", 0
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO breakpoints (session, position, file, line, function) VALUES (?, ?, ?, ?, ?)`,
			session, i, file, line, bp.Function); err != nil {
			return fmt.Errorf("saving breakpoint %d of session %s: %w", bp.ID, session, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving session %s: %w", session, err)
	}
	log.Infof("saved %d breakpoints to session %s", len(bps), session)
	return nil
}

// LoadBreakPoints returns the breakpoints saved under session in the order
// they were saved.
func (s *Store) LoadBreakPoints(session string) ([]vm.BreakPoint, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE name = ?`, session).Scan(&n); err != nil {
		return nil, fmt.Errorf("loading session %s: %w", session, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, session)
	}

	rows, err := s.db.Query(
		`SELECT file, line, function FROM breakpoints WHERE session = ? ORDER BY position`, session)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", session, err)
	}
	defer rows.Close()

	var out []vm.BreakPoint
	for rows.Next() {
		var bp vm.BreakPoint
		if err := rows.Scan(&bp.File, &bp.Line, &bp.Function); err != nil {
			return nil, fmt.Errorf("loading session %s: %w", session, err)
		}
		bp.ID = len(out)
		out = append(out, bp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading session %s: %w", session, err)
	}
	return out, nil
}

// Sessions lists saved sessions, most recent first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT s.name, s.saved_at, COUNT(b.position)
		FROM sessions s LEFT JOIN breakpoints b ON b.session = s.name
		GROUP BY s.name, s.saved_at
		ORDER BY s.saved_at DESC, s.name`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var ms int64
		if err := rows.Scan(&sess.Name, &ms, &sess.Count); err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		sess.SavedAt = time.UnixMilli(ms)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its breakpoints.
func (s *Store) DeleteSession(session string) error {
	if _, err := s.db.Exec(`DELETE FROM breakpoints WHERE session = ?`, session); err != nil {
		return fmt.Errorf("deleting session %s: %w", session, err)
	}
	res, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, session)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", session, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSession, session)
	}
	return nil
}
