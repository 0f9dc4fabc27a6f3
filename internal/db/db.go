// Package db journals piper frames to SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/piper/internal/piper"
)

// ErrSessionEnded is returned when recording into a session that was closed.
var ErrSessionEnded = errors.New("db: session ended")

type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// OpenDB opens the database and applies connection pragmas without touching
// the schema. Use it for migration tooling.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the journal at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Frame is one journalled frame.
type Frame struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	piper.FrameRecord
}

// Session is one run of a daemon against a transport.
type Session struct {
	ID        string     `json:"id"`
	Transport string     `json:"transport"`
	Started   time.Time  `json:"started"`
	Ended     *time.Time `json:"ended,omitempty"`
}

// StartSession opens a new journal session. The returned Journal implements
// piper.Recorder.
func (db *DB) StartSession(transport string) (*Journal, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, transport, started_unix_ns) VALUES (?, ?, ?)`,
		id, transport, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &Journal{db: db, id: id}, nil
}

// Sessions returns all sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT session_id, transport, started_unix_ns, ended_unix_ns
		FROM sessions
		ORDER BY started_unix_ns DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Transport, &started, &ended); err != nil {
			return nil, err
		}
		s.Started = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			s.Ended = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AllPipes selects frames on every pipe in RecentFrames.
const AllPipes = -1

// RecentFrames returns up to limit frames, newest first, optionally
// restricted to one pipe.
func (db *DB) RecentFrames(pipe, limit int) ([]Frame, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT frame_id, session_id, direction, pipe_id, payload, at_unix_ns
		FROM frames`
	args := []any{}
	if pipe != AllPipes {
		query += ` WHERE pipe_id = ?`
		args = append(args, pipe)
	}
	query += ` ORDER BY frame_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var (
			f   Frame
			dir string
			at  int64
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &dir, &f.PipeID, &f.Payload, &at); err != nil {
			return nil, err
		}
		f.Direction = piper.Direction(dir)
		f.At = time.Unix(0, at)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// PipeCount is the number of journalled frames on one pipe and direction.
type PipeCount struct {
	PipeID    byte            `json:"pipe_id"`
	Direction piper.Direction `json:"direction"`
	Frames    int64           `json:"frames"`
	Bytes     int64           `json:"bytes"`
}

// PipeCounts summarises the journal per pipe and direction.
func (db *DB) PipeCounts() ([]PipeCount, error) {
	rows, err := db.Query(`
		SELECT pipe_id, direction, COUNT(*), COALESCE(SUM(length), 0)
		FROM frames
		GROUP BY pipe_id, direction
		ORDER BY pipe_id, direction
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []PipeCount
	for rows.Next() {
		var (
			c   PipeCount
			dir string
		)
		if err := rows.Scan(&c.PipeID, &dir, &c.Frames, &c.Bytes); err != nil {
			return nil, err
		}
		c.Direction = piper.Direction(dir)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PruneBefore deletes frames recorded before t and returns how many went.
func (db *DB) PruneBefore(t time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM frames WHERE at_unix_ns < ?`, t.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
