package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/piper/internal/piper"
)

// Journal records frames for one session.
type Journal struct {
	db *DB
	id string

	mu     sync.Mutex
	closed bool
}

var _ piper.Recorder = (*Journal)(nil)

// SessionID returns the uuid of the session this journal writes to.
func (j *Journal) SessionID() string { return j.id }

// RecordFrame implements piper.Recorder.
func (j *Journal) RecordFrame(rec piper.FrameRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrSessionEnded
	}

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO frames (session_id, direction, pipe_id, length, payload, at_unix_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		j.id, string(rec.Direction), int(rec.PipeID), len(rec.Payload), rec.Payload, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record frame: %w", err)
	}
	return nil
}

// Close marks the session ended. Further RecordFrame calls fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	_, err := j.db.Exec(`UPDATE sessions SET ended_unix_ns = ? WHERE session_id = ?`, time.Now().UnixNano(), j.id)
	return err
}
