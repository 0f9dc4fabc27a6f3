package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "piper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJournal_RecordAndRecent(t *testing.T) {
	db := newTestDB(t)
	j, err := db.StartSession("tcp 127.0.0.1:7777")
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	recs := []piper.FrameRecord{
		{Direction: piper.Inbound, PipeID: 0, Payload: []byte{0x21, 0x01}, At: base},
		{Direction: piper.Outbound, PipeID: 0, Payload: []byte{0x7f}, At: base.Add(time.Millisecond)},
		{Direction: piper.Inbound, PipeID: 1, Payload: []byte{0x03, 0x01}, At: base.Add(2 * time.Millisecond)},
	}
	for _, rec := range recs {
		require.NoError(t, j.RecordFrame(rec))
	}

	frames, err := db.RecentFrames(AllPipes, 10)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	// newest first
	got := []piper.FrameRecord{frames[2].FrameRecord, frames[1].FrameRecord, frames[0].FrameRecord}
	if diff := cmp.Diff(recs, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("RecentFrames() mismatch (-want +got):\n%s", diff)
	}
	for _, f := range frames {
		assert.Equal(t, j.SessionID(), f.SessionID)
	}

	pipe0, err := db.RecentFrames(0, 1)
	require.NoError(t, err)
	require.Len(t, pipe0, 1)
	assert.Equal(t, piper.Outbound, pipe0[0].Direction)

	none, err := db.RecentFrames(AllPipes, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournal_EmptyPayload(t *testing.T) {
	db := newTestDB(t)
	j, err := db.StartSession("test")
	require.NoError(t, err)

	require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound, PipeID: 9}))

	frames, err := db.RecentFrames(9, 1)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Payload)
	assert.False(t, frames[0].At.IsZero(), "zero timestamps are replaced with now")
}

func TestJournal_Close(t *testing.T) {
	db := newTestDB(t)
	j, err := db.StartSession("serial /dev/ttyACM0 38400 8N1")
	require.NoError(t, err)

	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "second Close is a no-op")
	assert.ErrorIs(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound}), ErrSessionEnded)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, j.SessionID(), sessions[0].ID)
	assert.Equal(t, "serial /dev/ttyACM0 38400 8N1", sessions[0].Transport)
	require.NotNil(t, sessions[0].Ended)
	assert.False(t, sessions[0].Ended.Before(sessions[0].Started))
}

func TestDB_PipeCounts(t *testing.T) {
	db := newTestDB(t)
	j, err := db.StartSession("test")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound, PipeID: 0, Payload: []byte{1, 2}}))
	}
	require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Outbound, PipeID: 0, Payload: []byte{1}}))
	require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound, PipeID: 200}))

	counts, err := db.PipeCounts()
	require.NoError(t, err)
	want := []PipeCount{
		{PipeID: 0, Direction: piper.Inbound, Frames: 3, Bytes: 6},
		{PipeID: 0, Direction: piper.Outbound, Frames: 1, Bytes: 1},
		{PipeID: 200, Direction: piper.Inbound, Frames: 1, Bytes: 0},
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("PipeCounts() mismatch (-want +got):\n%s", diff)
	}
}

func TestDB_PruneBefore(t *testing.T) {
	db := newTestDB(t)
	j, err := db.StartSession("test")
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound, At: old}))
	require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound, At: time.Now()}))

	n, err := db.PruneBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	frames, err := db.RecentFrames(AllPipes, 10)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestDB_RejectsBadDirection(t *testing.T) {
	db := newTestDB(t)
	j, err := db.StartSession("test")
	require.NoError(t, err)

	err = j.RecordFrame(piper.FrameRecord{Direction: "sideways"})
	assert.Error(t, err, "the schema constrains direction")
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piper.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	j, err := db.StartSession("test")
	require.NoError(t, err)
	require.NoError(t, j.RecordFrame(piper.FrameRecord{Direction: piper.Inbound, PipeID: 4}))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	frames, err := db.RecentFrames(4, 10)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}
