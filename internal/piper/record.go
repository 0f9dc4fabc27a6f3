package piper

import "time"

// Direction says which way a frame travelled relative to this process.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// FrameRecord is a copy of one frame taken for journalling.
type FrameRecord struct {
	Direction Direction `json:"direction"`
	PipeID    byte      `json:"pipe_id"`
	Payload   []byte    `json:"payload"`
	At        time.Time `json:"at"`
}

// Recorder receives frames after they have been parsed or sent. Payload is
// a private copy the recorder may keep.
type Recorder interface {
	RecordFrame(rec FrameRecord) error
}

func newRecord(dir Direction, pipeID byte, payload []byte, at time.Time) FrameRecord {
	return FrameRecord{
		Direction: dir,
		PipeID:    pipeID,
		Payload:   append([]byte(nil), payload...),
		At:        at,
	}
}
