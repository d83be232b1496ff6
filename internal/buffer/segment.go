package buffer

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a segment's position in its lifecycle.
type State int32

const (
	StateOpen      State = iota // accepting appends
	StateFlushing               // sealed and handed to delivery
	StateDelivered              // durable store accepted the payload
	StateFailed                 // delivery failed; records were reported, not requeued
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Seal triggers.
const (
	TriggerSize   = "size"
	TriggerAge    = "age"
	TriggerDrain  = "drain"
	TriggerReplay = "replay"
)

// Segment is an ordered batch of serialized records. It is mutated only while
// open and under the engine lock; after sealing it is read-only.
type Segment struct {
	ID       string
	OpenedAt time.Time
	SealedAt time.Time
	Trigger  string

	lines    [][]byte
	byteSize int64
	state    atomic.Int32

	seq        uint64 // seal order
	journalMax uint64 // highest journal sequence of any record in the segment
	finished   bool   // guarded by commitTracker.mu
	commit     bool   // guarded by commitTracker.mu
}

func newSegment(now time.Time) *Segment {
	return &Segment{
		ID:       uuid.NewString(),
		OpenedAt: now,
	}
}

// add appends one serialized record, which must already end in the record separator.
func (s *Segment) add(line []byte, journalSeq uint64) {
	s.lines = append(s.lines, line)
	s.byteSize += int64(len(line))
	if journalSeq > s.journalMax {
		s.journalMax = journalSeq
	}
}

// transition moves the segment from one state to another. Only one caller
// can win a given transition.
func (s *Segment) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current lifecycle state.
func (s *Segment) State() State { return State(s.state.Load()) }

// RecordCount returns the number of records in the segment.
func (s *Segment) RecordCount() int { return len(s.lines) }

// ByteSize returns the serialized size including record separators.
func (s *Segment) ByteSize() int64 { return s.byteSize }

// Records returns the serialized records in append order. Callers must not
// modify the returned lines.
func (s *Segment) Records() [][]byte {
	out := make([][]byte, len(s.lines))
	copy(out, s.lines)
	return out
}

// Payload returns all records concatenated, each terminated by the separator.
func (s *Segment) Payload() []byte {
	var buf bytes.Buffer
	buf.Grow(int(s.byteSize))
	for _, line := range s.lines {
		buf.Write(line)
	}
	return buf.Bytes()
}

// NewSealedSegment builds a read-only segment from already serialized records.
// It is used to push journaled records through delivery on startup.
func NewSealedSegment(lines [][]byte, openedAt, sealedAt time.Time) *Segment {
	s := newSegment(openedAt)
	for _, line := range lines {
		s.add(line, 0)
	}
	s.SealedAt = sealedAt
	s.Trigger = TriggerReplay
	s.state.Store(int32(StateFlushing))
	return s
}
