package buffer

import (
	"log"
	"sync"
)

// commitTracker advances the journal commit point over segments in seal
// order. Workers may finish segments out of order; the commit point only
// moves across a contiguous prefix of finished segments, so a record is never
// marked committed while an earlier segment is still in flight.
type commitTracker struct {
	mu      sync.Mutex
	journal Journal
	pending []*Segment
}

// track registers a freshly sealed segment. Called under the engine lock.
func (t *commitTracker) track(seg *Segment) {
	t.mu.Lock()
	t.pending = append(t.pending, seg)
	t.mu.Unlock()
}

// finish marks seg terminal. commit=false pins the commit point before seg
// so its records are replayed on the next start.
func (t *commitTracker) finish(seg *Segment, commit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg.finished = true
	seg.commit = commit

	var maxSeq uint64
	i := 0
	for i < len(t.pending) && t.pending[i].finished && t.pending[i].commit {
		if t.pending[i].journalMax > maxSeq {
			maxSeq = t.pending[i].journalMax
		}
		i++
	}
	t.pending = t.pending[i:]

	if maxSeq > 0 {
		if err := t.journal.Commit(maxSeq); err != nil {
			log.Printf("buffer: journal commit seq=%d: %v", maxSeq, err)
		}
	}
}
