// Package buffer accumulates normalized records into segments and hands
// sealed segments to delivery workers. A segment is sealed when its size or
// its age crosses a threshold, whichever happens first.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/spillway/internal/metrics"
	"github.com/tinytelemetry/spillway/internal/model"
)

const (
	DefaultSizeThreshold = model.DefaultSizeThreshold
	DefaultTimeThreshold = model.DefaultTimeThreshold
	DefaultCheckInterval = model.DefaultFlushCheckInterval
	DefaultQueueSize     = 16
	DefaultWorkers       = 2
)

// Deliverer writes one sealed segment to durable storage. A nil error means
// the segment was delivered; any error is terminal for that segment.
type Deliverer interface {
	Write(ctx context.Context, seg *Segment) error
}

// FailureHandler receives segments whose delivery failed. It is the
// operator-visible channel for lost data and must not block for long.
type FailureHandler func(seg *Segment, err error)

// Journal durably records accepted records until their segment is terminal.
type Journal interface {
	Append(record model.Record) (uint64, error)
	Commit(seq uint64) error
	Close() error
}

// Config holds tunable parameters for the engine.
type Config struct {
	SizeThreshold int64
	TimeThreshold time.Duration
	CheckInterval time.Duration
	QueueSize     int
	Workers       int
	OnFailure     FailureHandler
	Journal       Journal
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	OpenRecords int   `json:"open_records"`
	OpenBytes   int64 `json:"open_bytes"`
	Parked      bool  `json:"parked"`
	QueueDepth  int   `json:"queue_depth"`
	Sealed      int64 `json:"sealed"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
}

// Engine owns the single open segment and the delivery workers.
// Append never blocks on delivery I/O.
type Engine struct {
	sink          Deliverer
	sizeThreshold int64
	timeThreshold time.Duration
	checkInterval time.Duration
	onFailure     FailureHandler
	journal       Journal
	now           func() time.Time

	mu      sync.Mutex
	open    *Segment
	parked  *Segment // sealed but not yet accepted by the queue
	closed  bool
	sealSeq uint64

	queue   chan *Segment
	commits *commitTracker

	deliverCtx    context.Context
	cancelDeliver context.CancelFunc

	done      chan struct{}
	tickWg    sync.WaitGroup
	workerWg  sync.WaitGroup
	drainOnce sync.Once
	drainErr  error

	sealed    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// NewEngine creates an engine and starts its flush ticker and delivery workers.
func NewEngine(sink Deliverer, conf ...Config) *Engine {
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	return newEngine(sink, cfg, time.Now)
}

func newEngine(sink Deliverer, cfg Config, now func() time.Time) *Engine {
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = DefaultSizeThreshold
	}
	if cfg.TimeThreshold <= 0 {
		cfg.TimeThreshold = DefaultTimeThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.OnFailure == nil {
		cfg.OnFailure = LogFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sink:          sink,
		sizeThreshold: cfg.SizeThreshold,
		timeThreshold: cfg.TimeThreshold,
		checkInterval: cfg.CheckInterval,
		onFailure:     cfg.OnFailure,
		journal:       cfg.Journal,
		now:           now,
		queue:         make(chan *Segment, cfg.QueueSize),
		deliverCtx:    ctx,
		cancelDeliver: cancel,
		done:          make(chan struct{}),
	}
	if cfg.Journal != nil {
		e.commits = &commitTracker{journal: cfg.Journal}
	}

	for i := 0; i < cfg.Workers; i++ {
		e.workerWg.Add(1)
		go e.deliveryWorker()
	}

	e.tickWg.Add(1)
	go e.tickLoop()

	return e
}

// Append adds one record to the open segment and seals it when a threshold
// is reached. It fails with model.ErrQueueFull while a sealed segment is
// still waiting for delivery capacity, and with model.ErrClosed after Drain.
func (e *Engine) Append(record model.Record) error {
	line, err := record.Encode()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return model.ErrClosed
	}
	if e.parked != nil && !e.enqueueParkedLocked() {
		e.logBackpressure()
		return model.ErrQueueFull
	}

	var seq uint64
	if e.journal != nil {
		// Journaled under the engine lock so sequence order matches segment order.
		seq, err = e.journal.Append(record)
		if err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
	}

	now := e.now()
	if e.open == nil {
		e.open = newSegment(now)
	}
	e.open.add(line, seq)
	metrics.OpenSegmentBytes.Set(float64(e.open.byteSize))

	if trigger := e.dueLocked(now); trigger != "" {
		if seg := e.sealLocked(now, trigger); seg != nil {
			e.parked = seg
			e.enqueueParkedLocked()
		}
	}
	return nil
}

// Drain seals any non-empty open segment, hands every sealed segment to the
// workers, and waits for all deliveries to reach a terminal state. If ctx
// ends first, in-flight deliveries are aborted and reported through the
// failure handler, and ctx.Err() is returned. Later calls return the first
// result.
func (e *Engine) Drain(ctx context.Context) error {
	e.drainOnce.Do(func() {
		e.drainErr = e.drain(ctx)
	})
	return e.drainErr
}

func (e *Engine) drain(ctx context.Context) error {
	close(e.done)
	e.tickWg.Wait()

	e.mu.Lock()
	e.closed = true
	var pending []*Segment
	if e.parked != nil {
		pending = append(pending, e.parked)
		e.parked = nil
	}
	if e.open != nil && e.open.RecordCount() > 0 {
		if seg := e.sealLocked(e.now(), TriggerDrain); seg != nil {
			pending = append(pending, seg)
		}
	}
	e.mu.Unlock()

	var err error
	for i, seg := range pending {
		select {
		case e.queue <- seg:
		case <-ctx.Done():
			err = ctx.Err()
			for _, lost := range pending[i:] {
				e.finish(lost, err, false)
			}
		}
		if err != nil {
			break
		}
	}
	close(e.queue)

	workersDone := make(chan struct{})
	go func() {
		e.workerWg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
		e.cancelDeliver()
		<-workersDone
	}
	e.cancelDeliver()

	if e.journal != nil {
		if cerr := e.journal.Close(); cerr != nil {
			log.Printf("buffer: journal close error: %v", cerr)
		}
	}
	return err
}

// Stats returns counters and the open segment's current size.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Parked:     e.parked != nil,
		QueueDepth: len(e.queue),
		Sealed:     e.sealed.Load(),
		Delivered:  e.delivered.Load(),
		Failed:     e.failed.Load(),
	}
	if e.open != nil {
		s.OpenRecords = e.open.RecordCount()
		s.OpenBytes = e.open.ByteSize()
	}
	return s
}

// tickLoop evaluates the age threshold independently of appends.
func (e *Engine) tickLoop() {
	defer e.tickWg.Done()
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.checkThresholds()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) checkThresholds() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if e.parked != nil && !e.enqueueParkedLocked() {
		e.logBackpressure()
		return
	}
	now := e.now()
	if trigger := e.dueLocked(now); trigger != "" {
		if seg := e.sealLocked(now, trigger); seg != nil {
			e.parked = seg
			e.enqueueParkedLocked()
		}
	}
}

// dueLocked reports which threshold, if any, the open segment has reached.
// When both are reached the size trigger is reported; the segment is still
// sealed only once.
func (e *Engine) dueLocked(now time.Time) string {
	if e.open == nil || e.open.RecordCount() == 0 {
		return ""
	}
	if e.open.byteSize >= e.sizeThreshold {
		return TriggerSize
	}
	if now.Sub(e.open.OpenedAt) >= e.timeThreshold {
		return TriggerAge
	}
	return ""
}

// sealLocked detaches the open segment. The next append opens a fresh one,
// so writers are never blocked by the sealed segment's delivery. It returns
// nil if another trigger already sealed the segment.
func (e *Engine) sealLocked(now time.Time, trigger string) *Segment {
	seg := e.open
	e.open = nil
	if !seg.transition(StateOpen, StateFlushing) {
		return nil
	}
	seg.SealedAt = now
	seg.Trigger = trigger

	e.sealSeq++
	seg.seq = e.sealSeq
	if e.commits != nil {
		e.commits.track(seg)
	}

	e.sealed.Add(1)
	metrics.SegmentsSealedTotal.WithLabelValues(trigger).Inc()
	metrics.SegmentBytes.Observe(float64(seg.byteSize))
	metrics.OpenSegmentBytes.Set(0)
	return seg
}

// enqueueParkedLocked offers the parked segment to the delivery queue
// without blocking.
func (e *Engine) enqueueParkedLocked() bool {
	select {
	case e.queue <- e.parked:
		e.parked = nil
		return true
	default:
		return false
	}
}

func (e *Engine) deliveryWorker() {
	defer e.workerWg.Done()
	for seg := range e.queue {
		err := e.sink.Write(e.deliverCtx, seg)
		// Segments cut short by a shutdown deadline stay uncommitted in the
		// journal so the next start replays them.
		aborted := err != nil && e.deliverCtx.Err() != nil && errors.Is(err, context.Canceled)
		e.finish(seg, err, !aborted)
	}
}

func (e *Engine) finish(seg *Segment, err error, commit bool) {
	if err == nil {
		seg.transition(StateFlushing, StateDelivered)
		e.delivered.Add(1)
	} else {
		seg.transition(StateFlushing, StateFailed)
		e.failed.Add(1)
		metrics.DeliveryFailuresTotal.Inc()
		e.onFailure(seg, err)
	}
	if !seg.SealedAt.IsZero() {
		metrics.DeliveryDurationSeconds.Observe(e.now().Sub(seg.SealedAt).Seconds())
	}
	if e.commits != nil {
		e.commits.finish(seg, commit)
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds)
// while appends are refused because the delivery queue is full.
func (e *Engine) logBackpressure() {
	count := e.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := e.lastBPLog.Load()
	if now-last >= 10 && e.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("buffer: backpressure, %d appends refused (delivery queue full, durable store falling behind)", count)
	}
}

// LogFailure is the default failure handler. It logs everything an operator
// needs to locate and recover the segment's records.
func LogFailure(seg *Segment, err error) {
	log.Printf("buffer: segment delivery failed id=%s records=%d bytes=%d opened=%s sealed=%s trigger=%s: %v",
		seg.ID, seg.RecordCount(), seg.ByteSize(),
		seg.OpenedAt.UTC().Format(time.RFC3339Nano), seg.SealedAt.UTC().Format(time.RFC3339Nano),
		seg.Trigger, err)
}
