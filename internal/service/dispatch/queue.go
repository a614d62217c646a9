// Package dispatch moves finalized segments to the transcriber one at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voice-expense-service/internal/observability/metrics"
	"voice-expense-service/internal/service/segment"
	"voice-expense-service/internal/service/stt"
)

// DefaultTimeout bounds a single transcription call.
const DefaultTimeout = 5 * time.Second

var (
	ErrDispatchTimeout   = errors.New("transcription timed out")
	ErrDispatchFailed    = errors.New("transcription failed")
	ErrStopped           = errors.New("dispatch queue stopped")
	ErrDuplicateSequence = errors.New("sequence already queued")
)

// PendingTranscript tracks one dispatched segment until it is resolved.
type PendingTranscript struct {
	SequenceID int64
	Timestamp  time.Time
	Text       string
	Resolved   bool
}

// Result is the per-segment outcome delivered to the submitter.
type Result struct {
	SequenceID int64
	Text       string
	Err        error
}

// Hooks receive queue outcomes. They run on the worker goroutine, outside the queue lock.
type Hooks struct {
	Resolved func(PendingTranscript)
	Failed   func(sequenceID int64, err error)
}

type item struct {
	seg    segment.Segment
	result chan Result
}

// Queue is a FIFO of segments drained by a single worker.
// At most one transcription call is in flight.
type Queue struct {
	transcriber stt.Transcriber
	timeout     time.Duration
	hooks       Hooks
	metrics     *metrics.Metrics
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	items   []item
	pending map[int64]*PendingTranscript
	running bool
	stopped bool
}

// NewQueue creates a queue. A non-positive timeout uses DefaultTimeout.
func NewQueue(t stt.Transcriber, timeout time.Duration, hooks Hooks, log zerolog.Logger) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		transcriber: t,
		timeout:     timeout,
		hooks:       hooks,
		metrics:     metrics.DefaultMetrics,
		log:         log.With().Str("component", "dispatch").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[int64]*PendingTranscript),
	}
}

// Enqueue adds seg and starts the worker if it is idle.
// The returned channel receives exactly one Result.
func (q *Queue) Enqueue(seg segment.Segment) <-chan Result {
	ch := make(chan Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		ch <- Result{SequenceID: seg.SequenceID, Err: ErrStopped}
		return ch
	}
	if q.queuedLocked(seg.SequenceID) {
		ch <- Result{SequenceID: seg.SequenceID, Err: ErrDuplicateSequence}
		return ch
	}

	q.items = append(q.items, item{seg: seg, result: ch})
	q.metrics.RecordQueueDelta(1)
	q.startLocked()
	return ch
}

// Resume restarts draining after a failure stopped the worker.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.stopped {
		q.startLocked()
	}
}

// Len returns the number of segments not yet resolved or failed, including the in-flight one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Running reports whether the worker is draining.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns copies of the transcripts currently awaiting resolution.
func (q *Queue) Pending() []PendingTranscript {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingTranscript, 0, len(q.pending))
	for _, pt := range q.pending {
		out = append(out, *pt)
	}
	return out
}

// Stop aborts the in-flight call and discards everything queued.
// Unresolved segments receive ErrStopped and are never handed to Hooks.Resolved.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	items := q.items
	q.items = nil
	q.pending = make(map[int64]*PendingTranscript)
	q.metrics.RecordQueueDelta(-len(items))
	q.mu.Unlock()

	q.cancel()
	for _, it := range items {
		it.result <- Result{SequenceID: it.seg.SequenceID, Err: ErrStopped}
	}
	q.wg.Wait()

	if len(items) > 0 {
		q.log.Info().Int("discarded", len(items)).Msg("Dispatch queue stopped")
	}
}

func (q *Queue) queuedLocked(seq int64) bool {
	if _, ok := q.pending[seq]; ok {
		return true
	}
	for _, it := range q.items {
		if it.seg.SequenceID == seq {
			return true
		}
	}
	return false
}

func (q *Queue) startLocked() {
	if q.running || len(q.items) == 0 {
		return
	}
	q.running = true
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.stopped || len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		seq := it.seg.SequenceID
		pt := &PendingTranscript{SequenceID: seq, Timestamp: time.Now()}
		q.pending[seq] = pt
		q.mu.Unlock()

		start := time.Now()
		text, err := q.call(it.seg.Audio)
		latency := time.Since(start)

		q.mu.Lock()
		if q.stopped {
			// Stop already answered this item.
			q.running = false
			q.mu.Unlock()
			return
		}
		q.items = q.items[1:]
		q.metrics.RecordQueueDelta(-1)

		if err != nil {
			delete(q.pending, seq)
			q.running = false
			q.mu.Unlock()

			kind := "failure"
			if errors.Is(err, ErrDispatchTimeout) {
				kind = "timeout"
			}
			q.metrics.RecordDispatch(latency.Seconds(), kind)
			q.log.Warn().Err(err).Int64("sequenceId", seq).Dur("latency", latency).
				Msg("Dispatch failed, worker paused")

			if q.hooks.Failed != nil {
				q.hooks.Failed(seq, err)
			}
			it.result <- Result{SequenceID: seq, Err: err}
			return
		}

		pt.Text = text
		pt.Resolved = true
		resolved := *pt
		q.mu.Unlock()

		q.metrics.RecordDispatch(latency.Seconds(), "")
		q.log.Debug().Int64("sequenceId", seq).Dur("latency", latency).Msg("Segment transcribed")

		if q.hooks.Resolved != nil {
			q.hooks.Resolved(resolved)
		}
		q.mu.Lock()
		delete(q.pending, seq)
		q.mu.Unlock()

		it.result <- Result{SequenceID: seq, Text: text}
	}
}

type outcome struct {
	text string
	err  error
}

// call runs one bounded transcription. It returns on timeout or Stop even
// if the transcriber ignores its context.
func (q *Queue) call(audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		text, err := q.transcriber.Transcribe(ctx, audio)
		done <- outcome{text: text, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.text, nil
		}
		if q.ctx.Err() != nil {
			return "", ErrStopped
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %v", ErrDispatchTimeout, q.timeout)
		}
		return "", fmt.Errorf("%w: %w", ErrDispatchFailed, o.err)
	case <-ctx.Done():
		if q.ctx.Err() != nil {
			return "", ErrStopped
		}
		return "", fmt.Errorf("%w after %v", ErrDispatchTimeout, q.timeout)
	}
}
