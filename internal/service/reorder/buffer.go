// Package reorder releases transcribed fragments strictly in sequence order.
package reorder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultGapTimeout is how long buffered fragments wait behind a missing sequence ID.
const DefaultGapTimeout = 5 * time.Second

// DefaultMaxAhead is how far past the cursor a sequence ID may be accepted.
const DefaultMaxAhead = 1024

// MaxSequenceID is the largest sequence ID any session accepts.
const MaxSequenceID int64 = 1<<31 - 1

var (
	// ErrStale is returned for a sequence ID the cursor has already passed.
	ErrStale = errors.New("sequence already released or skipped")
	// ErrDuplicate is returned for a sequence ID that is already buffered.
	ErrDuplicate = errors.New("sequence already buffered")
	// ErrTooFarAhead is returned for a sequence ID beyond the forward window.
	ErrTooFarAhead = errors.New("sequence too far ahead of cursor")
)

// Fragment is one released, in-order transcript.
type Fragment struct {
	SequenceID int64
	Text       string
}

// Hooks receive buffer output. They run while the buffer is locked, so
// they must not block or call back into the buffer.
type Hooks struct {
	Release func(Fragment)
	// Lost is called once per skipped gap with the inclusive range [from, to].
	Lost func(from, to int64, waited time.Duration)
}

type entry struct {
	text       string
	insertedAt time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxAhead overrides DefaultMaxAhead.
func WithMaxAhead(n int64) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxAhead = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer holds out-of-order transcripts until the run starting at the cursor is complete.
type Buffer struct {
	mu           sync.Mutex
	next         int64
	entries      map[int64]entry
	stalledSince time.Time
	gapTimeout   time.Duration
	maxAhead     int64
	hooks        Hooks
	now          func() time.Time
	released     int
	lost         int
}

// New creates a buffer with its cursor at 0.
func New(gapTimeout time.Duration, hooks Hooks, opts ...Option) *Buffer {
	if gapTimeout <= 0 {
		gapTimeout = DefaultGapTimeout
	}
	b := &Buffer{
		entries:    make(map[int64]entry),
		gapTimeout: gapTimeout,
		maxAhead:   DefaultMaxAhead,
		hooks:      hooks,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve inserts a transcript and releases every fragment that is now contiguous
// with the cursor. Insertion and draining happen under one lock.
func (b *Buffer) Resolve(seq int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(seq); err != nil {
		return err
	}
	if _, ok := b.entries[seq]; ok {
		return fmt.Errorf("%w: sequence %d", ErrDuplicate, seq)
	}

	now := b.now()
	b.entries[seq] = entry{text: text, insertedAt: now}
	b.drainLocked(now)
	if len(b.entries) > 0 && b.stalledSince.IsZero() {
		b.stalledSince = now
	}
	return nil
}

// Check reports whether seq falls inside the window the buffer accepts:
// not behind the cursor and less than the forward window ahead of it.
func (b *Buffer) Check(seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked(seq)
}

func (b *Buffer) checkLocked(seq int64) error {
	if seq < b.next {
		return fmt.Errorf("%w: sequence %d, cursor %d", ErrStale, seq, b.next)
	}
	if seq > MaxSequenceID || seq-b.next >= b.maxAhead {
		return fmt.Errorf("%w: sequence %d, cursor %d, window %d", ErrTooFarAhead, seq, b.next, b.maxAhead)
	}
	return nil
}

// Expire skips the cursor past a gap that has blocked buffered fragments for
// at least the gap timeout. The skipped range is reported through Hooks.Lost
// once. It returns the number of skipped IDs.
func (b *Buffer) Expire(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 || b.stalledSince.IsZero() {
		return 0
	}
	waited := now.Sub(b.stalledSince)
	if waited < b.gapTimeout {
		return 0
	}

	lowest := b.lowestLocked()
	skipped := int(lowest - b.next)
	b.lost += skipped
	if b.hooks.Lost != nil {
		b.hooks.Lost(b.next, lowest-1, waited)
	}
	b.next = lowest
	b.drainLocked(now)
	return skipped
}

// Reset clears buffered fragments and returns the cursor to 0.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[int64]entry)
	b.next = 0
	b.stalledSince = time.Time{}
}

// Next returns the sequence ID the buffer is waiting for.
func (b *Buffer) Next() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Buffered returns the sequence IDs waiting behind the cursor, ascending.
func (b *Buffer) Buffered() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns released and lost counts.
func (b *Buffer) Stats() (released, lost int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released, b.lost
}

func (b *Buffer) drainLocked(now time.Time) {
	advanced := false
	for {
		e, ok := b.entries[b.next]
		if !ok {
			break
		}
		delete(b.entries, b.next)
		b.released++
		if b.hooks.Release != nil {
			b.hooks.Release(Fragment{SequenceID: b.next, Text: e.text})
		}
		b.next++
		advanced = true
	}
	if !advanced {
		return
	}
	// A fresh gap gets a full timeout window.
	if len(b.entries) > 0 {
		b.stalledSince = now
	} else {
		b.stalledSince = time.Time{}
	}
}

func (b *Buffer) lowestLocked() int64 {
	first := true
	var lowest int64
	for id := range b.entries {
		if first || id < lowest {
			lowest = id
			first = false
		}
	}
	return lowest
}
