package segment

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the capture state of the segmenter.
type State int

const (
	// StateIdle - no voice; frames feed the pre-roll ring.
	StateIdle State = iota
	// StateCapturing - voice detected, frames accumulate into the active segment.
	StateCapturing
	// StateSettling - voice stopped, trailing audio is captured until the settle delay passes.
	StateSettling
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCapturing:
		return "CAPTURING"
	case StateSettling:
		return "SETTLING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsActive returns true while a segment is being captured.
func (s State) IsActive() bool {
	return s == StateCapturing || s == StateSettling
}

// Errors for invalid state transitions.
var (
	ErrAlreadyCapturing = errors.New("segment capture already in progress")
	ErrNotCapturing     = errors.New("no segment capture in progress")
	ErrNotSettling      = errors.New("segment is not settling")
)

// Lifecycle manages the capture state machine.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → CAPTURING ⇄ SETTLING
//	         │            │
//	         └── Finish() ┴──→ IDLE (segment emitted or discarded)
type Lifecycle struct {
	mu       sync.RWMutex
	state    State
	finished int
}

// NewLifecycle creates a lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Finished returns how many captures have been finished.
func (l *Lifecycle) Finished() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finished
}

// Start begins a capture on voice-start.
func (l *Lifecycle) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return ErrAlreadyCapturing
	}
	l.state = StateCapturing
	return nil
}

// Settle moves a capture into the settle delay on voice-stop.
// Calling it while already settling is a no-op.
func (l *Lifecycle) Settle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateCapturing, StateSettling:
		l.state = StateSettling
		return nil
	default:
		return ErrNotCapturing
	}
}

// Resume returns to capturing when voice comes back during the settle delay.
func (l *Lifecycle) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateSettling {
		return ErrNotSettling
	}
	l.state = StateCapturing
	return nil
}

// Finish ends the capture and returns to IDLE.
func (l *Lifecycle) Finish() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.IsActive() {
		return ErrNotCapturing
	}
	l.state = StateIdle
	l.finished++
	return nil
}

// Reset abandons any capture. Idempotent.
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateIdle
}
