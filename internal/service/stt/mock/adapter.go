// Package mock provides a mock transcriber for running without cloud credentials.
// It cycles through canned expense utterances with a simulated processing delay,
// or delegates to a scripted function in tests.
package mock

import (
	"context"
	"sync"
	"time"

	"voice-expense-service/internal/service/stt"
)

// DefaultUtterances provides sample transcripts for simulation.
var DefaultUtterances = []string{
	"I spent forty dollars on coffee",
	"twelve fifty for lunch at Joe's Diner",
	"paid eighty five dollars at the gas station yesterday",
	"uber to the airport was thirty two dollars",
	"groceries at Whole Foods sixty seven dollars",
}

// Func computes a transcript directly from the audio payload.
type Func func(audio []byte) (string, error)

// Option configures a Transcriber.
type Option func(*Transcriber)

// WithDelay sets the simulated processing delay.
func WithDelay(d time.Duration) Option {
	return func(t *Transcriber) { t.delay = d }
}

// WithUtterances replaces the canned transcripts.
func WithUtterances(u []string) Option {
	return func(t *Transcriber) { t.utterances = u }
}

// WithFunc makes Transcribe delegate to fn.
func WithFunc(fn Func) Option {
	return func(t *Transcriber) { t.fn = fn }
}

// Echo returns the audio bytes as text. Handy for pipeline tests.
func Echo() Option {
	return WithFunc(func(audio []byte) (string, error) { return string(audio), nil })
}

// Transcriber implements stt.Transcriber with canned responses.
type Transcriber struct {
	mu         sync.Mutex
	utterances []string
	next       int
	calls      int
	delay      time.Duration
	fn         Func
}

// New creates a mock transcriber with a 100ms default delay.
func New(opts ...Option) *Transcriber {
	t := &Transcriber{
		utterances: DefaultUtterances,
		delay:      100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transcriber) Name() string {
	return "mock"
}

// Transcribe waits for the simulated delay, honoring ctx, then returns text.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", stt.ErrEmptyAudio
	}

	t.mu.Lock()
	t.calls++
	delay := t.delay
	fn := t.fn
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if fn != nil {
		return fn(audio)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.utterances) == 0 {
		return "", nil
	}
	text := t.utterances[t.next%len(t.utterances)]
	t.next++
	return text, nil
}

// Calls returns how many times Transcribe was invoked.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
