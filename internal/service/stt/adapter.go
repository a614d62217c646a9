// Package stt defines the speech-to-text boundary used by the dispatch queue.
package stt

import (
	"context"
	"errors"
)

// Transcriber turns one segment of audio into plain text.
// Implementations must honor ctx cancellation.
type Transcriber interface {
	// Transcribe returns the transcript of audio, or an error.
	Transcribe(ctx context.Context, audio []byte) (string, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// ErrEmptyAudio is returned for zero-length input.
var ErrEmptyAudio = errors.New("empty audio")
