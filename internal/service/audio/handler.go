// Package audio drives capture: it reads frames from a source, runs the
// segmenter and hands finalized segments to a submitter.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voice-expense-service/internal/observability/metrics"
	"voice-expense-service/internal/service/segment"
)

// SegmentLimits defines safety guardrails for emitted segments.
type SegmentLimits struct {
	MaxAudioBytes int64         // Max audio per segment
	MaxDuration   time.Duration // Max segment duration
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() SegmentLimits {
	return SegmentLimits{
		MaxAudioBytes: 5 * 1024 * 1024, // 5MB (~160 seconds at 16kHz 16-bit mono)
		MaxDuration:   time.Minute,
	}
}

// Submitter receives finalized segments, e.g. a session or a transport client.
type Submitter interface {
	Submit(ctx context.Context, seg segment.Segment) error
}

// Drop describes a segment or capture that never reached the submitter.
type Drop struct {
	SequenceID *int64
	Reason     string
	Discarded  bool // below minimum speech duration
}

// Handler runs one capture loop. Not reusable across concurrent Run calls.
type Handler struct {
	segmenter *segment.Segmenter
	submitter Submitter
	limits    SegmentLimits
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu        sync.RWMutex
	onDrop    func(Drop)
	frames    int64
	bytes     int64
	submitted int
	dropped   int
}

// NewHandler creates a capture handler with default limits.
func NewHandler(seg *segment.Segmenter, sub Submitter, log zerolog.Logger) *Handler {
	return NewHandlerWithLimits(seg, sub, log, DefaultLimits())
}

// NewHandlerWithLimits creates a capture handler with custom segment limits.
func NewHandlerWithLimits(seg *segment.Segmenter, sub Submitter, log zerolog.Logger, limits SegmentLimits) *Handler {
	h := &Handler{
		segmenter: seg,
		submitter: sub,
		limits:    limits,
		metrics:   metrics.DefaultMetrics,
		log:       log.With().Str("component", "capture").Logger(),
	}
	seg.SetDiscardHandler(func(d segment.Discard) {
		h.metrics.RecordSegmentDiscarded("too_short")
		h.report(Drop{
			Reason:    fmt.Sprintf("speech %v below minimum", d.SpeechDuration),
			Discarded: true,
		})
	})
	return h
}

// SetDropHandler sets a callback for discarded and dropped segments.
func (h *Handler) SetDropHandler(fn func(Drop)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Run reads src until EOF, ctx cancellation or a device failure.
// A device failure returns a *segment.DeviceError and emits nothing partial.
func (h *Handler) Run(ctx context.Context, src FrameSource) error {
	if src == nil {
		return &segment.DeviceError{Device: "none", Err: errors.New("no frame source")}
	}
	h.log.Info().Str("device", src.Name()).Msg("Capture started")

	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if seg := h.segmenter.Flush(); seg != nil {
					if err := h.emit(ctx, *seg); err != nil {
						return err
					}
				}
				h.logDone(src)
				return nil
			}
			h.segmenter.Reset()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			h.log.Error().Err(err).Str("device", src.Name()).Msg("Capture device failed")
			return &segment.DeviceError{Device: src.Name(), Err: err}
		}

		h.mu.Lock()
		h.frames++
		h.bytes += int64(len(frame))
		h.mu.Unlock()

		seg, err := h.segmenter.Push(frame)
		if err != nil {
			h.log.Warn().Err(err).Msg("Segmenter rejected frame")
			continue
		}
		if seg != nil {
			if err := h.emit(ctx, *seg); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) emit(ctx context.Context, seg segment.Segment) error {
	if reason := h.limits.exceeded(seg); reason != "" {
		h.metrics.RecordSegmentDiscarded("limit")
		h.report(Drop{SequenceID: &seg.SequenceID, Reason: reason})
		return nil
	}

	h.metrics.RecordSegmentCreated(len(seg.Audio))
	if err := h.submitter.Submit(ctx, seg); err != nil {
		return fmt.Errorf("submit segment %d: %w", seg.SequenceID, err)
	}

	h.mu.Lock()
	h.submitted++
	h.mu.Unlock()

	h.log.Debug().
		Int64("sequenceId", seg.SequenceID).
		Dur("duration", seg.Duration).
		Bool("preRoll", seg.PreRollIncluded).
		Int("bytes", len(seg.Audio)).
		Msg("Segment submitted")
	return nil
}

func (l SegmentLimits) exceeded(seg segment.Segment) string {
	if l.MaxAudioBytes > 0 && int64(len(seg.Audio)) > l.MaxAudioBytes {
		return fmt.Sprintf("max audio bytes exceeded: %d > %d", len(seg.Audio), l.MaxAudioBytes)
	}
	if l.MaxDuration > 0 && seg.Duration > l.MaxDuration {
		return fmt.Sprintf("max duration exceeded: %v > %v", seg.Duration, l.MaxDuration)
	}
	return ""
}

func (h *Handler) report(d Drop) {
	h.mu.Lock()
	h.dropped++
	cb := h.onDrop
	h.mu.Unlock()

	ev := h.log.Info().Str("reason", d.Reason).Bool("discarded", d.Discarded)
	if d.SequenceID != nil {
		ev = ev.Int64("sequenceId", *d.SequenceID)
	}
	ev.Msg("Segment dropped")

	if cb != nil {
		cb(d)
	}
}

func (h *Handler) logDone(src FrameSource) {
	s := h.Stats()
	h.log.Info().
		Str("device", src.Name()).
		Int64("frames", s.Frames).
		Int64("bytes", s.Bytes).
		Int("submitted", s.Submitted).
		Int("dropped", s.Dropped).
		Msg("Capture finished")
}

// Stats holds capture counters for observability.
type Stats struct {
	Frames    int64
	Bytes     int64
	Submitted int
	Dropped   int
}

// Stats returns the current capture counters.
func (h *Handler) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Frames: h.frames, Bytes: h.bytes, Submitted: h.submitted, Dropped: h.dropped}
}
