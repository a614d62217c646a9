// Package segment turns a continuous PCM stream into sequence-numbered voice segments.
package segment

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Segment is one finalized unit of captured speech. Immutable once emitted.
type Segment struct {
	SequenceID      int64
	CapturedAt      time.Time
	Audio           []byte
	PreRollIncluded bool
	Duration        time.Duration // total audio including pre-roll
	SpeechDuration  time.Duration // voice-start to last voice frame
}

// Generator issues per-session sequence IDs starting at 0.
type Generator struct {
	next atomic.Int64
}

func New() *Generator {
	return &Generator{}
}

// Next returns the next sequence ID. Safe for concurrent use.
func (g *Generator) Next() int64 {
	return g.next.Add(1) - 1
}

// Peek returns the ID the next call to Next will issue.
func (g *Generator) Peek() int64 {
	return g.next.Load()
}

// ErrDeviceUnavailable is wrapped by every DeviceError.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// DeviceError reports that the capture device failed. It is fatal to the session.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture device %q unavailable", e.Device)
	}
	return fmt.Sprintf("capture device %q unavailable: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeviceUnavailable}
	}
	return []error{ErrDeviceUnavailable, e.Err}
}
