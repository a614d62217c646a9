package segment

import (
	"sync"
	"time"
)

// Config controls segmentation timing. Audio is LINEAR16 mono.
type Config struct {
	SampleRate    int
	FrameDuration time.Duration // nominal frame size, used to size the pre-roll ring
	PreRoll       time.Duration
	Settle        time.Duration
	MinSpeech     time.Duration
	MaxSegment    time.Duration
}

// DefaultConfig returns the standard segmentation timings.
func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		FrameDuration: 20 * time.Millisecond,
		PreRoll:       200 * time.Millisecond,
		Settle:        300 * time.Millisecond,
		MinSpeech:     150 * time.Millisecond,
		MaxSegment:    30 * time.Second,
	}
}

// Discard describes a capture that finished below the minimum speech duration.
type Discard struct {
	SpeechDuration time.Duration
	CapturedAt     time.Time
}

// Segmenter classifies frames and emits finalized segments.
// Push, Flush and Reset may be called from different goroutines.
type Segmenter struct {
	mu        sync.Mutex
	cfg       Config
	detector  Detector
	gen       *Generator
	lifecycle *Lifecycle
	preroll   *preRoll
	now       func() time.Time
	onDiscard func(Discard)

	active         []byte
	startedAt      time.Time
	elapsed        time.Duration
	speech         time.Duration
	silence        time.Duration
	detectorErrors int
}

// NewSegmenter creates a segmenter. A nil detector uses the energy detector
// and a nil generator starts a fresh ID sequence.
func NewSegmenter(cfg Config, detector Detector, gen *Generator) *Segmenter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultConfig().FrameDuration
	}
	if detector == nil {
		detector = NewEnergyDetector(0)
	}
	if gen == nil {
		gen = New()
	}
	s := &Segmenter{
		cfg:       cfg,
		detector:  detector,
		gen:       gen,
		lifecycle: NewLifecycle(),
		now:       time.Now,
	}
	slots := int((cfg.PreRoll + cfg.FrameDuration - 1) / cfg.FrameDuration)
	s.preroll = newPreRoll(slots, s.frameDuration)
	return s
}

// SetDiscardHandler registers a callback for short captures. It runs with
// the segmenter locked and must not call back into it.
func (s *Segmenter) SetDiscardHandler(fn func(Discard)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDiscard = fn
}

// State returns the capture state.
func (s *Segmenter) State() State {
	return s.lifecycle.State()
}

// DetectorErrors returns how many frames the detector failed to classify.
func (s *Segmenter) DetectorErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectorErrors
}

// Push feeds one frame. It returns a segment when this frame finalized one.
func (s *Segmenter) Push(frame []byte) (*Segment, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	voice, err := s.detector.IsVoice(frame)
	if err != nil {
		// A bad frame counts as silence; it must not disturb ID issuance.
		s.detectorErrors++
		voice = false
	}
	d := s.frameDuration(frame)

	if !s.lifecycle.State().IsActive() {
		if !voice {
			s.preroll.push(frame)
			return nil, nil
		}
		if err := s.lifecycle.Start(); err != nil {
			return nil, err
		}
		s.startedAt = s.now()
		s.active = append([]byte(nil), frame...)
		s.elapsed = d
		s.speech = d
		s.silence = 0
		return nil, nil
	}

	s.active = append(s.active, frame...)
	s.elapsed += d
	if voice {
		s.speech = s.elapsed
		s.silence = 0
		if s.lifecycle.State() == StateSettling {
			if err := s.lifecycle.Resume(); err != nil {
				return nil, err
			}
		}
	} else {
		s.silence += d
		if err := s.lifecycle.Settle(); err != nil {
			return nil, err
		}
		if s.silence >= s.cfg.Settle {
			return s.finalizeLocked(), nil
		}
	}
	if s.cfg.MaxSegment > 0 && s.elapsed >= s.cfg.MaxSegment {
		return s.finalizeLocked(), nil
	}
	return nil, nil
}

// Flush finalizes an in-progress capture at end of stream.
func (s *Segmenter) Flush() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lifecycle.State().IsActive() {
		return nil
	}
	return s.finalizeLocked()
}

// Reset drops the active capture and clears the pre-roll.
// The sequence generator keeps counting.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle.Reset()
	s.preroll.clear()
	s.active = nil
	s.elapsed, s.speech, s.silence = 0, 0, 0
}

func (s *Segmenter) finalizeLocked() *Segment {
	_ = s.lifecycle.Finish()
	lead, leadDur := s.preroll.bytes()
	s.preroll.clear()
	active := s.active
	s.active = nil
	speech, elapsed := s.speech, s.elapsed
	s.elapsed, s.speech, s.silence = 0, 0, 0

	if speech < s.cfg.MinSpeech {
		if s.onDiscard != nil {
			s.onDiscard(Discard{SpeechDuration: speech, CapturedAt: s.startedAt})
		}
		return nil
	}

	audio := make([]byte, 0, len(lead)+len(active))
	audio = append(audio, lead...)
	audio = append(audio, active...)
	return &Segment{
		SequenceID:      s.gen.Next(),
		CapturedAt:      s.startedAt,
		Audio:           audio,
		PreRollIncluded: len(lead) > 0,
		Duration:        leadDur + elapsed,
		SpeechDuration:  speech,
	}
}

func (s *Segmenter) frameDuration(frame []byte) time.Duration {
	samples := len(frame) / 2
	return time.Duration(samples) * time.Second / time.Duration(s.cfg.SampleRate)
}
