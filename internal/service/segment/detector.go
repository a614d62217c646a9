package segment

import (
	"encoding/binary"
	"errors"
	"math"
)

// Detector classifies a PCM frame as voice or non-voice.
type Detector interface {
	IsVoice(frame []byte) (bool, error)
}

// ErrMalformedFrame is returned for frames that are not whole 16-bit samples.
var ErrMalformedFrame = errors.New("malformed LINEAR16 frame")

// DefaultEnergyThreshold is the RMS level above which a frame counts as voice.
const DefaultEnergyThreshold = 500

// EnergyDetector is an RMS threshold detector over 16-bit little-endian mono PCM.
type EnergyDetector struct {
	Threshold float64
}

// NewEnergyDetector returns a detector with the given threshold, or the default when <= 0.
func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyDetector{Threshold: threshold}
}

func (d *EnergyDetector) IsVoice(frame []byte) (bool, error) {
	if len(frame)%2 != 0 {
		return false, ErrMalformedFrame
	}
	return RMS(frame) >= d.Threshold, nil
}

// RMS returns the root mean square of the samples in frame.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
