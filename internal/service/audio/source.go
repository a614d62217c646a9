package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"voice-expense-service/internal/service/segment"
)

// FrameSource yields raw LINEAR16 frames from a capture device. io.EOF ends the stream.
type FrameSource interface {
	Name() string
	ReadFrame(ctx context.Context) ([]byte, error)
}

// ReaderSource cuts an io.Reader into fixed-size frames.
type ReaderSource struct {
	name       string
	r          io.Reader
	frameBytes int
	pace       time.Duration
	done       bool
}

// NewReaderSource returns a source reading frameBytes per frame.
func NewReaderSource(name string, r io.Reader, frameBytes int) *ReaderSource {
	if frameBytes <= 0 {
		frameBytes = 640
	}
	return &ReaderSource{name: name, r: r, frameBytes: frameBytes}
}

// WithPace makes ReadFrame wait d between frames to simulate live capture.
func (s *ReaderSource) WithPace(d time.Duration) *ReaderSource {
	s.pace = d
	return s
}

func (s *ReaderSource) Name() string {
	return s.name
}

func (s *ReaderSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.pace > 0 {
		t := time.NewTimer(s.pace)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	buf := make([]byte, s.frameBytes)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		return buf[:n], nil
	default:
		return nil, err
	}
}

// Format describes a PCM WAV stream.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// WAVSource streams the data chunk of a PCM WAV file.
type WAVSource struct {
	*ReaderSource
	Format Format
	file   *os.File
}

// OpenWAV opens a 16-bit mono PCM WAV file. Failures are DeviceErrors.
func OpenWAV(path string, frameDuration time.Duration) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &segment.DeviceError{Device: path, Err: err}
	}
	format, err := readWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, &segment.DeviceError{Device: path, Err: err}
	}
	if format.AudioFormat != 1 || format.BitsPerSample != 16 || format.Channels != 1 {
		f.Close()
		return nil, &segment.DeviceError{
			Device: path,
			Err: fmt.Errorf("unsupported format: format=%d channels=%d bits=%d",
				format.AudioFormat, format.Channels, format.BitsPerSample),
		}
	}
	frameBytes := int(time.Duration(format.SampleRate)*frameDuration/time.Second) * 2
	return &WAVSource{
		ReaderSource: NewReaderSource(path, f, frameBytes),
		Format:       format,
		file:         f,
	}, nil
}

// Close releases the underlying file.
func (w *WAVSource) Close() error {
	return w.file.Close()
}

// readWAVHeader walks RIFF chunks up to the start of the data chunk.
func readWAVHeader(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, errors.New("not a RIFF/WAVE file")
	}

	var format Format
	var haveFmt bool
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return Format{}, errors.New("short fmt chunk")
			}
			format = Format{
				AudioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				Channels:      binary.LittleEndian.Uint16(body[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				BitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, errors.New("data chunk before fmt chunk")
			}
			return format, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
