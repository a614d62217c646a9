package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"voice-expense-service/internal/service/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

func TestTranscriber_CyclesUtterances(t *testing.T) {
	tr := New(WithDelay(0), WithUtterances([]string{"a", "b"}))

	var got []string
	for i := 0; i < 3; i++ {
		text, err := tr.Transcribe(context.Background(), []byte{1})
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		got = append(got, text)
	}

	want := []string{"a", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if tr.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", tr.Calls())
	}
}

func TestTranscriber_Echo(t *testing.T) {
	tr := New(WithDelay(0), Echo())

	text, err := tr.Transcribe(context.Background(), []byte("on coffee"))
	if err != nil || text != "on coffee" {
		t.Fatalf("expected echo, got %q err=%v", text, err)
	}
}

func TestTranscriber_FuncError(t *testing.T) {
	boom := errors.New("boom")
	tr := New(WithDelay(0), WithFunc(func([]byte) (string, error) { return "", boom }))

	if _, err := tr.Transcribe(context.Background(), []byte{1}); !errors.Is(err, boom) {
		t.Errorf("expected scripted error, got %v", err)
	}
}

func TestTranscriber_EmptyAudio(t *testing.T) {
	tr := New(WithDelay(0))
	if _, err := tr.Transcribe(context.Background(), nil); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestTranscriber_HonorsContext(t *testing.T) {
	tr := New(WithDelay(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Transcribe(ctx, []byte{1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Transcribe ignored cancellation, took %v", time.Since(start))
	}
}

func TestTranscriber_DefaultDelay(t *testing.T) {
	tr := New()

	start := time.Now()
	text, err := tr.Transcribe(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != DefaultUtterances[0] {
		t.Errorf("expected first default utterance, got %q", text)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected simulated delay, took %v", elapsed)
	}
}
