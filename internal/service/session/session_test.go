package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/service/proposal"
	"voice-expense-service/internal/service/reorder"
	"voice-expense-service/internal/service/segment"
	"voice-expense-service/internal/service/stt/mock"
	"voice-expense-service/internal/store"
)

// fakeGenerator turns each fragment into one proposal.
type fakeGenerator struct {
	store   store.Store
	err     error
	block   chan struct{}
	started chan struct{}
	// suppress adds one session-duplicate suppression per pass.
	suppress bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu      sync.Mutex
	batches [][]int64
}

func (f *fakeGenerator) Generate(ctx context.Context, userID string, frags []reorder.Fragment, existing []models.Proposal) (proposal.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	ids := make([]int64, len(frags))
	for i, fr := range frags {
		ids[i] = fr.SequenceID
	}
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	genErr := f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return proposal.Result{}, ctx.Err()
		}
	}
	if genErr != nil {
		return proposal.Result{}, genErr
	}

	res := proposal.Result{Utterance: proposal.Combine(frags)}
	for _, fr := range frags {
		p := models.Proposal{
			ID:          fmt.Sprintf("%s-p%d", userID, fr.SequenceID),
			UserID:      userID,
			AmountCents: 100 * (fr.SequenceID + 1),
			Currency:    "USD",
			Date:        models.TruncateDay(time.Now()),
			Status:      models.StatusPendingReview,
		}
		if f.store != nil {
			if err := f.store.Insert(ctx, p); err != nil {
				return res, err
			}
		}
		res.Accepted = append(res.Accepted, p)
	}
	if f.suppress {
		res.Suppressed = append(res.Suppressed, proposal.Suppression{Reason: proposal.ReasonSessionDuplicate, MatchedID: "earlier"})
	}
	return res, nil
}

func (f *fakeGenerator) recordedBatches() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.batches...)
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) listen(ev models.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t models.EventType) []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) diagnostics(kind models.DiagnosticKind) []models.Diagnostic {
	var out []models.Diagnostic
	for _, ev := range l.ofType(models.EventDiagnostic) {
		if d := ev.Data.(models.Diagnostic); d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testConfig() Config {
	return Config{
		DispatchTimeout: time.Second,
		GapTimeout:      time.Second,
		ExpireInterval:  10 * time.Millisecond,
		WindowSize:      4,
		PassTimeout:     time.Second,
	}
}

func echoTranscriber() *mock.Transcriber {
	return mock.New(mock.WithDelay(0), mock.WithFunc(func(audio []byte) (string, error) {
		if string(audio) == "fail" {
			return "", errors.New("provider unavailable")
		}
		return string(audio), nil
	}))
}

func newTestSession(t *testing.T, cfg Config, gen ProposalGenerator, st store.Store) (*Session, *eventLog) {
	t.Helper()
	log := &eventLog{}
	s := New("s1", "u1", cfg, Deps{
		Transcriber: echoTranscriber(),
		Generator:   gen,
		Store:       st,
		Observers:   []Listener{log.listen},
	})
	t.Cleanup(s.Stop)
	return s, log
}

func seg(id int64, text string) segment.Segment {
	return segment.Segment{SequenceID: id, Audio: []byte(text), CapturedAt: time.Now()}
}

func TestSession_ReleasesInOrderAndProposes(t *testing.T) {
	gen := &fakeGenerator{}
	s, log := newTestSession(t, testConfig(), gen, store.NewMemory())

	for _, id := range []int64{1, 0, 2} {
		if err := s.Submit(context.Background(), seg(id, fmt.Sprintf("fragment %d", id))); err != nil {
			t.Fatalf("Submit(%d): %v", id, err)
		}
	}

	waitFor(t, "three proposals", func() bool {
		st := s.Snapshot()
		return len(st.Proposals) == 3 && !st.IsProcessing
	})

	released := log.ofType(models.EventTranscriptReleased)
	if len(released) != 3 {
		t.Fatalf("expected 3 released transcripts, got %d", len(released))
	}
	for i, ev := range released {
		tr := ev.Data.(models.TranscriptReleased)
		if tr.SequenceID != int64(i) || tr.Text != fmt.Sprintf("fragment %d", i) {
			t.Errorf("release %d: %+v", i, tr)
		}
	}

	var seen []int64
	for _, b := range gen.recordedBatches() {
		seen = append(seen, b...)
	}
	for i, id := range seen {
		if id != int64(i) {
			t.Fatalf("passes saw fragments out of order: %v", seen)
		}
	}

	st := s.Snapshot()
	if len(st.MessageWindow.New) != 0 {
		t.Errorf("expected consumed messages removed from new, got %+v", st.MessageWindow.New)
	}
	if len(st.MessageWindow.Processed) == 0 {
		t.Error("expected processed messages")
	}
	if len(log.ofType(models.EventProposalsUpdated)) == 0 {
		t.Error("expected proposalsUpdated events")
	}
}

func TestSession_RejectsStaleSubmission(t *testing.T) {
	s, log := newTestSession(t, testConfig(), &fakeGenerator{}, store.NewMemory())

	if err := s.Submit(context.Background(), seg(0, "first")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "release of 0", func() bool { return s.buffer.Next() == 1 })

	r := <-s.Enqueue(seg(0, "again"))
	if !errors.Is(r.Err, reorder.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", r.Err)
	}
	waitFor(t, "stale diagnostic", func() bool {
		return len(log.diagnostics(models.DiagnosticStaleTranscript)) == 1
	})
}

func TestSession_DispatchFailureReported(t *testing.T) {
	s, log := newTestSession(t, testConfig(), &fakeGenerator{}, store.NewMemory())

	r := <-s.Enqueue(seg(0, "fail"))
	if r.Err == nil {
		t.Fatal("expected dispatch failure")
	}

	waitFor(t, "failure events", func() bool {
		return len(log.diagnostics(models.DiagnosticDispatchFailure)) == 1 && len(log.ofType(models.EventError)) == 1
	})
	payload := log.ofType(models.EventError)[0].Data.(models.ErrorPayload)
	if payload.SequenceID == nil || *payload.SequenceID != 0 {
		t.Errorf("expected error keyed by sequence 0, got %+v", payload)
	}

	// The client may resubmit the failed sequence before the gap timeout.
	if r := <-s.Enqueue(seg(0, "retry")); r.Err != nil || r.Text != "retry" {
		t.Errorf("expected resubmission to succeed, got %+v", r)
	}
}

func TestSession_GapSkipReportsLost(t *testing.T) {
	cfg := testConfig()
	cfg.GapTimeout = 50 * time.Millisecond
	s, log := newTestSession(t, cfg, &fakeGenerator{}, store.NewMemory())

	for _, id := range []int64{1, 2} {
		if err := s.Submit(context.Background(), seg(id, "late")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, "gap skip", func() bool { return len(log.ofType(models.EventTranscriptReleased)) == 2 })
	lost := log.diagnostics(models.DiagnosticSegmentLost)
	if len(lost) != 1 || *lost[0].SequenceID != 0 {
		t.Errorf("expected sequence 0 reported lost, got %+v", lost)
	}
}

func TestSession_ForwardWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAhead = 16
	s, log := newTestSession(t, cfg, &fakeGenerator{}, store.NewMemory())

	for _, id := range []int64{16, 1 << 62} {
		r := <-s.Enqueue(seg(id, "far"))
		if !errors.Is(r.Err, reorder.ErrTooFarAhead) {
			t.Fatalf("Enqueue(%d): expected ErrTooFarAhead, got %v", id, r.Err)
		}
	}
	waitFor(t, "drop diagnostics", func() bool {
		return len(log.diagnostics(models.DiagnosticSegmentDropped)) == 2
	})
	if r := <-s.Enqueue(seg(15, "near")); r.Err != nil {
		t.Fatalf("expected ID inside the window to be accepted, got %v", r.Err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked")
	}
	if n := len(log.diagnostics(models.DiagnosticSegmentLost)); n != 0 {
		t.Errorf("expected no lost reports for rejected IDs, got %d", n)
	}
}

func TestSession_WideGapReportedAsRange(t *testing.T) {
	cfg := testConfig()
	cfg.GapTimeout = 50 * time.Millisecond
	s, log := newTestSession(t, cfg, &fakeGenerator{}, store.NewMemory())

	if err := s.Submit(context.Background(), seg(500, "late")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "gap skip", func() bool { return len(log.ofType(models.EventTranscriptReleased)) == 1 })

	lost := log.diagnostics(models.DiagnosticSegmentLost)
	if len(lost) != 1 {
		t.Fatalf("expected one lost report for the gap, got %d", len(lost))
	}
	d := lost[0]
	if *d.SequenceID != 0 || d.ThroughSequenceID == nil || *d.ThroughSequenceID != 499 {
		t.Errorf("expected range 0..499, got %+v", d)
	}
}

func TestSession_SuppressionCarriesSequenceIDs(t *testing.T) {
	s, log := newTestSession(t, testConfig(), &fakeGenerator{suppress: true}, store.NewMemory())

	if err := s.Submit(context.Background(), seg(0, "dup")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "suppression", func() bool {
		return len(log.diagnostics(models.DiagnosticDuplicateSuppressed)) == 1
	})
	d := log.diagnostics(models.DiagnosticDuplicateSuppressed)[0]
	if d.SequenceID == nil || *d.SequenceID != 0 {
		t.Errorf("expected suppression keyed by sequence 0, got %+v", d)
	}
	if len(d.SequenceIDs) != 1 || d.SequenceIDs[0] != 0 || d.ProposalID != "earlier" {
		t.Errorf("unexpected suppression diagnostic %+v", d)
	}
}

func TestSession_EditRejections(t *testing.T) {
	ctx := context.Background()
	amount := func(v float64) *models.ProposalEdit { return &models.ProposalEdit{Amount: &v} }

	tests := []struct {
		name    string
		prepare func(s *Session) error
		edit    *models.ProposalEdit
		wantErr error
	}{
		{
			name: "duplicates session proposal",
			edit: amount(2.00),
		},
		{
			name: "duplicates confirmed proposal in store",
			prepare: func(s *Session) error {
				_, err := s.Decide(ctx, models.ProposalDecision{ID: "u1-p1", Decision: models.DecisionConfirm})
				return err
			},
			edit: amount(2.00),
		},
		{
			name:    "amount overflows",
			edit:    amount(1e17),
			wantErr: models.ErrAmountOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			s, log := newTestSession(t, testConfig(), &fakeGenerator{store: mem}, mem)
			for id := int64(0); id < 3; id++ {
				_ = s.Submit(ctx, seg(id, "x"))
			}
			waitFor(t, "proposals", func() bool { return len(s.Snapshot().Proposals) == 3 })
			if tt.prepare != nil {
				if err := tt.prepare(s); err != nil {
					t.Fatalf("prepare: %v", err)
				}
			}

			_, err := s.Decide(ctx, models.ProposalDecision{ID: "u1-p0", Decision: models.DecisionEdit, Edit: tt.edit})
			if !errors.Is(err, ErrInvalidDecision) {
				t.Fatalf("expected ErrInvalidDecision, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil {
				waitFor(t, "duplicate diagnostic", func() bool {
					ds := log.diagnostics(models.DiagnosticDuplicateSuppressed)
					return len(ds) == 1 && ds[0].ProposalID == "u1-p0"
				})
			}

			if p, _ := mem.Get(ctx, "u1-p0"); p.AmountCents != 100 {
				t.Errorf("expected stored amount unchanged, got %d", p.AmountCents)
			}
			st := s.Snapshot()
			if i := st.FindProposal("u1-p0"); i < 0 || st.Proposals[i].AmountCents != 100 {
				t.Errorf("expected session proposal unchanged, got %+v", st.Proposals)
			}
		})
	}
}

func TestSession_Decide(t *testing.T) {
	mem := store.NewMemory()
	s, _ := newTestSession(t, testConfig(), &fakeGenerator{store: mem}, mem)

	for id := int64(0); id < 3; id++ {
		_ = s.Submit(context.Background(), seg(id, "x"))
	}
	waitFor(t, "proposals", func() bool { return len(s.Snapshot().Proposals) == 3 })
	ctx := context.Background()

	if _, err := s.Decide(ctx, models.ProposalDecision{ID: "u1-p0", Decision: models.DecisionConfirm}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if p, _ := mem.Get(ctx, "u1-p0"); p.Status != models.StatusConfirmed {
		t.Errorf("expected confirmed in store, got %s", p.Status)
	}

	if _, err := s.Decide(ctx, models.ProposalDecision{ID: "u1-p1", Decision: models.DecisionReject}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := mem.Get(ctx, "u1-p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected rejected proposal deleted, got %v", err)
	}

	amount, merchant := 12.5, "Blue Bottle"
	edited, err := s.Decide(ctx, models.ProposalDecision{
		ID:       "u1-p2",
		Decision: models.DecisionEdit,
		Edit:     &models.ProposalEdit{Amount: &amount, Merchant: &merchant},
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.AmountCents != 1250 || edited.Merchant != merchant || edited.Status != models.StatusPendingReview {
		t.Errorf("unexpected edited proposal %+v", edited)
	}

	st := s.Snapshot()
	if len(st.Proposals) != 1 || st.Proposals[0].ID != "u1-p2" || st.Proposals[0].AmountCents != 1250 {
		t.Errorf("unexpected proposals after decisions: %+v", st.Proposals)
	}

	if _, err := s.Decide(ctx, models.ProposalDecision{ID: "missing", Decision: models.DecisionConfirm}); !errors.Is(err, ErrUnknownProposal) {
		t.Errorf("expected ErrUnknownProposal, got %v", err)
	}
	if _, err := s.Decide(ctx, models.ProposalDecision{ID: "u1-p2", Decision: "approve"}); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	bad := "yesterday"
	if _, err := s.Decide(ctx, models.ProposalDecision{ID: "u1-p2", Decision: models.DecisionEdit, Edit: &models.ProposalEdit{Date: &bad}}); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected invalid date rejected, got %v", err)
	}
}

func TestSession_StopOrder(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 4)}
	s, log := newTestSession(t, testConfig(), gen, store.NewMemory())

	var resetCalled atomic.Bool
	s.OnStop(func() {
		if s.buffer.Next() != 0 {
			t.Error("expected reorder cursor reset before stop hooks")
		}
		resetCalled.Store(true)
	})

	_ = s.Submit(context.Background(), seg(0, "a"))
	<-gen.started
	if !s.Snapshot().IsProcessing {
		t.Fatal("expected processing during a pass")
	}

	s.Stop()

	if !resetCalled.Load() {
		t.Error("expected stop hook to run")
	}
	st := s.Snapshot()
	if st.IsProcessing || len(st.Proposals) != 0 {
		t.Errorf("expected idle state without proposals, got %+v", st)
	}
	select {
	case <-s.Done():
	default:
		t.Error("expected Done closed after Stop")
	}
	if err := s.Submit(context.Background(), seg(1, "b")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}

	states := log.ofType(models.EventStateChanged)
	last := states[len(states)-1].Data.(models.StateChanged)
	if last.Snapshot.IsProcessing {
		t.Error("expected final stateChanged with processing cleared")
	}
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(testConfig(), Deps{
		Transcriber: echoTranscriber(),
		Generator:   &fakeGenerator{},
		Store:       store.NewMemory(),
	}, zerolog.Nop())

	a := m.Create("u1")
	b := m.Create("u2")
	if m.Active() != 2 {
		t.Fatalf("expected 2 active sessions, got %d", m.Active())
	}
	if got, err := m.Get(a.ID); err != nil || got != a {
		t.Fatalf("Get: %v", err)
	}

	if err := m.Stop(a.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "session removal", func() bool { return m.Active() == 1 })
	if _, err := m.Get(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	m.StopAll()
	<-b.Done()
	waitFor(t, "all sessions removed", func() bool { return m.Active() == 0 })
}

func TestManager_ReleasesUserLocks(t *testing.T) {
	m := NewManager(testConfig(), Deps{
		Transcriber: echoTranscriber(),
		Generator:   &fakeGenerator{},
		Store:       store.NewMemory(),
	}, zerolog.Nop())

	a := m.Create("u1")
	b := m.Create("u1")
	c := m.Create("u2")
	if n := m.trackedUsers(); n != 2 {
		t.Fatalf("expected 2 tracked users, got %d", n)
	}

	a.Stop()
	waitFor(t, "first session removed", func() bool { return m.Active() == 2 })
	if n := m.trackedUsers(); n != 2 {
		t.Errorf("expected u1 lock kept while a session is live, got %d users", n)
	}

	b.Stop()
	c.Stop()
	waitFor(t, "locks released", func() bool { return m.trackedUsers() == 0 })
}

func TestManager_SerializesGenerationPerUser(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 8)}
	m := NewManager(testConfig(), Deps{
		Transcriber: echoTranscriber(),
		Generator:   gen,
		Store:       store.NewMemory(),
	}, zerolog.Nop())
	defer m.StopAll()

	a := m.Create("u1")
	b := m.Create("u1")
	_ = a.Submit(context.Background(), seg(0, "a"))
	_ = b.Submit(context.Background(), seg(0, "b"))

	<-gen.started
	select {
	case <-gen.started:
		t.Fatal("second session of the same user generated concurrently")
	case <-time.After(100 * time.Millisecond):
	}
	close(gen.block)

	waitFor(t, "both passes", func() bool {
		return len(a.Snapshot().Proposals) == 1 && len(b.Snapshot().Proposals) == 1
	})
	if gen.maxInFlight.Load() != 1 {
		t.Errorf("expected serialized generation, saw %d concurrent", gen.maxInFlight.Load())
	}
}
