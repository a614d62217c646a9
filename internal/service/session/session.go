// Package session wires the per-user pipeline: dispatch, reordering,
// proposal generation and state synchronization.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/logging"
	"voice-expense-service/internal/observability/metrics"
	"voice-expense-service/internal/service/dispatch"
	"voice-expense-service/internal/service/proposal"
	"voice-expense-service/internal/service/reorder"
	"voice-expense-service/internal/service/segment"
	"voice-expense-service/internal/service/stt"
	"voice-expense-service/internal/store"
)

var (
	ErrUnknownProposal = errors.New("proposal not in session")
	ErrInvalidDecision = errors.New("invalid decision")
)

// Config holds per-session pipeline settings.
type Config struct {
	DispatchTimeout time.Duration
	GapTimeout      time.Duration
	ExpireInterval  time.Duration
	WindowSize      int
	PassTimeout     time.Duration
	MaxAhead        int64
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		DispatchTimeout: dispatch.DefaultTimeout,
		GapTimeout:      reorder.DefaultGapTimeout,
		ExpireInterval:  500 * time.Millisecond,
		WindowSize:      DefaultWindowSize,
		PassTimeout:     30 * time.Second,
		MaxAhead:        reorder.DefaultMaxAhead,
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Transcriber stt.Transcriber
	Generator   ProposalGenerator
	Store       store.Store
	// Observers are subscribed to every session at creation.
	Observers []Listener
}

// Session is one user's live pipeline.
type Session struct {
	ID        string
	UserID    string
	StartedAt time.Time

	cfg     Config
	queue   *dispatch.Queue
	buffer  *reorder.Buffer
	sync    *Synchronizer
	store   store.Store
	bc      *broadcaster
	diag    *Diagnostics
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	onStop  []func()
	stopped bool

	tickerDone chan struct{}
	tickerWG   sync.WaitGroup
	done       chan struct{}
}

// New creates and starts a session.
func New(id, userID string, cfg Config, deps Deps) *Session {
	def := DefaultConfig()
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = def.ExpireInterval
	}

	s := &Session{
		ID:         id,
		UserID:     userID,
		StartedAt:  time.Now(),
		cfg:        cfg,
		store:      deps.Store,
		bc:         newBroadcaster(),
		metrics:    metrics.DefaultMetrics,
		log:        logging.WithSession("session", id, userID),
		tickerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range deps.Observers {
		s.bc.subscribe(o)
	}

	s.diag = newDiagnostics(id, userID, s.log, s.bc.publish)
	s.sync = NewSynchronizer(id, userID, deps.Generator, SyncConfig{
		WindowSize:  cfg.WindowSize,
		PassTimeout: cfg.PassTimeout,
	}, s.bc.publish, s.diag, s.log)

	s.buffer = reorder.New(cfg.GapTimeout, reorder.Hooks{
		Release: func(f reorder.Fragment) {
			s.metrics.RecordReleased(1)
			s.sync.Enqueue(f)
		},
		Lost: func(from, to int64, waited time.Duration) {
			s.metrics.RecordLost(int(to - from + 1))
			d := models.Diagnostic{
				Kind:       models.DiagnosticSegmentLost,
				Reason:     fmt.Sprintf("gap not filled after %v", waited.Round(time.Millisecond)),
				SequenceID: models.SeqPtr(from),
			}
			if to > from {
				d.ThroughSequenceID = models.SeqPtr(to)
			}
			s.diag.Report(d)
		},
	}, reorder.WithMaxAhead(cfg.MaxAhead))

	s.queue = dispatch.NewQueue(deps.Transcriber, cfg.DispatchTimeout, dispatch.Hooks{
		Resolved: s.onResolved,
		Failed:   s.onDispatchFailed,
	}, s.log)

	s.tickerWG.Add(1)
	go s.tick()

	s.metrics.RecordSessionStart()
	s.log.Info().Msg("Session started")
	return s
}

// Submit dispatches seg. The outcome is reported through events.
func (s *Session) Submit(ctx context.Context, seg segment.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.admit(seg); err != nil {
		return err
	}
	s.queue.Enqueue(seg)
	return nil
}

// Enqueue dispatches seg and returns its per-segment outcome.
func (s *Session) Enqueue(seg segment.Segment) <-chan dispatch.Result {
	if err := s.admit(seg); err != nil {
		ch := make(chan dispatch.Result, 1)
		ch <- dispatch.Result{SequenceID: seg.SequenceID, Err: err}
		return ch
	}
	return s.queue.Enqueue(seg)
}

func (s *Session) admit(seg segment.Segment) error {
	if s.isStopped() {
		return ErrStopped
	}
	switch err := s.buffer.Check(seg.SequenceID); {
	case errors.Is(err, reorder.ErrStale):
		s.metrics.RecordStale()
		s.diag.Report(models.Diagnostic{
			Kind:       models.DiagnosticStaleTranscript,
			Reason:     err.Error(),
			SequenceID: models.SeqPtr(seg.SequenceID),
		})
		return err
	case err != nil:
		s.ReportDrop(models.DiagnosticSegmentDropped, models.SeqPtr(seg.SequenceID), "sequence_out_of_window")
		return err
	}
	s.metrics.RecordSegmentCreated(len(seg.Audio))
	return nil
}

// ReportDrop records a segment that never reached dispatch.
func (s *Session) ReportDrop(kind models.DiagnosticKind, seq *int64, reason string) {
	if kind == models.DiagnosticSegmentDiscarded || kind == models.DiagnosticSegmentDropped {
		s.metrics.RecordSegmentDiscarded(reason)
	}
	s.diag.Report(models.Diagnostic{Kind: kind, Reason: reason, SequenceID: seq})
}

// Decide applies a reviewer decision to a proposal in this session.
func (s *Session) Decide(ctx context.Context, d models.ProposalDecision) (models.Proposal, error) {
	var out models.Proposal
	_, err := s.sync.Mutate(ctx, func(ctx context.Context, st models.SessionState) (models.SessionState, error) {
		i := st.FindProposal(d.ID)
		if i < 0 {
			return st, fmt.Errorf("%w: %s", ErrUnknownProposal, d.ID)
		}
		p := st.Proposals[i]

		switch d.Decision {
		case models.DecisionConfirm:
			if err := s.store.UpdateStatus(ctx, p.ID, models.StatusConfirmed); err != nil {
				return st, err
			}
			p.Status = models.StatusConfirmed
			st.Proposals = append(st.Proposals[:i], st.Proposals[i+1:]...)
		case models.DecisionReject:
			if err := s.store.Delete(ctx, p.ID); err != nil {
				return st, err
			}
			p.Status = models.StatusRejected
			st.Proposals = append(st.Proposals[:i], st.Proposals[i+1:]...)
		case models.DecisionEdit:
			edited, err := applyEdit(p, d.Edit)
			if err != nil {
				return st, err
			}
			if edited.AmountCents != p.AmountCents || !edited.Date.Equal(p.Date) {
				if err := s.checkEditDuplicate(ctx, edited, st.Proposals); err != nil {
					return st, err
				}
			}
			if err := s.store.Update(ctx, edited); err != nil {
				return st, err
			}
			p = edited
			st.Proposals[i] = p
		default:
			return st, fmt.Errorf("%w: %q", ErrInvalidDecision, d.Decision)
		}
		out = p
		return st, nil
	})

	s.metrics.RecordDecision(string(d.Decision), err)
	if err != nil {
		s.log.Warn().Err(err).Str("proposalId", d.ID).Str("decision", string(d.Decision)).Msg("Decision failed")
		return models.Proposal{}, err
	}
	s.log.Info().Str("proposalId", d.ID).Str("decision", string(d.Decision)).Msg("Decision applied")
	return out, nil
}

func applyEdit(p models.Proposal, e *models.ProposalEdit) (models.Proposal, error) {
	if e == nil {
		return p, fmt.Errorf("%w: edit without changes", ErrInvalidDecision)
	}
	if e.Amount != nil {
		cents, err := models.CentsFromAmount(*e.Amount)
		if err != nil {
			return p, fmt.Errorf("%w: %w", ErrInvalidDecision, err)
		}
		p.AmountCents = cents
	}
	if e.Merchant != nil {
		p.Merchant = strings.TrimSpace(*e.Merchant)
	}
	if e.Category != nil {
		p.Category = strings.TrimSpace(*e.Category)
	}
	if e.Date != nil {
		d, err := time.Parse(models.DateLayout, *e.Date)
		if err != nil {
			return p, fmt.Errorf("%w: date %q", ErrInvalidDecision, *e.Date)
		}
		p.Date = d
	}
	return p, nil
}

// checkEditDuplicate rejects an edit that would make p a duplicate of another
// proposal in the session or in the store.
func (s *Session) checkEditDuplicate(ctx context.Context, p models.Proposal, current []models.Proposal) error {
	matchedID := ""
	for _, other := range current {
		if other.ID != p.ID && proposal.IsDuplicate(p, other) {
			matchedID = other.ID
			break
		}
	}
	if matchedID == "" {
		matches, err := s.store.FindSimilar(ctx, store.WindowFor(p.UserID, p.AmountCents, p.Date, p.Merchant+" "+p.Description))
		if err != nil {
			return fmt.Errorf("check edit duplicates: %w", err)
		}
		for _, m := range matches {
			if m.Proposal.ID != p.ID {
				matchedID = m.Proposal.ID
				break
			}
		}
	}
	if matchedID == "" {
		return nil
	}

	s.metrics.RecordSuppressed(proposal.ReasonEditDuplicate)
	s.diag.Report(models.Diagnostic{
		Kind:       models.DiagnosticDuplicateSuppressed,
		Reason:     fmt.Sprintf("%s: edit matches %s", proposal.ReasonEditDuplicate, matchedID),
		ProposalID: p.ID,
	})
	return fmt.Errorf("%w: edit duplicates proposal %s", ErrInvalidDecision, matchedID)
}

// Subscribe registers l for all future events.
func (s *Session) Subscribe(l Listener) func() {
	return s.bc.subscribe(l)
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() models.SessionState {
	return s.sync.Snapshot()
}

// OnStop registers fn to run during Stop, after dispatch is aborted and
// before processing is cleared. Capture components use it to reset pre-roll.
func (s *Session) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, fn)
}

// Done is closed when Stop has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the session: dispatch is aborted, pending transcripts are
// discarded, the reorder cursor and capture state are reset and
// IsProcessing is cleared. Queued events are delivered before Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	hooks := s.onStop
	s.mu.Unlock()

	close(s.tickerDone)
	s.tickerWG.Wait()

	s.queue.Stop()
	s.buffer.Reset()
	for _, fn := range hooks {
		fn()
	}
	s.sync.Stop()
	s.bc.close()

	dur := time.Since(s.StartedAt)
	s.metrics.RecordSessionEnd(dur.Seconds())
	s.log.Info().Dur("duration", dur).Int("passes", s.sync.Passes()).Msg("Session stopped")
	close(s.done)
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) onResolved(pt dispatch.PendingTranscript) {
	err := s.buffer.Resolve(pt.SequenceID, pt.Text)
	if err == nil {
		return
	}
	s.metrics.RecordStale()
	s.diag.Report(models.Diagnostic{
		Kind:       models.DiagnosticStaleTranscript,
		Reason:     err.Error(),
		SequenceID: models.SeqPtr(pt.SequenceID),
	})
}

func (s *Session) onDispatchFailed(seq int64, err error) {
	kind := models.DiagnosticDispatchFailure
	if errors.Is(err, dispatch.ErrDispatchTimeout) {
		kind = models.DiagnosticDispatchTimeout
	}
	s.diag.Report(models.Diagnostic{Kind: kind, Reason: err.Error(), SequenceID: models.SeqPtr(seq)})
	s.bc.publish(models.Event{
		Type:      models.EventError,
		SessionID: s.ID,
		UserID:    s.UserID,
		Timestamp: time.Now().UnixMilli(),
		Data:      models.ErrorPayload{Message: err.Error(), SequenceID: models.SeqPtr(seq)},
	})
}

// tick expires reorder gaps and restarts a dispatch worker paused by a failure.
func (s *Session) tick() {
	defer s.tickerWG.Done()
	t := time.NewTicker(s.cfg.ExpireInterval)
	defer t.Stop()
	for {
		select {
		case <-s.tickerDone:
			return
		case now := <-t.C:
			s.buffer.Expire(now)
			if s.queue.Len() > 0 && !s.queue.Running() {
				s.queue.Resume()
			}
		}
	}
}
