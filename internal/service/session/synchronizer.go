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
	"voice-expense-service/internal/observability/metrics"
	"voice-expense-service/internal/service/proposal"
	"voice-expense-service/internal/service/reorder"
)

// DefaultWindowSize bounds MessageWindow.Processed.
const DefaultWindowSize = 20

// ErrStopped is returned by operations on a stopped session.
var ErrStopped = errors.New("session stopped")

// ProposalGenerator runs one generation pass.
type ProposalGenerator interface {
	Generate(ctx context.Context, userID string, fragments []reorder.Fragment, existing []models.Proposal) (proposal.Result, error)
}

// MutateFunc computes the next state from a snapshot. It may perform store I/O.
type MutateFunc func(ctx context.Context, state models.SessionState) (models.SessionState, error)

// Synchronizer owns a session's state. Released fragments are batched into
// generation passes; at most one pass runs at a time and fragments that
// arrive during a pass are picked up by the next one.
type Synchronizer struct {
	sessionID   string
	userID      string
	gen         ProposalGenerator
	windowSize  int
	passTimeout time.Duration
	publish     func(models.Event)
	diag        *Diagnostics
	metrics     *metrics.Metrics
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serializes Mutate with applying pass results.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    models.SessionState
	inbox    []reorder.Fragment
	draining bool
	stopped  bool
	passes   int
}

// SyncConfig holds synchronizer settings.
type SyncConfig struct {
	WindowSize  int
	PassTimeout time.Duration
}

// NewSynchronizer creates a synchronizer. Events go to publish in state order.
func NewSynchronizer(sessionID, userID string, gen ProposalGenerator, cfg SyncConfig, publish func(models.Event), diag *Diagnostics, log zerolog.Logger) *Synchronizer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		sessionID:   sessionID,
		userID:      userID,
		gen:         gen,
		windowSize:  cfg.WindowSize,
		passTimeout: cfg.PassTimeout,
		publish:     publish,
		diag:        diag,
		metrics:     metrics.DefaultMetrics,
		log:         log.With().Str("component", "synchronizer").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		state:       models.SessionState{Proposals: []models.Proposal{}},
	}
}

// Enqueue adds released fragments and starts a drain if none is running.
// It never blocks on a pass, so it is safe to call from the reorder buffer.
func (s *Synchronizer) Enqueue(fragments ...reorder.Fragment) {
	if len(fragments) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	for _, f := range fragments {
		s.inbox = append(s.inbox, f)
		s.state.MessageWindow.New = append(s.state.MessageWindow.New, models.Message{
			Role:       models.RoleUser,
			Text:       f.Text,
			SequenceID: models.SeqPtr(f.SequenceID),
		})
		s.emitLocked(models.EventTranscriptReleased, models.TranscriptReleased{SequenceID: f.SequenceID, Text: f.Text})
	}

	if !s.draining {
		s.draining = true
		s.state.IsProcessing = true
		s.emitStateLocked()
		s.wg.Add(1)
		go s.drain()
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Synchronizer) Snapshot() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Passes returns the number of completed generation passes.
func (s *Synchronizer) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// Mutate applies fn to a snapshot and installs the result. Mutations are
// serialized with each other and with pass results. IsProcessing and
// MessageWindow.New stay owned by the synchronizer and are not taken from fn's result.
func (s *Synchronizer) Mutate(ctx context.Context, fn MutateFunc) (models.SessionState, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := fn(ctx, s.Snapshot())
	if err != nil {
		return models.SessionState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return models.SessionState{}, ErrStopped
	}
	s.state.Proposals = append([]models.Proposal{}, next.Proposals...)
	s.state.MessageWindow.Processed = next.MessageWindow.Processed
	s.state.LastError = next.LastError
	s.emitLocked(models.EventProposalsUpdated, models.ProposalsUpdated{Proposals: s.state.Clone().Proposals})
	s.emitStateLocked()
	return s.state.Clone(), nil
}

// Stop cancels the running pass, discards unprocessed fragments and clears
// IsProcessing. It waits for the drain goroutine to exit.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	discarded := len(s.inbox)
	s.inbox = nil
	s.state.IsProcessing = false
	s.emitStateLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if discarded > 0 {
		s.log.Info().Int("discarded", discarded).Msg("Synchronizer stopped with unprocessed fragments")
	}
}

func (s *Synchronizer) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.stopped || len(s.inbox) == 0 {
			s.draining = false
			if !s.stopped {
				s.state.IsProcessing = false
				s.emitStateLocked()
			}
			s.mu.Unlock()
			return
		}
		batch := s.inbox
		s.inbox = nil
		existing := append([]models.Proposal(nil), s.state.Proposals...)
		s.mu.Unlock()

		s.runPass(batch, existing)
	}
}

func (s *Synchronizer) runPass(batch []reorder.Fragment, existing []models.Proposal) {
	ctx := s.ctx
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.gen.Generate(ctx, s.userID, batch, existing)
	elapsed := time.Since(start)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Debug().Int("fragments", len(batch)).Msg("Discarding pass result after stop")
		return
	}
	s.passes++
	s.removeNewLocked(batch)

	if err != nil {
		s.state.LastError = err.Error()
		first := batch[0].SequenceID
		s.emitLocked(models.EventError, models.ErrorPayload{Message: err.Error(), SequenceID: models.SeqPtr(first)})
		s.emitStateLocked()
		s.mu.Unlock()

		s.metrics.RecordPass(elapsed.Seconds(), 0, err)
		s.diag.Report(models.Diagnostic{
			Kind:       models.DiagnosticUnderstandingFailure,
			Reason:     err.Error(),
			SequenceID: models.SeqPtr(first),
		})
		return
	}

	s.state.LastError = ""
	s.state.Proposals = append(s.state.Proposals, res.Accepted...)
	if res.Utterance != "" {
		s.appendProcessedLocked(models.Message{Role: models.RoleUser, Text: res.Utterance})
	}
	if len(res.Accepted) > 0 {
		s.appendProcessedLocked(models.Message{Role: models.RoleAssistant, Text: summarize(res.Accepted)})
	}
	s.emitLocked(models.EventProposalsUpdated, models.ProposalsUpdated{Proposals: s.state.Clone().Proposals})
	s.emitStateLocked()
	s.mu.Unlock()

	s.metrics.RecordPass(elapsed.Seconds(), len(res.Accepted), nil)
	ids := make([]int64, len(batch))
	for i, f := range batch {
		ids[i] = f.SequenceID
	}
	for _, sup := range res.Suppressed {
		kind := models.DiagnosticCandidateRejected
		if sup.Duplicate() {
			kind = models.DiagnosticDuplicateSuppressed
		}
		reason := sup.Reason
		if sup.Err != nil {
			reason = fmt.Sprintf("%s: %v", sup.Reason, sup.Err)
		}
		s.diag.Report(models.Diagnostic{
			Kind:        kind,
			Reason:      reason,
			SequenceID:  models.SeqPtr(ids[0]),
			SequenceIDs: append([]int64(nil), ids...),
			ProposalID:  sup.MatchedID,
		})
	}
	s.log.Debug().
		Int("fragments", len(batch)).
		Int("accepted", len(res.Accepted)).
		Int("suppressed", len(res.Suppressed)).
		Dur("elapsed", elapsed).
		Msg("Pass completed")
}

func (s *Synchronizer) removeNewLocked(batch []reorder.Fragment) {
	consumed := make(map[int64]bool, len(batch))
	for _, f := range batch {
		consumed[f.SequenceID] = true
	}
	kept := s.state.MessageWindow.New[:0]
	for _, m := range s.state.MessageWindow.New {
		if m.SequenceID != nil && consumed[*m.SequenceID] {
			continue
		}
		kept = append(kept, m)
	}
	s.state.MessageWindow.New = kept
}

func (s *Synchronizer) appendProcessedLocked(m models.Message) {
	p := append(s.state.MessageWindow.Processed, m)
	if len(p) > s.windowSize {
		p = append([]models.Message(nil), p[len(p)-s.windowSize:]...)
	}
	s.state.MessageWindow.Processed = p
}

func (s *Synchronizer) emitStateLocked() {
	s.emitLocked(models.EventStateChanged, models.StateChanged{Snapshot: s.state.Clone()})
}

func (s *Synchronizer) emitLocked(t models.EventType, data any) {
	if s.publish == nil {
		return
	}
	s.publish(models.Event{
		Type:      t,
		SessionID: s.sessionID,
		UserID:    s.userID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

func summarize(ps []models.Proposal) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		desc := p.Amount() + " " + p.Currency
		if p.Merchant != "" {
			desc += " at " + p.Merchant
		}
		parts[i] = desc
	}
	return "Proposed " + strings.Join(parts, "; ")
}
