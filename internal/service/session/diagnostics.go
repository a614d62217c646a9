package session

import (
	"time"

	"github.com/rs/zerolog"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/metrics"
)

// Diagnostics reports discarded, suppressed and lost items. Each report is
// logged, counted and emitted as a diagnostic event.
type Diagnostics struct {
	sessionID string
	userID    string
	metrics   *metrics.Metrics
	log       zerolog.Logger
	emit      func(models.Event)
}

func newDiagnostics(sessionID, userID string, log zerolog.Logger, emit func(models.Event)) *Diagnostics {
	return &Diagnostics{
		sessionID: sessionID,
		userID:    userID,
		metrics:   metrics.DefaultMetrics,
		log:       log,
		emit:      emit,
	}
}

// Report records diag.
func (d *Diagnostics) Report(diag models.Diagnostic) {
	d.metrics.RecordDiagnostic(string(diag.Kind))

	level := zerolog.WarnLevel
	switch diag.Kind {
	case models.DiagnosticSegmentDiscarded, models.DiagnosticDuplicateSuppressed:
		level = zerolog.InfoLevel
	}
	ev := d.log.WithLevel(level).Str("kind", string(diag.Kind)).Str("reason", diag.Reason)
	if diag.SequenceID != nil {
		ev = ev.Int64("sequenceId", *diag.SequenceID)
	}
	if diag.ThroughSequenceID != nil {
		ev = ev.Int64("throughSequenceId", *diag.ThroughSequenceID)
	}
	if len(diag.SequenceIDs) > 1 {
		ev = ev.Ints64("sequenceIds", diag.SequenceIDs)
	}
	if diag.ProposalID != "" {
		ev = ev.Str("proposalId", diag.ProposalID)
	}
	ev.Msg("Diagnostic")

	if d.emit != nil {
		d.emit(models.Event{
			Type:      models.EventDiagnostic,
			SessionID: d.sessionID,
			UserID:    d.userID,
			Timestamp: time.Now().UnixMilli(),
			Data:      diag,
		})
	}
}
