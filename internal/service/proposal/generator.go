// Package proposal turns released transcript fragments into deduplicated
// expense proposals.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/metrics"
	"voice-expense-service/internal/service/reorder"
	"voice-expense-service/internal/service/understanding"
	"voice-expense-service/internal/store"
)

// ErrUnderstanding wraps failures of the understanding call. The batch is dropped.
var ErrUnderstanding = errors.New("understanding failed")

// Suppression reasons.
const (
	ReasonStoreMatch       = "store_match"
	ReasonStoreError       = "store_error"
	ReasonSessionDuplicate = "session_duplicate"
	ReasonBatchDuplicate   = "batch_duplicate"
	ReasonInvalidAmount    = "invalid_amount"
	ReasonInvalidDate      = "invalid_date"
	ReasonEditDuplicate    = "edit_duplicate"
)

// Suppression records a candidate that did not become a proposal.
type Suppression struct {
	Candidate understanding.RawCandidate
	Reason    string
	MatchedID string
	Err       error
}

// Duplicate reports whether the suppression was a dedup hit rather than a rejected candidate.
func (s Suppression) Duplicate() bool {
	switch s.Reason {
	case ReasonStoreMatch, ReasonStoreError, ReasonSessionDuplicate, ReasonBatchDuplicate:
		return true
	}
	return false
}

// Result is the outcome of one generation pass.
type Result struct {
	Utterance  string
	Accepted   []models.Proposal
	Suppressed []Suppression
}

// Config holds generator settings.
type Config struct {
	Categories      []models.Category
	DefaultCurrency string
}

// Generator calls the understander and filters its candidates against the
// store, the session and the current batch.
type Generator struct {
	understander understanding.Understander
	store        store.Store
	cfg          Config
	metrics      *metrics.Metrics
	log          zerolog.Logger
	now          func() time.Time
}

// NewGenerator creates a generator.
func NewGenerator(u understanding.Understander, s store.Store, cfg Config, log zerolog.Logger) *Generator {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &Generator{
		understander: u,
		store:        s,
		cfg:          cfg,
		metrics:      metrics.DefaultMetrics,
		log:          log.With().Str("component", "proposal").Logger(),
		now:          time.Now,
	}
}

// Combine joins fragment texts with single spaces, skipping blanks.
func Combine(fragments []reorder.Fragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// IsDuplicate reports whether c matches ref: amounts within 20% of ref and
// dates at most two calendar days apart.
func IsDuplicate(c, ref models.Proposal) bool {
	diff := c.AmountCents - ref.AmountCents
	if diff < 0 {
		diff = -diff
	}
	refAmount := ref.AmountCents
	if refAmount < 0 {
		refAmount = -refAmount
	}
	if diff*5 > refAmount {
		return false
	}
	days := models.TruncateDay(c.Date).Sub(models.TruncateDay(ref.Date)).Hours() / 24
	return math.Abs(days) <= store.DateToleranceDays
}

// Generate runs one pass over fragments. Accepted proposals are already
// inserted into the store when Generate returns.
func (g *Generator) Generate(ctx context.Context, userID string, fragments []reorder.Fragment, existing []models.Proposal) (Result, error) {
	res := Result{Utterance: Combine(fragments)}
	if res.Utterance == "" {
		return res, nil
	}

	now := g.now()
	candidates, err := g.understander.Propose(ctx, understanding.Request{
		Utterance:  res.Utterance,
		Categories: g.cfg.Categories,
		Now:        now,
		Existing:   existing,
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrUnderstanding, err)
	}

	for _, raw := range candidates {
		p, reason, err := g.normalize(userID, raw, res.Utterance, now)
		if err != nil {
			res.Suppressed = append(res.Suppressed, g.suppress(raw, reason, "", err))
			continue
		}

		if s, dup := g.checkStore(ctx, p, raw); dup {
			res.Suppressed = append(res.Suppressed, s)
			continue
		}
		if id, dup := firstDuplicate(p, existing); dup {
			res.Suppressed = append(res.Suppressed, g.suppress(raw, ReasonSessionDuplicate, id, nil))
			continue
		}
		if id, dup := firstDuplicate(p, res.Accepted); dup {
			res.Suppressed = append(res.Suppressed, g.suppress(raw, ReasonBatchDuplicate, id, nil))
			continue
		}

		p.ID = uuid.NewString()
		p.CreatedAt = now
		if err := g.store.Insert(ctx, p); err != nil {
			res.Suppressed = append(res.Suppressed, g.suppress(raw, ReasonStoreError, "", fmt.Errorf("insert proposal: %w", err)))
			continue
		}
		res.Accepted = append(res.Accepted, p)
		g.log.Info().
			Str("proposalId", p.ID).
			Str("amount", p.Amount()).
			Str("merchant", p.Merchant).
			Str("status", string(p.Status)).
			Msg("Proposal accepted")
	}
	return res, nil
}

func (g *Generator) checkStore(ctx context.Context, p models.Proposal, raw understanding.RawCandidate) (Suppression, bool) {
	matches, err := g.store.FindSimilar(ctx, store.WindowFor(p.UserID, p.AmountCents, p.Date, p.Merchant+" "+p.Description))
	if err != nil {
		return g.suppress(raw, ReasonStoreError, "", err), true
	}
	if len(matches) > 0 {
		return g.suppress(raw, ReasonStoreMatch, matches[0].Proposal.ID, nil), true
	}
	return Suppression{}, false
}

func (g *Generator) suppress(raw understanding.RawCandidate, reason, matchedID string, err error) Suppression {
	g.metrics.RecordSuppressed(reason)
	ev := g.log.Info()
	if err != nil {
		ev = g.log.Warn().Err(err)
	}
	ev.Str("reason", reason).
		Str("matchedId", matchedID).
		Float64("amount", raw.Amount).
		Str("merchant", raw.Merchant).
		Msg("Candidate suppressed")
	return Suppression{Candidate: raw, Reason: reason, MatchedID: matchedID, Err: err}
}

func (g *Generator) normalize(userID string, raw understanding.RawCandidate, utterance string, now time.Time) (models.Proposal, string, error) {
	cents, err := models.CentsFromAmount(raw.Amount)
	if err != nil {
		return models.Proposal{}, ReasonInvalidAmount, err
	}

	date := models.TruncateDay(now)
	if d := strings.TrimSpace(raw.Date); d != "" {
		parsed, err := time.Parse(models.DateLayout, d)
		if err != nil {
			return models.Proposal{}, ReasonInvalidDate, fmt.Errorf("date %q: %w", d, err)
		}
		date = parsed
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = g.cfg.DefaultCurrency
	}
	description := strings.TrimSpace(raw.Description)
	if description == "" {
		description = utterance
	}

	p := models.Proposal{
		UserID:       userID,
		AmountCents:  cents,
		Currency:     currency,
		Merchant:     strings.TrimSpace(raw.Merchant),
		Category:     g.canonicalCategory(raw.Category),
		Description:  description,
		Date:         date,
		OriginalText: utterance,
		Status:       models.StatusDraft,
	}
	if p.Merchant != "" && p.Category != "" {
		p.Status = models.StatusPendingReview
	}
	return p, "", nil
}

// canonicalCategory maps name onto the configured list, or "" when unknown.
func (g *Generator) canonicalCategory(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if len(g.cfg.Categories) == 0 {
		return name
	}
	for _, c := range g.cfg.Categories {
		if strings.EqualFold(c.Name, name) {
			return c.Name
		}
	}
	return ""
}

func firstDuplicate(p models.Proposal, refs []models.Proposal) (string, bool) {
	for _, ref := range refs {
		if IsDuplicate(p, ref) {
			return ref.ID, true
		}
	}
	return "", false
}
