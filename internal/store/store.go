// Package store persists expense proposals and answers similarity queries
// used for deduplication.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"voice-expense-service/internal/models"
)

// DefaultSimilarLimit caps FindSimilar results when the query sets no limit.
const DefaultSimilarLimit = 5

// DateToleranceDays is how many calendar days apart two proposals may be
// and still count as the same expense.
const DateToleranceDays = 2

var ErrNotFound = errors.New("proposal not found")

// SimilarityQuery selects stored proposals that could duplicate a candidate.
// Rejected proposals are never returned.
type SimilarityQuery struct {
	UserID      string
	Description string
	MinCents    int64
	MaxCents    int64
	From        time.Time
	To          time.Time
	Limit       int
}

// Match is a stored proposal with its text similarity to the query, in [0,1].
type Match struct {
	Proposal models.Proposal
	Score    float64
}

// Store is the persistence boundary for proposals.
type Store interface {
	Insert(ctx context.Context, p models.Proposal) error
	Get(ctx context.Context, id string) (models.Proposal, error)
	UpdateStatus(ctx context.Context, id string, status models.ProposalStatus) error
	Update(ctx context.Context, p models.Proposal) error
	Delete(ctx context.Context, id string) error
	FindSimilar(ctx context.Context, q SimilarityQuery) ([]Match, error)
	Ping(ctx context.Context) error
	Close()
}

// WindowFor builds the query matching every stored amount e where a
// candidate of cents is within 20% of e, and every date within
// DateToleranceDays of date.
func WindowFor(userID string, cents int64, date time.Time, description string) SimilarityQuery {
	if cents < 0 {
		cents = -cents
	}
	day := models.TruncateDay(date)
	return SimilarityQuery{
		UserID:      userID,
		Description: description,
		// 5c/6 <= e <= 5c/4, rounded inward.
		MinCents: (5*cents + 5) / 6,
		MaxCents: 5 * cents / 4,
		From:     day.AddDate(0, 0, -DateToleranceDays),
		To:       day.AddDate(0, 0, DateToleranceDays),
		Limit:    DefaultSimilarLimit,
	}
}

// Similarity returns the Jaccard index of the word sets of a and b.
func Similarity(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[f] = true
	}
	return set
}

func searchText(p models.Proposal) string {
	return strings.TrimSpace(p.Merchant + " " + p.Description)
}
