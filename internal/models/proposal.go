// Package models defines the data structures shared across the pipeline.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar-date format used on the wire and in prompts.
const DateLayout = "2006-01-02"

// MaxAmountCents bounds every stored amount: 100,000,000.00 in major units.
// Dedup arithmetic multiplies amounts by small constants and relies on it.
const MaxAmountCents int64 = 10_000_000_000

// ErrAmountOutOfRange is returned for amounts that are not positive or exceed MaxAmountCents.
var ErrAmountOutOfRange = errors.New("amount out of range")

// CentsFromAmount converts a major-unit amount to integer cents.
func CentsFromAmount(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 || amount*100 > float64(MaxAmountCents) {
		return 0, fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	cents := int64(math.Round(amount * 100))
	if cents <= 0 || cents > MaxAmountCents {
		return 0, fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	return cents, nil
}

// ProposalStatus is the review status of a candidate proposal.
type ProposalStatus string

const (
	StatusDraft         ProposalStatus = "draft"
	StatusPendingReview ProposalStatus = "pending_review"
	StatusConfirmed     ProposalStatus = "confirmed"
	StatusRejected      ProposalStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusConfirmed, StatusRejected:
		return true
	}
	return false
}

// Proposal is a machine-generated expense awaiting human review.
// Amounts are kept in integer cents.
type Proposal struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	AmountCents  int64          `json:"amountCents"`
	Currency     string         `json:"currency"`
	Merchant     string         `json:"merchant,omitempty"`
	Category     string         `json:"category,omitempty"`
	Description  string         `json:"description,omitempty"`
	Date         time.Time      `json:"date"`
	OriginalText string         `json:"originalText"`
	Status       ProposalStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Amount returns the amount formatted with two decimals.
func (p Proposal) Amount() string {
	return FormatCents(p.AmountCents)
}

// FormatCents renders cents as a decimal string, e.g. 4000 -> "40.00".
func FormatCents(cents int64) string {
	sign := ""
	u := uint64(cents)
	if cents < 0 {
		sign = "-"
		u = -u
	}
	return fmt.Sprintf("%s%d.%02d", sign, u/100, u%100)
}

// TruncateDay returns t at midnight UTC of its calendar day.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Decision is the reviewer's verdict on a proposal.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionReject  Decision = "reject"
	DecisionEdit    Decision = "edit"
)

// ProposalEdit carries the fields a reviewer may change. Nil fields are left as is.
type ProposalEdit struct {
	Amount   *float64 `json:"amount,omitempty"`
	Merchant *string  `json:"merchant,omitempty"`
	Category *string  `json:"category,omitempty"`
	Date     *string  `json:"date,omitempty"`
}

// ProposalDecision is the inbound proposalDecision payload.
type ProposalDecision struct {
	ID       string        `json:"id"`
	Decision Decision      `json:"decision"`
	Edit     *ProposalEdit `json:"edit,omitempty"`
}

// Category is a spending category and the words that suggest it.
type Category struct {
	Name     string   `json:"name" yaml:"name"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
}

// CategoryNames returns the names of cats in order.
func CategoryNames(cats []Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c.Name
	}
	return out
}
