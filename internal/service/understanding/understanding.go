// Package understanding turns an utterance into raw expense candidates.
package understanding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"voice-expense-service/internal/models"
)

// Request is the input to one understanding call.
type Request struct {
	Utterance  string
	Categories []models.Category
	Now        time.Time
	Existing   []models.Proposal
}

// RawCandidate is an unvalidated expense extracted from speech.
// Amount is in major currency units; Date is YYYY-MM-DD.
type RawCandidate struct {
	Amount      float64 `json:"amount" jsonschema:"expense amount in major currency units, e.g. 12.50"`
	Currency    string  `json:"currency" jsonschema:"ISO 4217 currency code"`
	Merchant    string  `json:"merchant" jsonschema:"merchant or payee, empty when not mentioned"`
	Category    string  `json:"category" jsonschema:"one of the provided categories, empty when unclear"`
	Date        string  `json:"date" jsonschema:"calendar date of the expense as YYYY-MM-DD"`
	Description string  `json:"description" jsonschema:"short description in the speaker's words"`
}

// Understander extracts expense candidates from text.
type Understander interface {
	Propose(ctx context.Context, req Request) ([]RawCandidate, error)
	Name() string
}

// SystemPrompt renders the instructions shared by model-backed understanders.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You extract expenses from a user's spoken notes.\n")
	b.WriteString("Return every distinct expense mentioned. Return an empty list when there is none.\n")
	b.WriteString("Use amounts in major units. Resolve relative dates against today.\n")
	fmt.Fprintf(&b, "Today is %s.\n", req.Now.Format(models.DateLayout))

	if len(req.Categories) > 0 {
		fmt.Fprintf(&b, "Categories: %s.\n", strings.Join(models.CategoryNames(req.Categories), ", "))
	}
	if len(req.Existing) > 0 {
		b.WriteString("Already proposed in this session, do not repeat them:\n")
		for _, p := range req.Existing {
			fmt.Fprintf(&b, "- %s %s at %q on %s\n", p.Amount(), p.Currency, p.Merchant, p.Date.Format(models.DateLayout))
		}
	}
	return b.String()
}
