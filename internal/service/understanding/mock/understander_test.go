package mock

import (
	"context"
	"testing"
	"time"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/service/understanding"
)

var _ understanding.Understander = (*Understander)(nil)

var testCategories = []models.Category{
	{Name: "Food & Dining", Keywords: []string{"coffee", "lunch", "dinner", "restaurant"}},
	{Name: "Transport", Keywords: []string{"taxi", "uber", "bus", "train"}},
	{Name: "Groceries", Keywords: []string{"grocery", "groceries", "supermarket"}},
}

func TestUnderstander_Propose(t *testing.T) {
	now := time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)
	today := "2024-03-05"
	yesterday := "2024-03-04"

	tests := []struct {
		name      string
		utterance string
		want      []understanding.RawCandidate
	}{
		{
			name:      "number words with merchant",
			utterance: "I spent forty dollars at Blue Bottle",
			want:      []understanding.RawCandidate{{Amount: 40, Currency: "USD", Merchant: "Blue Bottle", Date: today}},
		},
		{
			name:      "twelve fifty on a category word",
			utterance: "twelve fifty on coffee yesterday",
			want:      []understanding.RawCandidate{{Amount: 12.5, Currency: "USD", Category: "Food & Dining", Date: yesterday}},
		},
		{
			name:      "two clauses",
			utterance: "$8.75 for an uber, and 23 dollars on groceries at Trader Joe's",
			want: []understanding.RawCandidate{
				{Amount: 8.75, Currency: "USD", Category: "Transport", Date: today},
				{Amount: 23, Currency: "USD", Merchant: "Trader Joe's", Category: "Groceries", Date: today},
			},
		},
		{
			name:      "dollars and cents",
			utterance: "three dollars and twenty five cents at the bakery",
			want:      []understanding.RawCandidate{{Amount: 3.25, Currency: "USD", Merchant: "The Bakery", Date: today}},
		},
		{
			name:      "hundreds with currency",
			utterance: "one hundred and five euros for dinner",
			want:      []understanding.RawCandidate{{Amount: 105, Currency: "EUR", Category: "Food & Dining", Date: today}},
		},
		{
			name:      "bare digits after spending verb",
			utterance: "paid 15 at Shell",
			want:      []understanding.RawCandidate{{Amount: 15, Currency: "USD", Merchant: "Shell", Date: today}},
		},
		{
			name:      "no amount",
			utterance: "remind me to call the bank",
			want:      nil,
		},
	}

	u := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := u.Propose(context.Background(), understanding.Request{
				Utterance:  tt.utterance,
				Categories: testCategories,
				Now:        now,
			})
			if err != nil {
				t.Fatalf("Propose: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d candidates, got %d: %+v", len(tt.want), len(got), got)
			}
			for i, w := range tt.want {
				g := got[i]
				if g.Amount != w.Amount || g.Currency != w.Currency || g.Merchant != w.Merchant ||
					g.Category != w.Category || g.Date != w.Date {
					t.Errorf("candidate %d: expected %+v, got %+v", i, w, g)
				}
				if g.Description == "" {
					t.Errorf("candidate %d: expected description", i)
				}
			}
		})
	}
}

func TestUnderstander_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Propose(ctx, understanding.Request{Utterance: "forty dollars"}); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestReadNumber(t *testing.T) {
	tests := []struct {
		words string
		want  int
		used  int
	}{
		{"forty two dollars", 42, 2},
		{"twelve fifty", 12, 1},
		{"a hundred bucks", 100, 2},
		{"two thousand three hundred", 2300, 4},
		{"coffee", 0, 0},
		{"a coffee", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.words, func(t *testing.T) {
			got, used := readNumber(tokenize(tt.words))
			if got != tt.want || used != tt.used {
				t.Errorf("readNumber(%q) = %d,%d; want %d,%d", tt.words, got, used, tt.want, tt.used)
			}
		})
	}
}
