package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"voice-expense-service/internal/models"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

var day = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func proposal(id, user string, cents int64, date time.Time, merchant string) models.Proposal {
	return models.Proposal{
		ID:          id,
		UserID:      user,
		AmountCents: cents,
		Currency:    "USD",
		Merchant:    merchant,
		Description: "coffee at " + merchant,
		Date:        date,
		Status:      models.StatusPendingReview,
		CreatedAt:   time.Now(),
	}
}

func TestWindowFor_MatchesDuplicateRule(t *testing.T) {
	tests := []struct {
		cents   int64
		wantMin int64
		wantMax int64
	}{
		{4000, 3334, 5000},
		{100, 84, 125},
		{1, 1, 1},
	}
	for _, tt := range tests {
		q := WindowFor("u1", tt.cents, day, "")
		if q.MinCents != tt.wantMin || q.MaxCents != tt.wantMax {
			t.Errorf("WindowFor(%d) = [%d,%d], want [%d,%d]", tt.cents, q.MinCents, q.MaxCents, tt.wantMin, tt.wantMax)
		}
		// Boundaries satisfy |c-e| <= 20% of e; one step outside does not.
		within := func(e int64) bool {
			d := tt.cents - e
			if d < 0 {
				d = -d
			}
			return d*5 <= e
		}
		if !within(q.MinCents) || !within(q.MaxCents) {
			t.Errorf("window bounds for %d fall outside the rule", tt.cents)
		}
		if within(q.MinCents-1) || within(q.MaxCents+1) {
			t.Errorf("window for %d is narrower than the rule", tt.cents)
		}
	}

	q := WindowFor("u1", 4000, day.Add(15*time.Hour), "")
	if !q.From.Equal(day.AddDate(0, 0, -2)) || !q.To.Equal(day.AddDate(0, 0, 2)) {
		t.Errorf("unexpected date window %v..%v", q.From, q.To)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Blue Bottle coffee", "blue bottle coffee", 1},
		{"Blue Bottle", "Blue Bottle coffee", 2.0 / 3.0},
		{"taxi", "coffee", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		if got := Similarity(tt.a, tt.b); got != tt.want {
			t.Errorf("Similarity(%q,%q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	p := proposal("p1", "u1", 4000, day, "Blue Bottle")
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, p); err == nil {
		t.Error("expected duplicate insert to fail")
	}

	if err := s.UpdateStatus(ctx, "p1", models.StatusConfirmed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err := s.Get(ctx, "p1")
	if err != nil || got.Status != models.StatusConfirmed {
		t.Fatalf("expected confirmed proposal, got %+v err=%v", got, err)
	}

	got.Merchant = "Ritual"
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, _ := s.Get(ctx, "p1"); got.Merchant != "Ritual" {
		t.Errorf("expected updated merchant, got %q", got.Merchant)
	}

	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for name, err := range map[string]error{
		"get":    func() error { _, err := s.Get(ctx, "p1"); return err }(),
		"status": s.UpdateStatus(ctx, "p1", models.StatusRejected),
		"update": s.Update(ctx, p),
		"delete": s.Delete(ctx, "p1"),
	} {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestMemoryStore_FindSimilar(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rejected := proposal("rejected", "u1", 4000, day, "Blue Bottle")
	rejected.Status = models.StatusRejected
	for _, p := range []models.Proposal{
		proposal("same", "u1", 4000, day, "Blue Bottle"),
		proposal("near", "u1", 4500, day.AddDate(0, 0, 2), "Ritual"),
		proposal("too-far-date", "u1", 4000, day.AddDate(0, 0, 3), "Blue Bottle"),
		proposal("too-expensive", "u1", 5100, day, "Blue Bottle"),
		proposal("other-user", "u2", 4000, day, "Blue Bottle"),
		rejected,
	} {
		if err := s.Insert(ctx, p); err != nil {
			t.Fatalf("Insert %s: %v", p.ID, err)
		}
	}

	matches, err := s.FindSimilar(ctx, WindowFor("u1", 4000, day, "Blue Bottle coffee"))
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}
	if matches[0].Proposal.ID != "same" || matches[1].Proposal.ID != "near" {
		t.Errorf("unexpected ranking: %s, %s", matches[0].Proposal.ID, matches[1].Proposal.ID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("expected closer text to score higher: %v <= %v", matches[0].Score, matches[1].Score)
	}
}
