package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"voice-expense-service/internal/models"
)

// MemoryStore keeps proposals in a map. It is used for local runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]models.Proposal
}

// NewMemory creates an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]models.Proposal)}
}

func (s *MemoryStore) Insert(ctx context.Context, p models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s already exists", p.ID)
	}
	s.proposals[p.ID] = p
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return models.Proposal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Status = status
	s.proposals[id] = p
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, p models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	s.proposals[p.ID] = p
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.proposals, id)
	return nil
}

// FindSimilar filters by user, amount and date window, then ranks by word overlap.
func (s *MemoryStore) FindSimilar(ctx context.Context, q SimilarityQuery) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Match
	for _, p := range s.proposals {
		if p.UserID != q.UserID || p.Status == models.StatusRejected {
			continue
		}
		if p.AmountCents < q.MinCents || p.AmountCents > q.MaxCents {
			continue
		}
		day := models.TruncateDay(p.Date)
		if day.Before(q.From) || day.After(q.To) {
			continue
		}
		out = append(out, Match{Proposal: p, Score: Similarity(q.Description, searchText(p))})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Proposal.CreatedAt.Before(out[j].Proposal.CreatedAt)
	})
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored proposals.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.proposals)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}
