package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/service/proposal"
	"voice-expense-service/internal/service/reorder"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// Manager tracks active sessions. Generation for one user is serialized
// across that user's sessions so dedup sees every insert.
type Manager struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	userLocks map[string]*userLock
}

// userLock is shared by a user's live sessions and dropped with the last one.
type userLock struct {
	sync.Mutex
	refs int
}

// NewManager creates a manager.
func NewManager(cfg Config, deps Deps, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		log:       log.With().Str("component", "session-manager").Logger(),
		sessions:  make(map[string]*Session),
		userLocks: make(map[string]*userLock),
	}
}

// Create starts a session for userID.
func (m *Manager) Create(userID string) *Session {
	m.mu.Lock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &userLock{}
		m.userLocks[userID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	deps := m.deps
	deps.Generator = userLockedGenerator{gen: m.deps.Generator, lock: lock}
	s := New(uuid.NewString(), userID, m.cfg, deps)

	m.mu.Lock()
	m.sessions[s.ID] = s
	active := len(m.sessions)
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.mu.Lock()
		delete(m.sessions, s.ID)
		lock.refs--
		if lock.refs == 0 {
			delete(m.userLocks, userID)
		}
		m.mu.Unlock()
	}()

	m.log.Info().Str("sessionId", s.ID).Str("userId", userID).Int("active", active).Msg("Session created")
	return s
}

// Get returns the active session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Stop stops the session with id.
func (m *Manager) Stop(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// StopAll stops every active session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	if len(all) > 0 {
		m.log.Info().Int("stopped", len(all)).Msg("All sessions stopped")
	}
}

// Active returns the number of active sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// trackedUsers returns the number of users holding a generation lock.
func (m *Manager) trackedUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userLocks)
}

type userLockedGenerator struct {
	gen  ProposalGenerator
	lock *userLock
}

func (g userLockedGenerator) Generate(ctx context.Context, userID string, fragments []reorder.Fragment, existing []models.Proposal) (proposal.Result, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return proposal.Result{}, err
	}
	return g.gen.Generate(ctx, userID, fragments, existing)
}
