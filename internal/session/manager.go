// Package session tracks signed-in users and the monitor attached to each.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/location"
	"github.com/kjstillabower/air-alert-service/internal/observability"
	"github.com/kjstillabower/air-alert-service/internal/store"
)

// Runner is a background worker bound to a session.
type Runner interface {
	Start(ctx context.Context)
	Stop()
}

// RunnerFactory builds the runner for a newly opened session.
type RunnerFactory func(s *Session) Runner

// Session is one signed-in user.
type Session struct {
	ID       string
	UserID   string
	OpenedAt time.Time
	Profile  *ProfileCell
	Position *location.PositionFeed

	runner Runner
}

// Runner returns the worker started for this session, or nil.
func (s *Session) Runner() Runner { return s.runner }

// Manager opens and closes sessions. Closing a session stops its runner and
// waits for it before the profile cell is closed.
type Manager struct {
	store   store.ProfileStore
	factory RunnerFactory
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	profiles map[string]*userProfile
	draining atomic.Bool
}

func NewManager(s store.ProfileStore, factory RunnerFactory, logger *zap.Logger) *Manager {
	return &Manager{
		store:    s,
		factory:  factory,
		logger:   observability.Component(logger, "session"),
		sessions: make(map[string]*Session),
		profiles: make(map[string]*userProfile),
	}
}

// Open signs userID in, loading (or creating) the stored profile, and starts its runner.
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if m.draining.Load() {
		return nil, ErrDraining
	}

	profile, err := m.store.EnsureProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	m.mu.Lock()
	if m.draining.Load() {
		m.mu.Unlock()
		return nil, ErrDraining
	}
	// Sessions of the same user share one profile so a watermark or settings
	// write through any of them is seen by all.
	u, ok := m.profiles[userID]
	if !ok {
		u = &userProfile{profile: profile.Clone()}
		m.profiles[userID] = u
	}
	u.refs++
	s := &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		OpenedAt: time.Now(),
		Profile:  newProfileCell(u, m.store),
		Position: location.NewPositionFeed(),
	}
	if m.factory != nil {
		s.runner = m.factory(s)
	}
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if s.runner != nil {
		s.runner.Start(context.Background())
	}
	observability.MonitorActiveSessions.Set(float64(count))
	m.logger.Info("session opened", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return s, nil
}

// Get returns an open session or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close signs a session out.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.teardown(s)
	observability.MonitorActiveSessions.Set(float64(count))
	m.logger.Info("session closed", zap.String("session_id", id), zap.String("user_id", s.UserID))
	return nil
}

func (m *Manager) teardown(s *Session) {
	if s.runner != nil {
		s.runner.Stop()
	}
	s.Profile.Close()
	s.Position.Close()

	m.mu.Lock()
	if u := m.profiles[s.UserID]; u == s.Profile.user {
		u.refs--
		if u.refs == 0 {
			delete(m.profiles, s.UserID)
		}
	}
	m.mu.Unlock()
}

// IDs returns the open session IDs in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Draining reports whether Shutdown has begun.
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// Shutdown refuses new sessions and closes every open one. It returns ctx.Err()
// if the context ends before all runners have stopped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range open {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				m.teardown(s)
			}(s)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		observability.MonitorActiveSessions.Set(0)
		m.logger.Info("all sessions closed", zap.Int("count", len(open)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
