package store

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"
)

// Memory is a process-local ProfileStore.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]models.MonitoringProfile
}

func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]models.MonitoringProfile)}
}

func (m *Memory) EnsureProfile(ctx context.Context, userID string) (models.MonitoringProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		p = models.NewProfile(userID)
		m.profiles[userID] = p
	}
	return p.Clone(), nil
}

func (m *Memory) GetProfile(ctx context.Context, userID string) (models.MonitoringProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return models.MonitoringProfile{}, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) UpdateSettings(ctx context.Context, userID string, update models.SettingsUpdate) (models.MonitoringProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return models.MonitoringProfile{}, ErrProfileNotFound
	}
	update.Apply(&p)
	m.profiles[userID] = p
	return p.Clone(), nil
}

func (m *Memory) SetLastNotified(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return ErrProfileNotFound
	}
	p.LastNotifiedAt = &at
	m.profiles[userID] = p
	return nil
}

func (m *Memory) Close() error { return nil }
