package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/store"
)

var (
	// ErrSessionClosed is returned by writes against a cell whose session has ended.
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrDraining        = errors.New("service is shutting down")
)

// userProfile is the in-memory profile for one user. Every open session of
// that user reads and writes the same value. refs is guarded by Manager.mu.
type userProfile struct {
	mu      sync.RWMutex
	profile models.MonitoringProfile
	refs    int
}

// ProfileCell is one session's handle on a user's MonitoringProfile.
// Settings and watermark writes go to the store first and then to memory;
// each write touches only its own fields.
type ProfileCell struct {
	store store.ProfileStore
	user  *userProfile

	// mu guards closed. Writes hold it for reading so Close waits them out.
	mu     sync.RWMutex
	closed bool
}

// NewProfileCell returns a cell over its own copy of p.
func NewProfileCell(p models.MonitoringProfile, s store.ProfileStore) *ProfileCell {
	return newProfileCell(&userProfile{profile: p.Clone()}, s)
}

func newProfileCell(u *userProfile, s store.ProfileStore) *ProfileCell {
	return &ProfileCell{user: u, store: s}
}

// Snapshot returns a copy of the profile, and false once the session has ended.
func (c *ProfileCell) Snapshot() (models.MonitoringProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return models.MonitoringProfile{}, false
	}
	c.user.mu.RLock()
	defer c.user.mu.RUnlock()
	return c.user.profile.Clone(), true
}

// ApplySettings persists a settings patch. The in-memory watermark is kept as is.
func (c *ProfileCell) ApplySettings(ctx context.Context, update models.SettingsUpdate) (models.MonitoringProfile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return models.MonitoringProfile{}, ErrSessionClosed
	}
	c.user.mu.Lock()
	defer c.user.mu.Unlock()
	if _, err := c.store.UpdateSettings(ctx, c.user.profile.UserID, update); err != nil {
		return models.MonitoringProfile{}, fmt.Errorf("persist settings: %w", err)
	}
	update.Apply(&c.user.profile)
	return c.user.profile.Clone(), nil
}

// RecordNotification advances the watermark and persists it before returning.
// After Close it fails with ErrSessionClosed and writes nothing.
func (c *ProfileCell) RecordNotification(ctx context.Context, at time.Time) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.user.mu.Lock()
	defer c.user.mu.Unlock()
	if err := c.store.SetLastNotified(ctx, c.user.profile.UserID, at); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	c.user.profile.LastNotifiedAt = &at
	return nil
}

// Close ends the cell. It waits for an in-progress write to finish.
func (c *ProfileCell) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
