// Package store persists monitoring profiles.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"
)

// ErrProfileNotFound is returned when no profile exists for a user.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileStore is the durable home of monitoring profiles. Settings and the
// notification watermark are written independently so neither write clobbers the other.
type ProfileStore interface {
	// EnsureProfile returns the stored profile, creating one with defaults if absent.
	EnsureProfile(ctx context.Context, userID string) (models.MonitoringProfile, error)

	// GetProfile returns the stored profile or ErrProfileNotFound.
	GetProfile(ctx context.Context, userID string) (models.MonitoringProfile, error)

	// UpdateSettings applies a field-level settings patch and returns the result.
	UpdateSettings(ctx context.Context, userID string, update models.SettingsUpdate) (models.MonitoringProfile, error)

	// SetLastNotified advances the notification watermark.
	SetLastNotified(ctx context.Context, userID string, at time.Time) error

	// Close releases resources.
	Close() error
}
