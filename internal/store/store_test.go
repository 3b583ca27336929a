package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"
)

func backends(t *testing.T) map[string]ProfileStore {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]ProfileStore{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func f64(v float64) *float64 { return &v }

func TestProfileStore_EnsureProfileDefaults(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := s.EnsureProfile(ctx, "alice")
			if err != nil {
				t.Fatalf("EnsureProfile() error = %v", err)
			}
			if p.UserID != "alice" || p.AQIThreshold != models.DefaultAQIThreshold {
				t.Errorf("profile = %+v", p)
			}
			if p.NotificationUnit != models.UnitHours || p.NotificationInterval != models.DefaultNotificationInterval {
				t.Errorf("interval = %v %s", p.NotificationInterval, p.NotificationUnit)
			}
			if p.LastNotifiedAt != nil {
				t.Errorf("LastNotifiedAt = %v, want nil", p.LastNotifiedAt)
			}
			if p.Location.Mode != models.ModeGPS {
				t.Errorf("Location.Mode = %q, want gps", p.Location.Mode)
			}

			// Second call must not reset anything.
			if err := s.SetLastNotified(ctx, "alice", time.Unix(100, 0)); err != nil {
				t.Fatalf("SetLastNotified() error = %v", err)
			}
			p, err = s.EnsureProfile(ctx, "alice")
			if err != nil {
				t.Fatalf("EnsureProfile() error = %v", err)
			}
			if p.LastNotifiedAt == nil || !p.LastNotifiedAt.Equal(time.Unix(100, 0)) {
				t.Errorf("LastNotifiedAt = %v, want preserved", p.LastNotifiedAt)
			}
		})
	}
}

func TestProfileStore_NotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.GetProfile(ctx, "ghost"); !errors.Is(err, ErrProfileNotFound) {
				t.Errorf("GetProfile() error = %v, want ErrProfileNotFound", err)
			}
			if _, err := s.UpdateSettings(ctx, "ghost", models.SettingsUpdate{}); !errors.Is(err, ErrProfileNotFound) {
				t.Errorf("UpdateSettings() error = %v, want ErrProfileNotFound", err)
			}
			if err := s.SetLastNotified(ctx, "ghost", time.Now()); !errors.Is(err, ErrProfileNotFound) {
				t.Errorf("SetLastNotified() error = %v, want ErrProfileNotFound", err)
			}
		})
	}
}

// TestProfileStore_SettingsAndWatermarkAreIndependent checks that neither write resets the other.
func TestProfileStore_SettingsAndWatermarkAreIndependent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.EnsureProfile(ctx, "bob"); err != nil {
				t.Fatalf("EnsureProfile() error = %v", err)
			}
			notified := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
			if err := s.SetLastNotified(ctx, "bob", notified); err != nil {
				t.Fatalf("SetLastNotified() error = %v", err)
			}

			unit := models.UnitMinutes
			got, err := s.UpdateSettings(ctx, "bob", models.SettingsUpdate{
				AQIThreshold:         f64(100),
				NotificationInterval: f64(30),
				NotificationUnit:     &unit,
				Location:             &models.LocationPreference{Mode: "satellite", ManualName: "Delhi", ManualLat: 28.6, ManualLng: 77.2},
			})
			if err != nil {
				t.Fatalf("UpdateSettings() error = %v", err)
			}
			if got.AQIThreshold != 100 || got.IntervalMinutes() != 30 {
				t.Errorf("settings = %+v", got)
			}
			if got.Location.Mode != models.ModeGPS || got.Location.ManualName != "Delhi" {
				t.Errorf("Location = %+v, want sanitized gps mode", got.Location)
			}
			if got.LastNotifiedAt == nil || !got.LastNotifiedAt.Equal(notified) {
				t.Errorf("LastNotifiedAt = %v, want %v", got.LastNotifiedAt, notified)
			}

			later := notified.Add(time.Hour)
			if err := s.SetLastNotified(ctx, "bob", later); err != nil {
				t.Fatalf("SetLastNotified() error = %v", err)
			}
			stored, err := s.GetProfile(ctx, "bob")
			if err != nil {
				t.Fatalf("GetProfile() error = %v", err)
			}
			if stored.AQIThreshold != 100 || stored.NotificationUnit != models.UnitMinutes {
				t.Errorf("watermark write clobbered settings: %+v", stored)
			}
			if !stored.LastNotifiedAt.Equal(later) {
				t.Errorf("LastNotifiedAt = %v, want %v", stored.LastNotifiedAt, later)
			}
		})
	}
}

func TestProfileStore_ConcurrentWrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.EnsureProfile(ctx, "carol"); err != nil {
				t.Fatalf("EnsureProfile() error = %v", err)
			}
			base := time.Unix(1_700_000_000, 0)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					_ = s.SetLastNotified(ctx, "carol", base.Add(time.Duration(i)*time.Minute))
				}(i)
				go func(i int) {
					defer wg.Done()
					_, _ = s.UpdateSettings(ctx, "carol", models.SettingsUpdate{AQIThreshold: f64(float64(100 + i))})
				}(i)
			}
			wg.Wait()

			p, err := s.GetProfile(ctx, "carol")
			if err != nil {
				t.Fatalf("GetProfile() error = %v", err)
			}
			if p.LastNotifiedAt == nil {
				t.Error("LastNotifiedAt lost under concurrent settings writes")
			}
			if p.AQIThreshold < 100 || p.AQIThreshold > 109 {
				t.Errorf("AQIThreshold = %v", p.AQIThreshold)
			}
		})
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "profiles.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	ctx := context.Background()
	if _, err := s.EnsureProfile(ctx, "dave"); err != nil {
		t.Fatalf("EnsureProfile() error = %v", err)
	}
	if _, err := s.UpdateSettings(ctx, "dave", models.SettingsUpdate{AQIThreshold: f64(80)}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	p, err := s.GetProfile(ctx, "dave")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p.AQIThreshold != 80 {
		t.Errorf("AQIThreshold = %v, want 80", p.AQIThreshold)
	}
}
