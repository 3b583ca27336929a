package location

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/air-alert-service/internal/models"
)

type stubGeolocator struct {
	coord models.Coordinate
	err   error
	calls atomic.Int32
	req   Request
}

func (s *stubGeolocator) CurrentPosition(ctx context.Context, req Request) (models.Coordinate, error) {
	s.calls.Add(1)
	s.req = req
	return s.coord, s.err
}

func gpsProfile() models.MonitoringProfile {
	return models.NewProfile("u1")
}

func TestResolver_ManualCoordinatesBypassGeolocator(t *testing.T) {
	geo := &stubGeolocator{coord: models.Coordinate{Lat: 1, Lng: 1}}
	r := NewResolver(geo, time.Second, DefaultFallback, zap.NewNop())

	p := gpsProfile()
	p.Location = models.LocationPreference{Mode: models.ModeManual, ManualName: "Delhi", ManualLat: 28.61, ManualLng: 77.2}

	got := r.Resolve(context.Background(), p)
	if got != (models.Coordinate{Lat: 28.61, Lng: 77.2}) {
		t.Errorf("Resolve() = %v, want 28.61,77.2", got)
	}
	if geo.calls.Load() != 0 {
		t.Errorf("geolocator called %d times, want 0", geo.calls.Load())
	}
}

// TestResolver_ManualZeroFallsThrough covers manual mode with unset (0,0) coordinates.
func TestResolver_ManualZeroFallsThrough(t *testing.T) {
	device := models.Coordinate{Lat: 51.5, Lng: -0.12}
	geo := &stubGeolocator{coord: device}
	r := NewResolver(geo, time.Second, DefaultFallback, zap.NewNop())

	p := gpsProfile()
	p.Location = models.LocationPreference{Mode: models.ModeManual}

	if got := r.Resolve(context.Background(), p); got != device {
		t.Errorf("Resolve() = %v, want device fix %v", got, device)
	}
	if geo.calls.Load() != 1 {
		t.Errorf("geolocator calls = %d, want 1", geo.calls.Load())
	}
}

func TestResolver_DeviceFixUpdatesLastKnownGood(t *testing.T) {
	device := models.Coordinate{Lat: 35.68, Lng: 139.69}
	geo := &stubGeolocator{coord: device}
	r := NewResolver(geo, 3*time.Second, DefaultFallback, zap.NewNop())

	if got := r.Resolve(context.Background(), gpsProfile()); got != device {
		t.Fatalf("Resolve() = %v, want %v", got, device)
	}
	if r.LastKnownGood() != device {
		t.Errorf("LastKnownGood() = %v, want %v", r.LastKnownGood(), device)
	}
	if geo.req.MaxAge != 0 || geo.req.HighAccuracy || geo.req.Timeout != 3*time.Second {
		t.Errorf("request = %+v, want fresh low-accuracy fix with 3s budget", geo.req)
	}
}

// TestResolver_FailureReturnsLastKnownGood checks that any geolocation failure
// yields exactly the last known good coordinate.
func TestResolver_FailureReturnsLastKnownGood(t *testing.T) {
	for _, geoErr := range []error{ErrGeoUnavailable, ErrGeoDenied, ErrGeoTimeout, errors.New("boom")} {
		t.Run(geoErr.Error(), func(t *testing.T) {
			geo := &stubGeolocator{coord: models.Coordinate{Lat: 10, Lng: 20}}
			core, logs := observer.New(zap.WarnLevel)
			r := NewResolver(geo, time.Second, DefaultFallback, zap.New(core))

			if got := r.Resolve(context.Background(), gpsProfile()); got != (models.Coordinate{Lat: 10, Lng: 20}) {
				t.Fatalf("first Resolve() = %v", got)
			}

			geo.err = geoErr
			geo.coord = models.Coordinate{}
			if got := r.Resolve(context.Background(), gpsProfile()); got != (models.Coordinate{Lat: 10, Lng: 20}) {
				t.Errorf("Resolve() after failure = %v, want last known good 10,20", got)
			}
			if logs.Len() != 1 {
				t.Errorf("warn logs = %d, want 1", logs.Len())
			}
		})
	}
}

func TestResolver_FailureBeforeAnyFixUsesFallback(t *testing.T) {
	geo := &stubGeolocator{err: ErrGeoDenied}
	r := NewResolver(geo, time.Second, DefaultFallback, zap.NewNop())

	if got := r.Resolve(context.Background(), gpsProfile()); got != DefaultFallback {
		t.Errorf("Resolve() = %v, want fallback %v", got, DefaultFallback)
	}
}

func TestResolver_InvalidDeviceFixIsFailure(t *testing.T) {
	geo := &stubGeolocator{coord: models.Coordinate{Lat: 200, Lng: 0}}
	fallback := models.Coordinate{Lat: 1, Lng: 2}
	r := NewResolver(geo, time.Second, fallback, zap.NewNop())

	if got := r.Resolve(context.Background(), gpsProfile()); got != fallback {
		t.Errorf("Resolve() = %v, want %v", got, fallback)
	}
	if r.LastKnownGood() != fallback {
		t.Errorf("LastKnownGood() changed to %v", r.LastKnownGood())
	}
}

func TestResolver_NilGeolocator(t *testing.T) {
	r := NewResolver(nil, 0, models.Coordinate{Lat: 999}, nil)
	if got := r.Resolve(context.Background(), gpsProfile()); got != DefaultFallback {
		t.Errorf("Resolve() = %v, want %v", got, DefaultFallback)
	}
}
