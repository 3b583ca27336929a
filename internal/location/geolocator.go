package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"
)

var (
	ErrGeoUnavailable = errors.New("geolocation unavailable")
	ErrGeoDenied      = errors.New("geolocation permission denied")
	ErrGeoTimeout     = errors.New("geolocation timed out")
)

// Request carries the options of a single position query.
type Request struct {
	Timeout      time.Duration
	MaxAge       time.Duration
	HighAccuracy bool
}

// Geolocator supplies the device position.
type Geolocator interface {
	CurrentPosition(ctx context.Context, req Request) (models.Coordinate, error)
}

// PositionFeed is a Geolocator fed by fixes that a device pushes to the service.
// CurrentPosition blocks until a fix young enough for the request arrives.
type PositionFeed struct {
	mu      sync.Mutex
	fix     models.Coordinate
	fixAt   time.Time
	hasFix  bool
	denied  bool
	closed  bool
	changed chan struct{}
	now     func() time.Time
}

// NewPositionFeed returns an empty feed.
func NewPositionFeed() *PositionFeed {
	return &PositionFeed{changed: make(chan struct{}), now: time.Now}
}

// Report records a fresh device fix and wakes any waiting query.
// It clears an earlier denial.
func (f *PositionFeed) Report(coord models.Coordinate) error {
	if !coord.Valid() {
		return fmt.Errorf("invalid coordinate %s", coord)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrGeoUnavailable
	}
	f.fix = coord
	f.fixAt = f.now()
	f.hasFix = true
	f.denied = false
	f.broadcastLocked()
	return nil
}

// Deny marks location permission as refused until the next Report.
func (f *PositionFeed) Deny() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.denied = true
	f.broadcastLocked()
}

// Close fails every pending and future query with ErrGeoUnavailable.
func (f *PositionFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.broadcastLocked()
}

func (f *PositionFeed) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// CurrentPosition returns a fix no older than req.MaxAge. With MaxAge zero only
// a fix reported after the call started is accepted.
func (f *PositionFeed) CurrentPosition(ctx context.Context, req Request) (models.Coordinate, error) {
	start := f.now()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		f.mu.Lock()
		switch {
		case f.closed:
			f.mu.Unlock()
			return models.Coordinate{}, ErrGeoUnavailable
		case f.denied:
			f.mu.Unlock()
			return models.Coordinate{}, ErrGeoDenied
		case f.hasFix && f.fresh(start, req.MaxAge):
			coord := f.fix
			f.mu.Unlock()
			return coord, nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-timeout:
			return models.Coordinate{}, ErrGeoTimeout
		case <-ctx.Done():
			return models.Coordinate{}, fmt.Errorf("%w: %v", ErrGeoTimeout, ctx.Err())
		}
	}
}

func (f *PositionFeed) fresh(start time.Time, maxAge time.Duration) bool {
	if !f.fixAt.Before(start) {
		return true
	}
	return maxAge > 0 && start.Sub(f.fixAt) <= maxAge
}
