package location

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/observability"
)

// DefaultFallback is used until the first successful device fix (New York City).
var DefaultFallback = models.Coordinate{Lat: 40.7128, Lng: -74.0060}

// DefaultTimeout bounds a single device position query.
const DefaultTimeout = 15 * time.Second

// Resolver chooses the coordinate to monitor: trusted manual coordinates first,
// then a fresh device fix, then the last known good position.
type Resolver struct {
	geo     Geolocator
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	lastKnown models.Coordinate
}

// NewResolver returns a Resolver whose last known good position starts at fallback.
// A nil geolocator always resolves non-manual profiles to the last known good position.
func NewResolver(geo Geolocator, timeout time.Duration, fallback models.Coordinate, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !fallback.Valid() {
		fallback = DefaultFallback
	}
	return &Resolver{
		geo:       geo,
		timeout:   timeout,
		logger:    observability.Component(logger, "location"),
		lastKnown: fallback,
	}
}

// Resolve never fails; geolocation problems fall back to the last known good position.
func (r *Resolver) Resolve(ctx context.Context, profile models.MonitoringProfile) models.Coordinate {
	if profile.Location.HasManualCoordinates() {
		observability.LocationResolutionsTotal.WithLabelValues("manual").Inc()
		return profile.Location.ManualCoordinate()
	}

	if r.geo == nil {
		observability.LocationResolutionsTotal.WithLabelValues("fallback").Inc()
		return r.LastKnownGood()
	}

	geoCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	coord, err := r.geo.CurrentPosition(geoCtx, Request{Timeout: r.timeout})
	if err == nil && !coord.Valid() {
		err = ErrGeoUnavailable
	}
	if err != nil {
		last := r.LastKnownGood()
		r.logger.Warn("device location unavailable, using last known position",
			zap.String("user_id", profile.UserID),
			zap.Stringer("fallback", last),
			zap.Error(err),
		)
		observability.LocationResolutionsTotal.WithLabelValues("fallback").Inc()
		return last
	}

	r.mu.Lock()
	r.lastKnown = coord
	r.mu.Unlock()
	observability.LocationResolutionsTotal.WithLabelValues("device").Inc()
	return coord
}

// LastKnownGood returns the most recent successful device fix, or the fallback.
func (r *Resolver) LastKnownGood() models.Coordinate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnown
}
