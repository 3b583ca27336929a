// Package monitor runs the periodic AQI check for one session: resolve the
// location, fetch a reading, gate it against the user's profile, and alert.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/client"
	"github.com/kjstillabower/air-alert-service/internal/gate"
	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/notify"
	"github.com/kjstillabower/air-alert-service/internal/observability"
	"github.com/kjstillabower/air-alert-service/internal/session"
	"github.com/kjstillabower/air-alert-service/internal/traffic"
)

// DefaultInterval is the tick cadence.
const DefaultInterval = 10 * time.Second

// State is the phase of the current tick.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StateDeciding  State = "deciding"
	StateAlerting  State = "alerting"
)

// ProfileSource is the live profile of the session being monitored.
type ProfileSource interface {
	// Snapshot returns false once the session has ended.
	Snapshot() (models.MonitoringProfile, bool)
	RecordNotification(ctx context.Context, at time.Time) error
}

// LocationResolver picks the coordinate to check.
type LocationResolver interface {
	Resolve(ctx context.Context, profile models.MonitoringProfile) models.Coordinate
}

// Deps are the collaborators of a Monitor. Tracker is optional.
type Deps struct {
	Profile  ProfileSource
	Resolver LocationResolver
	Gateway  client.AQIGateway
	Sink     notify.Sink
	Tracker  *traffic.Tracker
}

// Check is the outcome of the last successful fetch.
type Check struct {
	At       time.Time         `json:"at"`
	Location models.Coordinate `json:"location"`
	Reading  models.AQIReading `json:"reading"`
	Alerted  bool              `json:"alerted"`
	Reason   gate.Reason       `json:"reason"`
}

// Monitor drives ticks on a fixed cadence until stopped.
type Monitor struct {
	deps     Deps
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	state  State
	last   *Check
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle monitor. A non-positive interval uses DefaultInterval.
func New(deps Deps, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		deps:     deps,
		interval: interval,
		logger:   observability.Component(logger, "monitor"),
		now:      time.Now,
		state:    StateIdle,
	}
}

// SetClock replaces the time source used for gating decisions.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start launches the tick loop. The first tick runs one interval after Start.
// Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(ctx, done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight tick to return. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setState(StateIdle)
}

// Running reports whether the loop goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastCheck returns the most recent successful fetch, or nil.
func (m *Monitor) LastCheck() *Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	c := *m.last
	return &c
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) clock() time.Time {
	m.mu.Lock()
	now := m.now
	m.mu.Unlock()
	return now()
}

// Tick runs one check. It returns the error it logged, if any; the loop ignores it.
func (m *Monitor) Tick(ctx context.Context) error {
	profile, ok := m.deps.Profile.Snapshot()
	if !ok {
		observability.MonitorTicksTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer m.setState(StateIdle)

	m.setState(StateResolving)
	coord := m.deps.Resolver.Resolve(ctx, profile)

	m.setState(StateFetching)
	reading, err := m.deps.Gateway.GetReading(ctx, coord)
	if m.deps.Tracker != nil && ctx.Err() == nil {
		m.deps.Tracker.Record(err)
	}
	if err != nil {
		if ctx.Err() != nil {
			observability.MonitorTicksTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		m.logger.Error("AQI check failed",
			zap.String("user_id", profile.UserID),
			zap.Stringer("location", coord),
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		observability.MonitorTicksTotal.WithLabelValues("error").Inc()
		return err
	}

	m.setState(StateDeciding)
	now := m.clock()
	decision := gate.Decide(reading, profile, now)
	m.recordCheck(Check{
		At:       now,
		Location: coord,
		Reading:  reading,
		Alerted:  decision.ShouldAlert,
		Reason:   decision.Reason,
	})

	if !decision.ShouldAlert {
		observability.AlertsSuppressedTotal.WithLabelValues(string(decision.Reason)).Inc()
		observability.MonitorTicksTotal.WithLabelValues("ok").Inc()
		m.logger.Debug("no alert",
			zap.String("user_id", profile.UserID),
			zap.Float64("aqi", reading.AQIValue()),
			zap.String("reason", string(decision.Reason)),
		)
		return nil
	}

	m.setState(StateAlerting)
	if _, live := m.deps.Profile.Snapshot(); !live {
		observability.MonitorTicksTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	m.deliver(ctx, profile, coord, reading, now)

	if err := m.deps.Profile.RecordNotification(ctx, *decision.Watermark); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			m.logger.Debug("session ended before watermark write", zap.String("user_id", profile.UserID))
			observability.MonitorTicksTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		m.logger.Error("failed to record notification", zap.String("user_id", profile.UserID), zap.Error(err))
		observability.MonitorTicksTotal.WithLabelValues("error").Inc()
		return err
	}
	observability.MonitorTicksTotal.WithLabelValues("ok").Inc()
	return nil
}

func (m *Monitor) recordCheck(c Check) {
	m.mu.Lock()
	m.last = &c
	m.mu.Unlock()
}

// deliver hands the alert to the sink. Delivery problems never block the watermark.
func (m *Monitor) deliver(ctx context.Context, profile models.MonitoringProfile, coord models.Coordinate, reading models.AQIReading, now time.Time) {
	if m.deps.Sink == nil {
		observability.AlertsSuppressedTotal.WithLabelValues("no_sink").Inc()
		return
	}
	aqi := reading.AQIValue()
	title, body := gate.AlertMessage(aqi)
	err := m.deps.Sink.Notify(ctx, notify.Alert{
		UserID:   profile.UserID,
		Title:    title,
		Body:     body,
		AQI:      aqi,
		City:     reading.CityName(),
		Location: coord,
		At:       now,
	})
	switch {
	case errors.Is(err, notify.ErrNoPermission):
		observability.AlertsSuppressedTotal.WithLabelValues("no_permission").Inc()
	case err != nil:
		observability.AlertsSuppressedTotal.WithLabelValues("sink_error").Inc()
		m.logger.Error("alert delivery failed", zap.String("user_id", profile.UserID), zap.Error(err))
	default:
		observability.AlertsSentTotal.Inc()
		m.logger.Info("alert sent",
			zap.String("user_id", profile.UserID),
			zap.Float64("aqi", aqi),
			zap.Float64("threshold", profile.AQIThreshold),
		)
	}
}
