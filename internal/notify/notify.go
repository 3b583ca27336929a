// Package notify delivers air-quality alerts to the user.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/observability"
)

// ErrNoPermission is returned by a Permissioned sink that was never granted permission.
// Callers treat it as a silent drop.
var ErrNoPermission = errors.New("notification permission not granted")

// Alert is one user-facing notification.
type Alert struct {
	UserID   string            `json:"userId"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	AQI      float64           `json:"aqi"`
	City     string            `json:"city,omitempty"`
	Location models.Coordinate `json:"location"`
	At       time.Time         `json:"at"`
}

// Sink presents an alert.
type Sink interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to the service log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: observability.Component(logger, "notify")}
}

func (s *LogSink) Notify(ctx context.Context, alert Alert) error {
	s.logger.Info(alert.Title,
		zap.String("user_id", alert.UserID),
		zap.String("body", alert.Body),
		zap.Float64("aqi", alert.AQI),
		zap.String("city", alert.City),
	)
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PermissionFunc asks the user (or operator) whether alerts may be shown.
type PermissionFunc func(ctx context.Context) (bool, error)

// Permissioned gates a sink behind a one-time permission request.
type Permissioned struct {
	sink    Sink
	request PermissionFunc

	once    sync.Once
	mu      sync.RWMutex
	granted bool
}

func NewPermissioned(sink Sink, request PermissionFunc) *Permissioned {
	return &Permissioned{sink: sink, request: request}
}

// RequestPermission asks once; later calls return the first answer.
// A request error counts as a refusal.
func (p *Permissioned) RequestPermission(ctx context.Context) bool {
	p.once.Do(func() {
		ok := false
		if p.request != nil {
			granted, err := p.request(ctx)
			ok = err == nil && granted
		}
		p.mu.Lock()
		p.granted = ok
		p.mu.Unlock()
	})
	return p.Granted()
}

func (p *Permissioned) Granted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.granted
}

func (p *Permissioned) Notify(ctx context.Context, alert Alert) error {
	if !p.Granted() {
		return ErrNoPermission
	}
	return p.sink.Notify(ctx, alert)
}
