// Package advice produces a one-sentence health tip for an AQI reading.
package advice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/cache"
	"github.com/kjstillabower/air-alert-service/internal/observability"
)

const (
	// FallbackAdvice is returned when generation fails.
	FallbackAdvice = "Monitor AQI closely and adjust outdoor exposure accordingly."
	// EmptyAdvice is returned when the generator answers with no text.
	EmptyAdvice = "Stay aware of current air conditions and adjust outdoor activity accordingly."

	defaultCity      = "your area"
	defaultPollutant = "PM2.5"
	maxFieldRunes    = 80
)

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Advisor never fails: generation errors degrade to FallbackAdvice.
// Generated text is cached; fallbacks are not. Concurrent misses for the same
// key share one generation.
type Advisor struct {
	gen     Generator
	cache   cache.Cache
	ttl     time.Duration
	logger  *zap.Logger
	flights *coalescer
}

// NewAdvisor returns an Advisor. c may be nil to disable caching.
func NewAdvisor(gen Generator, c cache.Cache, ttl time.Duration, logger *zap.Logger) *Advisor {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Advisor{
		gen:     gen,
		cache:   c,
		ttl:     ttl,
		logger:  observability.Component(logger, "advice"),
		flights: newCoalescer(),
	}
}

// Request is the sanitized input of one advice lookup.
type Request struct {
	AQI       float64
	City      string
	Pollutant string
}

// NewRequest applies the input rules: city and pollutant are truncated to 80
// characters with defaults when blank, and a non-finite AQI becomes 0.
func NewRequest(aqi float64, city, pollutant string) Request {
	if math.IsNaN(aqi) || math.IsInf(aqi, 0) {
		aqi = 0
	}
	return Request{
		AQI:       aqi,
		City:      truncate(city, defaultCity),
		Pollutant: truncate(pollutant, defaultPollutant),
	}
}

func truncate(s, fallback string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxFieldRunes {
		s = string(r[:maxFieldRunes])
	}
	if s == "" {
		return fallback
	}
	return s
}

// Prompt renders the generator prompt.
func (r Request) Prompt() string {
	return fmt.Sprintf("You are a medical health expert. The Air Quality Index (AQI) in %s is %s and the dominant pollutant is %s. "+
		"Give one single, short, impactful sentence (max 15 words) of specific health advice for right now. "+
		"Do not be generic. Be urgent if high, calm if low.",
		r.City, strconv.FormatFloat(r.AQI, 'f', -1, 64), r.Pollutant)
}

func (r Request) cacheKey() string {
	return fmt.Sprintf("%d|%s|%s", int64(math.Round(r.AQI)), strings.ToLower(r.City), strings.ToLower(r.Pollutant))
}

// Advice returns health advice for the reading.
func (a *Advisor) Advice(ctx context.Context, aqi float64, city, pollutant string) string {
	req := NewRequest(aqi, city, pollutant)
	key := req.cacheKey()

	if a.cache != nil {
		text, ok, err := a.cache.Get(ctx, key)
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			a.logger.Warn("advice cache get failed", zap.Error(err))
		} else if ok {
			observability.AdviceRequestsTotal.WithLabelValues("cached").Inc()
			return text
		}
	}

	if a.gen == nil {
		observability.AdviceRequestsTotal.WithLabelValues("fallback").Inc()
		return FallbackAdvice
	}

	text, shared, err := a.flights.do(ctx, key, func() (string, error) {
		return a.generate(ctx, req, key)
	})
	switch {
	case errors.Is(err, errEmptyAdvice):
		observability.AdviceRequestsTotal.WithLabelValues("empty").Inc()
		return EmptyAdvice
	case err != nil:
		a.logger.Warn("advice generation failed",
			zap.String("city", req.City),
			zap.Float64("aqi", req.AQI),
			zap.Bool("shared", shared),
			zap.Error(err),
		)
		observability.AdviceRequestsTotal.WithLabelValues("fallback").Inc()
		return FallbackAdvice
	case shared:
		observability.AdviceRequestsTotal.WithLabelValues("coalesced").Inc()
	default:
		observability.AdviceRequestsTotal.WithLabelValues("generated").Inc()
	}
	return text
}

// errEmptyAdvice marks a generator answer with no text.
var errEmptyAdvice = errors.New("empty advice")

// generate calls the generator and caches a non-empty answer.
func (a *Advisor) generate(ctx context.Context, req Request, key string) (string, error) {
	text, err := a.gen.Generate(ctx, req.Prompt())
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyAdvice
	}
	if a.cache != nil {
		if err := a.cache.Set(ctx, key, text, a.ttl); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			a.logger.Warn("advice cache set failed", zap.Error(err))
		}
	}
	return text, nil
}
