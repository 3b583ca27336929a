package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/observability"
)

// DefaultBaseURL is the public WAQI API root.
const DefaultBaseURL = "https://api.waqi.info"

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 1 << 20

// AQIGateway fetches a point-in-time reading for a coordinate.
type AQIGateway interface {
	GetReading(ctx context.Context, coord models.Coordinate) (models.AQIReading, error)
}

var (
	// ErrUpstreamFailure marks every provider-side failure (ProviderError).
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrMalformedPayload is wrapped alongside ErrUpstreamFailure when the body has an unexpected shape.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidToken     = errors.New("invalid API token")
	ErrRateLimited      = errors.New("rate limited")
	// ErrMissingToken is a configuration error: the provider credential is absent.
	ErrMissingToken = errors.New("WAQI API token is required")
)

// WAQIClient reads the WAQI geo feed. Each call is a single round trip; retry
// cadence belongs to the caller.
type WAQIClient struct {
	token   string
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWAQIClient returns a client for baseURL (DefaultBaseURL when empty).
// An empty token fails with ErrMissingToken.
func NewWAQIClient(token, baseURL string, timeout time.Duration) (*WAQIClient, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &WAQIClient{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
	c.SetBreaker(5, 30*time.Second)
	return c, nil
}

// SetBreaker replaces the circuit breaker. The breaker opens after failures
// consecutive errors and probes again after cooldown. failures <= 0 disables it.
func (c *WAQIClient) SetBreaker(failures int, cooldown time.Duration) {
	if failures <= 0 {
		c.breaker = nil
		return
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "waqi",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		// A call abandoned by its caller says nothing about the provider.
		IsSuccessful: func(err error) bool {
			var abandoned *callerDoneError
			return err == nil || errors.As(err, &abandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})
	observability.CircuitBreakerState.Set(0)
}

type feedEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type feedData struct {
	AQI  json.RawMessage `json:"aqi"`
	City *struct {
		Name *string `json:"name"`
	} `json:"city"`
	DominantPol *string `json:"dominentpol"`
	IAQI        map[string]struct {
		V json.RawMessage `json:"v"`
	} `json:"iaqi"`
}

// GetReading fetches the reading nearest to coord.
func (c *WAQIClient) GetReading(ctx context.Context, coord models.Coordinate) (models.AQIReading, error) {
	if c.breaker == nil {
		return c.fetch(ctx, coord)
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		reading, err := c.fetch(ctx, coord)
		if err != nil && ctx.Err() != nil {
			return reading, &callerDoneError{err: err}
		}
		return reading, err
	})
	if err != nil {
		var abandoned *callerDoneError
		if errors.As(err, &abandoned) {
			return models.AQIReading{}, abandoned.err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.AQIReading{}, fmt.Errorf("%w: circuit open: %v", ErrUpstreamFailure, err)
		}
		return models.AQIReading{}, err
	}
	return res.(models.AQIReading), nil
}

// callerDoneError marks a fetch that failed because the caller's context ended.
type callerDoneError struct{ err error }

func (e *callerDoneError) Error() string { return e.err.Error() }
func (e *callerDoneError) Unwrap() error { return e.err }

func (c *WAQIClient) fetch(ctx context.Context, coord models.Coordinate) (models.AQIReading, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/feed/geo:%s;%s/", c.baseURL, formatDegrees(coord.Lat), formatDegrees(coord.Lng))
	body, status, err := c.get(reqCtx, endpoint, url.Values{})
	duration := time.Since(start).Seconds()
	observability.AQIAPICallsTotal.WithLabelValues(status).Inc()
	observability.AQIAPIDuration.WithLabelValues(status).Observe(duration)
	if err != nil {
		return models.AQIReading{}, err
	}

	var env feedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.AQIReading{}, fmt.Errorf("%w: %w: parse response: %v", ErrUpstreamFailure, ErrMalformedPayload, err)
	}
	if err := envelopeError(env); err != nil {
		return models.AQIReading{}, err
	}

	var data feedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return models.AQIReading{}, fmt.Errorf("%w: %w: parse data: %v", ErrUpstreamFailure, ErrMalformedPayload, err)
	}
	return normalizeFeed(data), nil
}

// get performs the GET and returns the body plus a metric status label.
func (c *WAQIClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, string, error) {
	return doGet(ctx, c.client, endpoint, c.token, params)
}

func doGet(ctx context.Context, hc *http.Client, endpoint, token string, params url.Values) ([]byte, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, "error", fmt.Errorf("invalid API URL: %w", err)
	}
	params.Set("token", token)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "error", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, "error", fmt.Errorf("%w: request timeout: %w", ErrUpstreamFailure, err)
		}
		return nil, "error", fmt.Errorf("%w: http request failed: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	if err := handleErrorResponse(resp); err != nil {
		return nil, status, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, status, fmt.Errorf("%w: read response body: %w", ErrUpstreamFailure, err)
	}
	return body, status, nil
}

// envelopeError maps a non-"ok" WAQI envelope to an error. WAQI reports a bad
// token as HTTP 200 with status "error" and data "Invalid key".
func envelopeError(env feedEnvelope) error {
	if env.Status == "ok" {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return fmt.Errorf("%w: %w: missing data", ErrUpstreamFailure, ErrMalformedPayload)
		}
		return nil
	}
	var msg string
	_ = json.Unmarshal(env.Data, &msg)
	if strings.EqualFold(msg, "invalid key") {
		return fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrInvalidToken)
	}
	if msg == "" {
		msg = env.Status
	}
	return fmt.Errorf("%w: provider status %q: %s", ErrUpstreamFailure, env.Status, msg)
}

// normalizeFeed converts the feed payload into the canonical reading.
// PM2.5 falls back to the overall index when the station has no pm25 entry.
func normalizeFeed(d feedData) models.AQIReading {
	r := models.AQIReading{
		AQI:               parseNumber(d.AQI),
		DominantPollutant: nonEmpty(d.DominantPol),
	}
	if d.City != nil {
		r.City = nonEmpty(d.City.Name)
	}
	if pm, ok := d.IAQI["pm25"]; ok {
		r.PM25 = parseNumber(pm.V)
	}
	if r.PM25 == nil && r.AQI != nil {
		v := *r.AQI
		r.PM25 = &v
	}
	return r
}

// parseNumber accepts a JSON number or numeric string. "-", null and non-finite values yield nil.
func parseNumber(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}

func formatDegrees(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrInvalidToken)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
