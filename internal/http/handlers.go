package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/client"
	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/monitor"
	"github.com/kjstillabower/air-alert-service/internal/session"
	"github.com/kjstillabower/air-alert-service/internal/traffic"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// StationSearcher finds stations by keyword.
type StationSearcher interface {
	Search(ctx context.Context, keyword string) ([]models.Station, error)
}

// AdviceSource returns a health tip. It never fails.
type AdviceSource interface {
	Advice(ctx context.Context, aqi float64, city, pollutant string) string
}

// StatusReporter is implemented by session runners that expose their progress.
type StatusReporter interface {
	Running() bool
	State() monitor.State
	LastCheck() *monitor.Check
}

// Deps are the collaborators of a Handler. Search, Advisor and Tracker are optional.
type Deps struct {
	Sessions *session.Manager
	Gateway  client.AQIGateway
	Search   StationSearcher
	Advisor  AdviceSource
	Tracker  *traffic.Tracker
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps             Deps
	healthConfig     *HealthConfig
	logger           *zap.Logger
	validate         *validator.Validate
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(deps Deps, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		deps:         deps,
		healthConfig: healthConfig,
		logger:       logger,
		validate:     validator.New(),
	}
}

// GetAQI handles GET /api/aqi?lat=&lng=.
func (h *Handler) GetAQI(w http.ResponseWriter, r *http.Request) {
	coord, ok := parseCoordinate(r.URL.Query().Get("lat"), r.URL.Query().Get("lng"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", "lat and lng must be finite decimal degrees")
		return
	}

	reading, err := h.deps.Gateway.GetReading(r.Context(), coord)
	if h.deps.Tracker != nil && r.Context().Err() == nil {
		h.deps.Tracker.Record(err)
	}
	if err != nil {
		writeProviderError(w, r, err, "Unable to fetch air quality data")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GetAdvice handles GET /api/advice?aqi=&city=&pollutant=. It always answers 200.
func (h *Handler) GetAdvice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aqi, err := strconv.ParseFloat(strings.TrimSpace(q.Get("aqi")), 64)
	if err != nil {
		aqi = 0
	}
	text := h.deps.Advisor.Advice(r.Context(), aqi, q.Get("city"), q.Get("pollutant"))
	writeJSON(w, http.StatusOK, map[string]string{"advice": text})
}

// GetSearch handles GET /api/search?keyword=.
func (h *Handler) GetSearch(w http.ResponseWriter, r *http.Request) {
	stations, err := h.deps.Search.Search(r.Context(), r.URL.Query().Get("keyword"))
	if err != nil {
		writeProviderError(w, r, err, "Unable to search locations right now.")
		return
	}
	if stations == nil {
		stations = []models.Station{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stations": stations})
}

type openSessionRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// PostSession handles POST /api/sessions. Opening a session starts its monitor.
func (h *Handler) PostSession(w http.ResponseWriter, r *http.Request) {
	var body openSessionRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	body.UserID = strings.TrimSpace(body.UserID)
	if err := h.validate.Struct(body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_USER", validationMessage(err))
		return
	}

	s, err := h.deps.Sessions.Open(r.Context(), body.UserID)
	if err != nil {
		if errors.Is(err, session.ErrDraining) {
			writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
			return
		}
		loggerFrom(r, h.logger).Error("open session", zap.String("user_id", body.UserID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SESSION_FAILED", "unable to open session")
		return
	}
	profile, _ := s.Profile.Snapshot()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId": s.ID,
		"profile":   profile,
	})
}

// DeleteSession handles DELETE /api/sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Sessions.Close(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProfile handles GET /api/sessions/{id}/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	profile, ok := s.Profile.Snapshot()
	if !ok {
		writeSessionError(w, r, session.ErrSessionClosed)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// PostSettings handles POST /api/sessions/{id}/settings. Only the fields
// present in the body change; the notification watermark is never touched.
func (h *Handler) PostSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	var update models.SettingsUpdate
	if err := decodeBody(w, r, &update); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if err := h.validate.Struct(update); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_SETTINGS", validationMessage(err))
		return
	}

	profile, err := s.Profile.ApplySettings(r.Context(), update)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			writeSessionError(w, r, err)
			return
		}
		loggerFrom(r, h.logger).Error("save settings", zap.String("session_id", s.ID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SETTINGS_FAILED", "unable to save settings")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type positionRequest struct {
	Lat    *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng    *float64 `json:"lng" validate:"omitempty,longitude"`
	Denied bool     `json:"denied"`
}

// PostPosition handles POST /api/sessions/{id}/position: a device fix
// {lat,lng} or a permission refusal {denied:true}.
func (h *Handler) PostPosition(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	var body positionRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.Denied {
		s.Position.Deny()
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "denied": true})
		return
	}
	if body.Lat == nil || body.Lng == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", "lat and lng are required")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", validationMessage(err))
		return
	}
	coord := models.Coordinate{Lat: *body.Lat, Lng: *body.Lng}
	if err := s.Position.Report(coord); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "position": coord})
}

// GetStatus handles GET /api/sessions/{id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	profile, _ := s.Profile.Snapshot()
	resp := map[string]interface{}{
		"sessionId":      s.ID,
		"userId":         s.UserID,
		"openedAt":       s.OpenedAt.UTC().Format(time.RFC3339),
		"lastNotifiedAt": profile.LastNotifiedAt,
		"running":        false,
		"state":          monitor.StateIdle,
		"lastCheck":      nil,
	}
	if rep, ok := s.Runner().(StatusReporter); ok {
		resp["running"] = rep.Running()
		resp["state"] = rep.State()
		if c := rep.LastCheck(); c != nil {
			resp["lastCheck"] = c
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.reason == "error_rate_breach" {
		checks["aqiProvider"] = "unhealthy"
	} else {
		checks["aqiProvider"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "air-alert-service",
		"version":   "dev",
		"checks":    checks,
		"sessions":  h.deps.Sessions.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.deps.Sessions.Draining() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && h.deps.Tracker != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		if h.deps.Tracker.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func parseCoordinate(latStr, lngStr string) (models.Coordinate, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return models.Coordinate{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return models.Coordinate{}, false
	}
	c := models.Coordinate{Lat: lat, Lng: lng}
	if !c.Valid() {
		return models.Coordinate{}, false
	}
	return c, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

// validationMessage flattens validator errors into "field: tag" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+": "+fe.Tag())
	}
	return "invalid " + strings.Join(parts, ", ")
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeProviderError writes 502 for provider failures and 500 for anything else.
func writeProviderError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logger := loggerFrom(r, nil)
	if client.IsProviderError(err) {
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", message)
		if logger != nil {
			logger.Debug("upstream error", zap.Error(err), zap.String("error_category", string(client.CategorizeError(err))))
		}
		return
	}
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", message)
	if logger != nil {
		logger.Warn("request failed", zap.Error(err))
	}
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		writeError(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "unexpected session error")
	}
}

// loggerFrom returns the correlation-scoped logger, or fallback when none is set.
func loggerFrom(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
