package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/observability"
)

// StationSearch looks up monitoring stations by free-text keyword.
// A missing token is not fatal: searches return no results.
type StationSearch struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewStationSearch returns a search client for baseURL (DefaultBaseURL when empty).
func NewStationSearch(token, baseURL string, timeout time.Duration, logger *zap.Logger) *StationSearch {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StationSearch{
		token:   strings.TrimSpace(token),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  observability.Component(logger, "station_search"),
	}
}

type searchEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type rawStation struct {
	UID     json.RawMessage   `json:"uid"`
	Name    *string           `json:"name"`
	Country *string           `json:"country"`
	Geo     []json.RawMessage `json:"geo"`
	Station *struct {
		Name    *string           `json:"name"`
		Country *string           `json:"country"`
		Geo     []json.RawMessage `json:"geo"`
	} `json:"station"`
}

// Search returns stations matching keyword in provider order.
func (s *StationSearch) Search(ctx context.Context, keyword string) ([]models.Station, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, nil
	}
	if s.token == "" {
		s.logger.Warn("WAQI token missing; station search disabled")
		observability.SearchCallsTotal.WithLabelValues("skipped").Inc()
		return nil, nil
	}

	params := url.Values{}
	params.Set("keyword", keyword)
	body, _, err := doGet(ctx, s.client, s.baseURL+"/search/", s.token, params)
	if err != nil {
		observability.SearchCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var env searchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		observability.SearchCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w: parse response: %v", ErrUpstreamFailure, ErrMalformedPayload, err)
	}
	if err := envelopeError(feedEnvelope(env)); err != nil {
		observability.SearchCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var raw []rawStation
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		// A non-array payload is treated as no matches.
		s.logger.Debug("search data is not an array", zap.Error(err))
		raw = nil
	}
	observability.SearchCallsTotal.WithLabelValues("success").Inc()

	stations := make([]models.Station, 0, len(raw))
	for _, r := range raw {
		stations = append(stations, normalizeStation(r))
	}
	return stations, nil
}

// normalizeStation folds the nested and flat record shapes into one Station.
func normalizeStation(r rawStation) models.Station {
	st := models.Station{Name: "Unknown station"}
	if uid := parseNumber(r.UID); uid != nil {
		st.UID = int(*uid)
	}

	geo := r.Geo
	if r.Station != nil {
		if n := nonEmpty(r.Station.Name); n != nil {
			st.Name = *n
		}
		if c := nonEmpty(r.Station.Country); c != nil {
			st.Country = *c
		}
		if len(r.Station.Geo) > 0 {
			geo = r.Station.Geo
		}
	}
	if st.Name == "Unknown station" {
		if n := nonEmpty(r.Name); n != nil {
			st.Name = *n
		}
	}
	if st.Country == "" {
		if c := nonEmpty(r.Country); c != nil {
			st.Country = *c
		}
	}
	st.Geo = extractGeo(geo)
	return st
}

func extractGeo(raw []json.RawMessage) *models.Coordinate {
	if len(raw) < 2 {
		return nil
	}
	lat := parseNumber(raw[0])
	lng := parseNumber(raw[1])
	if lat == nil || lng == nil {
		return nil
	}
	return &models.Coordinate{Lat: *lat, Lng: *lng}
}
