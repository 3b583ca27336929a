package models

import (
	"math"
	"time"
)

// IntervalUnit is the unit a notification interval is stored in.
type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
)

// LocationMode selects where monitored coordinates come from.
type LocationMode string

const (
	ModeGPS    LocationMode = "gps"
	ModeManual LocationMode = "manual"
)

// Profile defaults applied to newly created users.
const (
	DefaultAQIThreshold         = 150
	DefaultNotificationInterval = 2
	DefaultNotificationUnit     = UnitHours
)

// LocationPreference is the user's stored choice between device location and a saved station.
type LocationPreference struct {
	Mode       LocationMode `json:"mode"`
	ManualName string       `json:"manualName"`
	ManualLat  float64      `json:"manualLat" validate:"latitude"`
	ManualLng  float64      `json:"manualLng" validate:"longitude"`
}

// HasManualCoordinates reports whether the manual coordinates can be trusted.
// (0,0) means "unset" and always falls through to device location.
func (p LocationPreference) HasManualCoordinates() bool {
	if p.Mode != ModeManual {
		return false
	}
	if !isFinite(p.ManualLat) || !isFinite(p.ManualLng) {
		return false
	}
	return !(p.ManualLat == 0 && p.ManualLng == 0)
}

// ManualCoordinate returns the saved manual coordinate.
func (p LocationPreference) ManualCoordinate() Coordinate {
	return Coordinate{Lat: p.ManualLat, Lng: p.ManualLng}
}

// MonitoringProfile is the per-user state the monitor evaluates on every tick.
type MonitoringProfile struct {
	UserID               string             `json:"userId"`
	AQIThreshold         float64            `json:"aqiThreshold"`
	NotificationInterval float64            `json:"notificationInterval"`
	NotificationUnit     IntervalUnit       `json:"notificationUnit"`
	LastNotifiedAt       *time.Time         `json:"lastNotifiedAt"`
	Location             LocationPreference `json:"locationPreference"`
}

// NewProfile returns a profile for userID populated with defaults.
func NewProfile(userID string) MonitoringProfile {
	return MonitoringProfile{
		UserID:               userID,
		AQIThreshold:         DefaultAQIThreshold,
		NotificationInterval: DefaultNotificationInterval,
		NotificationUnit:     DefaultNotificationUnit,
		Location:             LocationPreference{Mode: ModeGPS},
	}
}

// IntervalMinutes normalizes the stored (value, unit) pair to minutes.
// A non-positive interval counts as 1 and an empty unit as hours.
func (p MonitoringProfile) IntervalMinutes() float64 {
	interval := p.NotificationInterval
	if interval <= 0 || !isFinite(interval) {
		interval = 1
	}
	unit := p.NotificationUnit
	if unit == "" {
		unit = UnitHours
	}
	if unit == UnitHours {
		return interval * 60
	}
	return interval
}

// Clone returns a copy that shares no pointers with p.
func (p MonitoringProfile) Clone() MonitoringProfile {
	out := p
	if p.LastNotifiedAt != nil {
		t := *p.LastNotifiedAt
		out.LastNotifiedAt = &t
	}
	return out
}

// SettingsUpdate is a field-level patch of the user-editable settings.
// Nil fields are left unchanged; the watermark is never part of a settings write.
type SettingsUpdate struct {
	AQIThreshold         *float64            `json:"aqiThreshold,omitempty" validate:"omitempty,gte=0,lte=1000"`
	NotificationInterval *float64            `json:"notificationInterval,omitempty" validate:"omitempty,gt=0,lte=10080"`
	NotificationUnit     *IntervalUnit       `json:"notificationUnit,omitempty" validate:"omitempty,oneof=minutes hours"`
	Location             *LocationPreference `json:"locationPreference,omitempty" validate:"omitempty"`
}

// Apply merges the non-nil fields of u into p.
func (u SettingsUpdate) Apply(p *MonitoringProfile) {
	if u.AQIThreshold != nil {
		p.AQIThreshold = *u.AQIThreshold
	}
	if u.NotificationInterval != nil {
		p.NotificationInterval = *u.NotificationInterval
	}
	if u.NotificationUnit != nil {
		p.NotificationUnit = *u.NotificationUnit
	}
	if u.Location != nil {
		p.Location = SanitizeLocation(*u.Location)
	}
}

// SanitizeLocation coerces unknown modes to gps and non-finite coordinates to zero.
func SanitizeLocation(pref LocationPreference) LocationPreference {
	if pref.Mode != ModeGPS && pref.Mode != ModeManual {
		pref.Mode = ModeGPS
	}
	if !isFinite(pref.ManualLat) {
		pref.ManualLat = 0
	}
	if !isFinite(pref.ManualLng) {
		pref.ManualLng = 0
	}
	return pref
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
