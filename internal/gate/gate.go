// Package gate decides whether a reading should produce an alert and computes the
// resulting "last notified" watermark. It performs no I/O.
package gate

import (
	"fmt"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"
)

// Reason labels the outcome of a decision for logs and metrics.
type Reason string

const (
	ReasonAlert              Reason = "alert"
	ReasonBelowThreshold     Reason = "below_threshold"
	ReasonIntervalNotElapsed Reason = "interval_not_elapsed"
)

// cigarettesPerAQI converts an AQI value to the "cigarettes smoked" figure shown in alerts.
const cigarettesPerAQI = 22

// Decision is the result of Decide. Watermark is now when ShouldAlert is true,
// otherwise the profile's previous LastNotifiedAt (possibly nil).
type Decision struct {
	ShouldAlert bool
	Watermark   *time.Time
	Reason      Reason
	Elapsed     time.Duration
	Required    time.Duration
}

// Decide applies the threshold and re-notification interval to reading.
// A never-notified profile is measured from the Unix epoch, so its first
// qualifying reading alerts immediately. A missing AQI counts as 0.
func Decide(reading models.AQIReading, profile models.MonitoringProfile, now time.Time) Decision {
	last := time.Unix(0, 0)
	if profile.LastNotifiedAt != nil {
		last = *profile.LastNotifiedAt
	}

	requiredMinutes := profile.IntervalMinutes()
	elapsed := now.Sub(last)
	elapsedMinutes := float64(elapsed) / float64(time.Minute)

	d := Decision{
		Watermark: profile.LastNotifiedAt,
		Elapsed:   elapsed,
		Required:  time.Duration(requiredMinutes * float64(time.Minute)),
	}
	switch {
	case reading.AQIValue() <= profile.AQIThreshold:
		d.Reason = ReasonBelowThreshold
	case elapsedMinutes < requiredMinutes:
		d.Reason = ReasonIntervalNotElapsed
	default:
		ts := now
		d.ShouldAlert = true
		d.Watermark = &ts
		d.Reason = ReasonAlert
	}
	return d
}

// CigaretteEquivalent returns aqi expressed as cigarettes smoked.
func CigaretteEquivalent(aqi float64) float64 {
	return aqi / cigarettesPerAQI
}

// AlertMessage builds the user-facing title and body for an alert at aqi.
func AlertMessage(aqi float64) (title, body string) {
	title = "Air Quality Alert"
	body = fmt.Sprintf("Air Alert: AQI %s - Breathing this is like smoking %.1f cigarettes.",
		formatAQI(aqi), CigaretteEquivalent(aqi))
	return title, body
}

func formatAQI(aqi float64) string {
	if aqi == float64(int64(aqi)) {
		return fmt.Sprintf("%d", int64(aqi))
	}
	return fmt.Sprintf("%.1f", aqi)
}
