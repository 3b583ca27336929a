package models

import (
	"fmt"
	"math"
)

// Coordinate is a point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both components are finite and inside WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

// AQIReading is a point-in-time air-quality observation. Nil fields were absent upstream.
type AQIReading struct {
	AQI               *float64 `json:"aqi"`
	City              *string  `json:"city"`
	PM25              *float64 `json:"pm25"`
	DominantPollutant *string  `json:"dominantPol"`
}

// AQIValue returns the index, treating a missing value as 0.
func (r AQIReading) AQIValue() float64 {
	if r.AQI == nil {
		return 0
	}
	return *r.AQI
}

// CityName returns the reported city or "".
func (r AQIReading) CityName() string {
	if r.City == nil {
		return ""
	}
	return *r.City
}

// Pollutant returns the dominant pollutant or "".
func (r AQIReading) Pollutant() string {
	if r.DominantPollutant == nil {
		return ""
	}
	return *r.DominantPollutant
}

// Station is a normalized city-search result.
type Station struct {
	UID     int         `json:"uid"`
	Name    string      `json:"name"`
	Country string      `json:"country,omitempty"`
	Geo     *Coordinate `json:"geo"`
}
