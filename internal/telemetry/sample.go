package telemetry

import (
	"math"
	"strconv"
	"time"
)

// Metric is a reading that may be unavailable. Unavailable readings
// encode as JSON null so consumers never mistake them for zero.
type Metric struct {
	value float64
	ok    bool
}

// Value returns an available reading.
func Value(v float64) Metric {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unavailable()
	}
	return Metric{value: v, ok: true}
}

// Unavailable returns the sentinel for a missing reading.
func Unavailable() Metric { return Metric{} }

// Get returns the reading and whether it is available.
func (m Metric) Get() (float64, bool) { return m.value, m.ok }

// MarshalJSON encodes the reading rounded to one decimal, or null.
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.ok {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, math.Round(m.value*10)/10, 'f', -1, 64), nil
}

// UnmarshalJSON accepts a number or null.
func (m *Metric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = Unavailable()
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*m = Value(v)
	return nil
}

// Sample is one telemetry reading. It is sent once and discarded.
type Sample struct {
	Timestamp          time.Time `json:"timestamp"`
	CPUPercent         Metric    `json:"cpu_percent"`
	RAMPercent         Metric    `json:"ram_percent"`
	TemperatureCelsius Metric    `json:"temperature_celsius"`
	UptimeSeconds      Metric    `json:"uptime_seconds"`
}
