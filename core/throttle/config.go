package throttle

import (
	"fmt"
	"strconv"
)

// Metric names the throttled sample streams.
const (
	MetricTemperature  = "temperature"
	MetricHumidity     = "humidity"
	MetricCO2          = "co2"
	MetricVOC          = "voc"
	MetricAirQuality   = "air_quality"
	MetricSoilMoisture = "soil_moisture"
	MetricLux          = "lux"
	MetricPressure     = "pressure"
	MetricPH           = "ph"
	MetricEC           = "ec"
)

// Metrics is the closed set of throttled metrics.
var Metrics = []string{
	MetricTemperature, MetricHumidity, MetricCO2, MetricVOC, MetricAirQuality,
	MetricSoilMoisture, MetricLux, MetricPressure, MetricPH, MetricEC,
}

// Config controls the per-metric persistence throttle plus the plant
// sensor alert thresholds. Round-trips losslessly through a string map.
type Config struct {
	IntervalMinutes map[string]int
	ChangeThreshold map[string]float64

	// Hybrid stores on elapsed time OR significant change; time-only
	// stores on elapsed time alone.
	UseHybridStrategy bool
	ThrottlingEnabled bool
	DebugLogging      bool

	// pH alerting thresholds (nutrient availability).
	PHWarningMin  float64
	PHWarningMax  float64
	PHCriticalMin float64
	PHCriticalMax float64

	// EC alerting thresholds (mS/cm).
	ECWarningMax  float64
	ECCriticalMax float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IntervalMinutes: map[string]int{
			MetricTemperature:  30,
			MetricHumidity:     30,
			MetricCO2:          30,
			MetricVOC:          30,
			MetricAirQuality:   30,
			MetricSoilMoisture: 60,
			MetricLux:          30,
			MetricPressure:     30,
			MetricPH:           60,
			MetricEC:           60,
		},
		ChangeThreshold: map[string]float64{
			MetricTemperature:  1.0,   // °C
			MetricHumidity:     5.0,   // % points
			MetricCO2:          100.0, // ppm
			MetricVOC:          50.0,  // ppb
			MetricAirQuality:   10.0,  // IAQ index
			MetricSoilMoisture: 10.0,  // % points
			MetricLux:          50.0,  // lux
			MetricPressure:     1.0,   // hPa
			MetricPH:           0.2,
			MetricEC:           150.0, // µS/cm
		},
		UseHybridStrategy: true,
		ThrottlingEnabled: true,
		PHWarningMin:      5.2,
		PHWarningMax:      7.2,
		PHCriticalMin:     4.5,
		PHCriticalMax:     8.0,
		ECWarningMax:      3.0,
		ECCriticalMax:     4.5,
	}
}

// AlertLevel classifies a pH or EC value against the config thresholds.
type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert evaluates the plant-sensor alert thresholds. Metrics without
// thresholds are always AlertOK.
func (c Config) Alert(metric string, value float64) AlertLevel {
	switch metric {
	case MetricPH:
		if value < c.PHCriticalMin || value > c.PHCriticalMax {
			return AlertCritical
		}
		if value < c.PHWarningMin || value > c.PHWarningMax {
			return AlertWarning
		}
	case MetricEC:
		if value > c.ECCriticalMax {
			return AlertCritical
		}
		if value > c.ECWarningMax {
			return AlertWarning
		}
	}
	return AlertOK
}

// ToMap flattens the config to a string map for persistence.
func (c Config) ToMap() map[string]string {
	m := map[string]string{
		"strategy":           "time_only",
		"throttling_enabled": strconv.FormatBool(c.ThrottlingEnabled),
		"debug_logging":      strconv.FormatBool(c.DebugLogging),
		"ph_warning_min":     formatFloat(c.PHWarningMin),
		"ph_warning_max":     formatFloat(c.PHWarningMax),
		"ph_critical_min":    formatFloat(c.PHCriticalMin),
		"ph_critical_max":    formatFloat(c.PHCriticalMax),
		"ec_warning_max":     formatFloat(c.ECWarningMax),
		"ec_critical_max":    formatFloat(c.ECCriticalMax),
	}
	if c.UseHybridStrategy {
		m["strategy"] = "hybrid"
	}
	for metric, minutes := range c.IntervalMinutes {
		m["interval_minutes."+metric] = strconv.Itoa(minutes)
	}
	for metric, threshold := range c.ChangeThreshold {
		m["change_threshold."+metric] = formatFloat(threshold)
	}
	return m
}

// FromMap rebuilds a config from its flattened form. Missing keys fall
// back to defaults so partial maps stay usable.
func FromMap(m map[string]string) Config {
	c := DefaultConfig()
	if len(m) == 0 {
		return c
	}
	if v, ok := m["strategy"]; ok {
		c.UseHybridStrategy = v == "hybrid"
	}
	if v, ok := m["throttling_enabled"]; ok {
		c.ThrottlingEnabled = v == "true"
	}
	if v, ok := m["debug_logging"]; ok {
		c.DebugLogging = v == "true"
	}
	parseInto(m, "ph_warning_min", &c.PHWarningMin)
	parseInto(m, "ph_warning_max", &c.PHWarningMax)
	parseInto(m, "ph_critical_min", &c.PHCriticalMin)
	parseInto(m, "ph_critical_max", &c.PHCriticalMax)
	parseInto(m, "ec_warning_max", &c.ECWarningMax)
	parseInto(m, "ec_critical_max", &c.ECCriticalMax)
	for _, metric := range Metrics {
		if v, ok := m["interval_minutes."+metric]; ok {
			if minutes, err := strconv.Atoi(v); err == nil {
				c.IntervalMinutes[metric] = minutes
			}
		}
		if v, ok := m["change_threshold."+metric]; ok {
			if threshold, err := strconv.ParseFloat(v, 64); err == nil {
				c.ChangeThreshold[metric] = threshold
			}
		}
	}
	return c
}

func parseInto(m map[string]string, key string, dst *float64) {
	if v, ok := m[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// String implements fmt.Stringer for debug logging.
func (c Config) String() string {
	strategy := "time_only"
	if c.UseHybridStrategy {
		strategy = "hybrid"
	}
	return fmt.Sprintf("throttle.Config{strategy=%s enabled=%t}", strategy, c.ThrottlingEnabled)
}
