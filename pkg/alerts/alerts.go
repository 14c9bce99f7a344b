package alerts

import (
	"fmt"

	"weatherdash/pkg/proto"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
	MetricCO2         Metric = "co2"
	MetricWindSpeed   Metric = "windSpeed"
	MetricRainfall    Metric = "rainfall"
	MetricPressure    Metric = "pressure"
)

// Alert is one threshold crossing in a reading.
type Alert struct {
	Metric    Metric
	Severity  Severity
	Condition string
	Value     float64
}

func (a Alert) Title() string {
	switch a.Severity {
	case SeverityDanger:
		return "Weather danger"
	case SeverityWarning:
		return "Weather warning"
	default:
		return "Weather notice"
	}
}

func (a Alert) Body() string {
	return a.Condition + " detected"
}

// Thresholds are strict bounds: a value must exceed (or fall below) them.
type Thresholds struct {
	TemperatureCold    float64
	TemperatureHot     float64
	TemperatureVeryHot float64
	HumidityVeryLow    float64
	HumidityVeryHigh   float64
	CO2Warning         float64
	CO2Danger          float64
	WindWarning        float64
	WindDanger         float64
	RainHeavy          float64
	RainVeryHeavy      float64
	PressureVeryLow    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TemperatureCold:    10,
		TemperatureHot:     35,
		TemperatureVeryHot: 40,
		HumidityVeryLow:    20,
		HumidityVeryHigh:   90,
		CO2Warning:         1000,
		CO2Danger:          2000,
		WindWarning:        20,
		WindDanger:         25,
		RainHeavy:          50,
		RainVeryHeavy:      100,
		PressureVeryLow:    980,
	}
}

// Evaluate returns at most one alert per metric, the most severe one.
func Evaluate(r proto.SensorReading, th Thresholds) []Alert {
	var out []Alert
	add := func(m Metric, s Severity, v float64, format string) {
		out = append(out, Alert{Metric: m, Severity: s, Value: v, Condition: fmt.Sprintf(format, v)})
	}

	switch t := r.Temperature; {
	case t > th.TemperatureVeryHot:
		add(MetricTemperature, SeverityDanger, t, "Very hot temperature: %.1f°C")
	case t > th.TemperatureHot:
		add(MetricTemperature, SeverityWarning, t, "Hot temperature: %.1f°C")
	case t < th.TemperatureCold:
		add(MetricTemperature, SeverityWarning, t, "Cold temperature: %.1f°C")
	}

	switch h := r.Humidity; {
	case h > th.HumidityVeryHigh:
		add(MetricHumidity, SeverityWarning, h, "Very high humidity: %.0f%%")
	case h < th.HumidityVeryLow:
		add(MetricHumidity, SeverityWarning, h, "Very low humidity: %.0f%%")
	}

	switch c := r.CO2; {
	case c > th.CO2Danger:
		add(MetricCO2, SeverityDanger, c, "Dangerous CO₂: %.0f ppm")
	case c > th.CO2Warning:
		add(MetricCO2, SeverityWarning, c, "High CO₂: %.0f ppm")
	}

	switch w := r.WindSpeed; {
	case w > th.WindDanger:
		add(MetricWindSpeed, SeverityDanger, w, "Very strong wind: %.1f m/s")
	case w > th.WindWarning:
		add(MetricWindSpeed, SeverityWarning, w, "Strong wind: %.1f m/s")
	}

	switch rain := r.Rainfall; {
	case rain > th.RainVeryHeavy:
		add(MetricRainfall, SeverityDanger, rain, "Very heavy rain: %.1f mm")
	case rain > th.RainHeavy:
		add(MetricRainfall, SeverityWarning, rain, "Heavy rain: %.1f mm")
	}

	// zero pressure means the station has no barometer
	if p := r.Pressure; p > 0 && p < th.PressureVeryLow {
		add(MetricPressure, SeverityWarning, p, "Very low pressure: %.1f hPa")
	}
	return out
}
