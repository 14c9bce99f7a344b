package sensors

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"weatherdash/pkg/proto"
)

// Source produces one reading per call.
type Source interface {
	Read(ctx context.Context) (proto.SensorReading, error)
}

// Simulated is a random walk around tropical lowland conditions.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time

	temperature   float64
	humidity      float64
	pressure      float64
	windSpeed     float64
	windDirection float64
}

const baseAltitude = 200.0

func NewSimulated(seed int64) *Simulated {
	return &Simulated{
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
		temperature: 28,
		humidity:    70,
		pressure:    1013,
	}
}

func (s *Simulated) Read(ctx context.Context) (proto.SensorReading, error) {
	if err := ctx.Err(); err != nil {
		return proto.SensorReading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.temperature = clamp(s.temperature+s.uniform(-0.5, 0.5), 20, 35)
	s.humidity = clamp(s.humidity+s.uniform(-2, 2), 40, 95)
	s.pressure = clamp(s.pressure+s.uniform(-0.5, 0.5), 1000, 1025)
	s.windSpeed = clamp(s.windSpeed+s.uniform(-1, 1), 0, 15)
	s.windDirection = math.Mod(s.windDirection+s.uniform(-30, 30)+360, 360)

	var co2 float64
	switch h := now.Hour(); {
	case h < 6:
		co2 = 450 + s.uniform(-10, 20)
	case h < 18:
		co2 = 420 + s.uniform(-10, 10)
	default:
		co2 = 440 + s.uniform(-10, 15)
	}
	var rain float64
	if s.rng.Float64() < 0.2 {
		rain = s.uniform(0.1, 5)
	}

	return proto.SensorReading{
		Timestamp:     now.UTC().Format(proto.TimeLayout),
		Temperature:   round(s.temperature, 1),
		Humidity:      round(s.humidity, 1),
		Pressure:      round(s.pressure, 1),
		Altitude:      round(baseAltitude+s.uniform(-5, 5), 1),
		CO2:           math.Round(co2),
		WindSpeed:     round(s.windSpeed, 1),
		WindDirection: math.Round(s.windDirection),
		Rainfall:      round(rain, 1),
		Voltage:       round(12+s.uniform(-0.2, 0.2), 2),
		BusVoltage:    round(5+s.uniform(-0.05, 0.05), 2),
		Current:       round(180+s.uniform(-20, 20), 1),
	}, nil
}

func (s *Simulated) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
