package sensors

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/host"

	"weatherdash/pkg/proto"
)

var ErrNoSensors = errors.New("no matching temperature sensors")

// HostSource reports the machine's own temperature sensors as the
// station temperature. Other fields come from Base when it is set.
type HostSource struct {
	// Key filters sensors by substring of their key; empty matches all.
	Key  string
	Base Source

	temperatures func(ctx context.Context) ([]host.TemperatureStat, error)
	now          func() time.Time
}

func NewHostSource(key string, base Source) *HostSource {
	return &HostSource{
		Key:          key,
		Base:         base,
		temperatures: host.SensorsTemperaturesWithContext,
		now:          time.Now,
	}
}

func (h *HostSource) Read(ctx context.Context) (proto.SensorReading, error) {
	var r proto.SensorReading
	if h.Base != nil {
		var err error
		if r, err = h.Base.Read(ctx); err != nil {
			return proto.SensorReading{}, err
		}
	}
	stats, err := h.temperatures(ctx)
	// gopsutil returns partial results together with warnings
	if err != nil && len(stats) == 0 {
		return proto.SensorReading{}, errors.Wrap(err, "read host temperatures")
	}

	var sum float64
	var n int
	for _, s := range stats {
		if s.Temperature <= 0 {
			continue
		}
		if h.Key != "" && !strings.Contains(s.SensorKey, h.Key) {
			continue
		}
		sum += s.Temperature
		n++
	}
	if n == 0 {
		return proto.SensorReading{}, ErrNoSensors
	}
	r.Temperature = round(sum/float64(n), 1)
	r.Timestamp = h.now().UTC().Format(proto.TimeLayout)
	return r, nil
}
