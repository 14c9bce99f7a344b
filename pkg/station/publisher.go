package station

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"weatherdash/pkg/proto"
	"weatherdash/pkg/sensors"
)

const pruneEvery = time.Hour

// Store persists published readings.
type Store interface {
	Insert(ctx context.Context, r proto.SensorReading) (int64, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Publisher samples a source on a fixed interval, stores each reading and
// pushes it to the hub.
type Publisher struct {
	Source    sensors.Source
	Store     Store
	Hub       *Hub
	Interval  time.Duration
	Retention time.Duration // zero keeps everything
	Log       *logrus.Entry

	now       func() time.Time
	lastPrune time.Time
}

// Run publishes once immediately and then every Interval until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	if p.now == nil {
		p.now = time.Now
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	defer p.Hub.SetStatus(proto.StatusOffline)

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	if p.now == nil {
		p.now = time.Now
	}
	r, err := p.Source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.Log.WithError(err).Warn("sensor read failed")
		p.Hub.SetStatus(proto.StatusError)
		if _, err := p.Hub.Broadcast(proto.EventSensorError, p.Hub.errorPayload(CodeSensorReadFailed, err.Error())); err != nil {
			p.Log.WithError(err).Error("broadcast error")
		}
		return
	}
	if r.Timestamp == "" {
		r.Timestamp = p.now().UTC().Format(proto.TimeLayout)
	}

	if p.Store != nil {
		id, err := p.Store.Insert(ctx, r)
		if err != nil {
			p.Log.WithError(err).Error("store reading")
		} else {
			r.ID = id
		}
	}

	p.Hub.touch(r.Timestamp)
	p.Hub.SetStatus(proto.StatusOnline)
	n, err := p.Hub.Broadcast(proto.EventSensorUpdate, r)
	if err != nil {
		p.Log.WithError(err).Error("broadcast reading")
	}
	p.Log.WithFields(logrus.Fields{"id": r.ID, "clients": n}).Debug("reading published")

	p.prune(ctx)
}

func (p *Publisher) prune(ctx context.Context) {
	if p.Store == nil || p.Retention <= 0 {
		return
	}
	now := p.now()
	if !p.lastPrune.IsZero() && now.Sub(p.lastPrune) < pruneEvery {
		return
	}
	p.lastPrune = now
	n, err := p.Store.Prune(ctx, now.Add(-p.Retention))
	if err != nil {
		p.Log.WithError(err).Error("prune history")
		return
	}
	if n > 0 {
		p.Log.WithField("rows", n).Info("pruned history")
	}
}
