package main

import (
	"context"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"weatherdash/pkg/alerts"
	"weatherdash/pkg/channel"
	"weatherdash/pkg/config"
	"weatherdash/pkg/feed"
	"weatherdash/pkg/logging"
	"weatherdash/pkg/proto"
)

// monitor owns one channel client plus its feed and rebuilds both when
// the config file changes.
type monitor struct {
	log  *logrus.Logger
	load func() (config.ClientConfig, error)

	mu     sync.Mutex
	cfg    config.ClientConfig
	client *channel.Client
	feed   *feed.Feed
}

func runMonitor(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log, closer, err := logging.New("client", cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	log.WithFields(logrus.Fields{"version": version, "server": cfg.ServerURL}).Info("weatherdash starting")

	m := &monitor{log: log, load: opts.load}
	m.start(cfg)
	defer m.stop()

	path := opts.watchPath()
	go func() {
		err := config.Watch(ctx, path, config.DefaultDebounce, logging.Component(log, "config"), m.reload)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("path", path).Warn("config hot reload disabled")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func (m *monitor) start(cfg config.ClientConfig) {
	client := newChannel(cfg, m.log)
	d := newDispatcher(cfg, m.log)
	readings := logging.Component(m.log, "readings")
	f := feed.New(client, logging.Component(m.log, "feed"), func(r proto.SensorReading) {
		logReading(readings, r)
		if d != nil {
			d.Check(r)
		}
	})
	client.On(channel.EventReconnecting, channel.Func(func(ev proto.Event) {
		if e, ok := ev.(channel.ReconnectingEvent); ok {
			m.log.WithField("attempt", e.AttemptNumber).Warn("reconnecting to telemetry server")
		}
	}))
	client.On(channel.EventError, channel.Func(func(ev proto.Event) {
		if e, ok := ev.(channel.ErrorEvent); ok {
			m.log.WithField("server", cfg.ServerURL).Error(e.Message)
		}
	}))

	m.mu.Lock()
	m.cfg, m.client, m.feed = cfg, client, f
	m.mu.Unlock()

	// listeners may call back into m, so m.mu is released first
	f.Start()
	client.Connect()
}

func (m *monitor) stop() {
	m.mu.Lock()
	client, f := m.client, m.feed
	m.client, m.feed = nil, nil
	m.mu.Unlock()
	if f != nil {
		f.Stop()
	}
	if client != nil {
		client.Disconnect()
	}
}

// reload swaps in a fresh client when the config actually changed. A bad
// file keeps the current client running.
func (m *monitor) reload() {
	cfg, err := m.load()
	if err != nil {
		m.log.WithError(err).Error("reload config failed, keeping current settings")
		return
	}
	m.mu.Lock()
	same := reflect.DeepEqual(cfg, m.cfg)
	m.mu.Unlock()
	if same {
		m.log.Debug("config unchanged")
		return
	}
	if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		m.log.SetLevel(lvl)
	}
	m.log.WithField("server", cfg.ServerURL).Info("config changed, reconnecting")
	m.stop()
	m.start(cfg)
}

func newDispatcher(cfg config.ClientConfig, log *logrus.Logger) *alerts.Dispatcher {
	if !cfg.Alerts.Enabled {
		return nil
	}
	entry := logging.Component(log, "alerts")
	notifiers := []alerts.Notifier{alerts.LogNotifier{Log: entry}}
	if cfg.Alerts.Desktop {
		notifiers = append(notifiers, alerts.DesktopNotifier{})
	}
	return alerts.NewDispatcher(alerts.DefaultThresholds(), cfg.Alerts.Cooldown, entry, notifiers...)
}

func logReading(log *logrus.Entry, r proto.SensorReading) {
	comfort := alerts.ComfortIndex(r.Temperature, r.Humidity)
	log.WithFields(logrus.Fields{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"pressure":    r.Pressure,
		"co2":         r.CO2,
		"wind":        r.WindSpeed,
		"rain":        r.Rainfall,
		"comfort":     comfort,
		"feels":       alerts.ComfortLabel(comfort),
	}).Info("reading")
}
