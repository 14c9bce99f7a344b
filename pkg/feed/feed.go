package feed

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"weatherdash/pkg/channel"
	"weatherdash/pkg/proto"
)

// Channel is the part of *channel.Client the feed needs.
type Channel interface {
	On(name proto.EventName, l channel.Listener)
	Off(name proto.EventName, l channel.Listener) bool
	SubscribeToSensors() error
	UnsubscribeFromSensors() error
	IsConnected() bool
}

// Snapshot is the latest state seen on the channel. Pointers are nil until
// the first matching event arrives.
type Snapshot struct {
	Connected bool
	Reading   *proto.SensorReading
	Metadata  *proto.SensorMetadata
	LastError *proto.ErrorPayload
	Updated   time.Time
}

// Feed keeps the latest reading and metadata and re-subscribes after every
// reconnect.
type Feed struct {
	ch       Channel
	log      *logrus.Entry
	onUpdate func(proto.SensorReading)
	now      func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	started bool
}

var watched = []proto.EventName{
	channel.EventConnection,
	proto.EventSensorUpdate,
	proto.EventSensorStatus,
	proto.EventSensorError,
}

// New builds a feed. onUpdate, if set, runs for every reading on the
// channel's goroutine.
func New(ch Channel, log *logrus.Entry, onUpdate func(proto.SensorReading)) *Feed {
	return &Feed{ch: ch, log: log, onUpdate: onUpdate, now: time.Now}
}

// Start registers the feed's listeners. If the channel is already open it
// subscribes immediately.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	for _, name := range watched {
		f.ch.On(name, f)
	}
	if f.ch.IsConnected() {
		f.setConnected(true)
		f.subscribe()
	}
}

// Stop removes the listeners and unsubscribes if still connected.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	f.mu.Unlock()

	for _, name := range watched {
		f.ch.Off(name, f)
	}
	if f.ch.IsConnected() {
		_ = f.ch.UnsubscribeFromSensors()
	}
}

func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	if s.Reading != nil {
		r := *s.Reading
		s.Reading = &r
	}
	if s.Metadata != nil {
		m := *s.Metadata
		s.Metadata = &m
	}
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	return s
}

func (f *Feed) HandleEvent(ev proto.Event) {
	switch e := ev.(type) {
	case channel.ConnectionEvent:
		f.setConnected(e.Connected)
		if e.Connected {
			f.subscribe()
		}
	case proto.SensorUpdate:
		r := e.Reading
		f.mu.Lock()
		f.snap.Reading = &r
		f.snap.Updated = f.now()
		f.mu.Unlock()
		if f.onUpdate != nil {
			f.onUpdate(r)
		}
	case proto.SensorStatus:
		m := e.Metadata
		f.mu.Lock()
		f.snap.Metadata = &m
		f.mu.Unlock()
	case proto.SensorError:
		p := e.ErrorPayload
		f.mu.Lock()
		f.snap.LastError = &p
		f.mu.Unlock()
		f.log.WithFields(logrus.Fields{"code": p.Code}).Error(p.Message)
	}
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.snap.Connected = v
	f.mu.Unlock()
}

func (f *Feed) subscribe() {
	if err := f.ch.SubscribeToSensors(); err != nil {
		f.log.WithError(err).Warn("subscribe failed")
	}
}
