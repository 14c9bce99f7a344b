package alerts

import (
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"weatherdash/pkg/proto"
)

type Notifier interface {
	Notify(a Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Log *logrus.Entry
}

func (n LogNotifier) Notify(a Alert) error {
	e := n.Log.WithFields(logrus.Fields{"metric": a.Metric, "severity": a.Severity, "value": a.Value})
	if a.Severity == SeverityDanger {
		e.Error(a.Condition)
	} else {
		e.Warn(a.Condition)
	}
	return nil
}

// DesktopNotifier raises an OS notification.
type DesktopNotifier struct {
	Icon string
}

func (n DesktopNotifier) Notify(a Alert) error {
	if err := beeep.Notify(a.Title(), a.Body(), n.Icon); err != nil {
		return errors.Wrap(err, "desktop notification")
	}
	return nil
}

// Dispatcher evaluates readings and forwards alerts to every notifier,
// suppressing repeats of the same metric and severity within Cooldown.
type Dispatcher struct {
	Thresholds Thresholds
	Cooldown   time.Duration
	Notifiers  []Notifier
	Log        *logrus.Entry

	mu   sync.Mutex
	last map[Metric]sent
	now  func() time.Time
}

type sent struct {
	severity Severity
	at       time.Time
}

func NewDispatcher(th Thresholds, cooldown time.Duration, log *logrus.Entry, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		Thresholds: th,
		Cooldown:   cooldown,
		Notifiers:  notifiers,
		Log:        log,
		last:       map[Metric]sent{},
		now:        time.Now,
	}
}

// Check evaluates r and returns the alerts that were actually delivered.
func (d *Dispatcher) Check(r proto.SensorReading) []Alert {
	var out []Alert
	for _, a := range Evaluate(r, d.Thresholds) {
		if !d.admit(a) {
			continue
		}
		for _, n := range d.Notifiers {
			if err := n.Notify(a); err != nil {
				d.Log.WithError(err).WithField("metric", a.Metric).Warn("notify failed")
			}
		}
		out = append(out, a)
	}
	return out
}

func (d *Dispatcher) admit(a Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	prev, ok := d.last[a.Metric]
	// a change of severity always goes through
	if ok && prev.severity == a.Severity && now.Sub(prev.at) < d.Cooldown {
		return false
	}
	d.last[a.Metric] = sent{severity: a.Severity, at: now}
	return true
}
