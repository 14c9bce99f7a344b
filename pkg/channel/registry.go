package channel

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"weatherdash/pkg/proto"
)

// Listener receives dispatched events. Implementations type-switch on the
// concrete event.
type Listener interface {
	HandleEvent(ev proto.Event)
}

type funcListener struct {
	fn func(proto.Event)
}

func (l *funcListener) HandleEvent(ev proto.Event) { l.fn(ev) }

// Func adapts a function to a Listener. Each call returns a distinct
// listener, so keep the result around to pass to Off.
func Func(fn func(proto.Event)) Listener {
	return &funcListener{fn: fn}
}

// registry maps event names to listeners in registration order. Duplicates
// are kept; remove drops only the first match.
type registry struct {
	mu sync.Mutex
	m  map[proto.EventName][]Listener
}

func (r *registry) add(name proto.EventName, l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[proto.EventName][]Listener)
	}
	r.m[name] = append(r.m[name], l)
}

func (r *registry) remove(name proto.EventName, l Listener) bool {
	if l == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.m[name]
	for i, x := range list {
		if !sameListener(x, l) {
			continue
		}
		next := make([]Listener, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.m, name)
		} else {
			r.m[name] = next
		}
		return true
	}
	return false
}

func (r *registry) len(name proto.EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m[name])
}

func (r *registry) snapshot(name proto.EventName) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.m[name]
	if len(list) == 0 {
		return nil
	}
	out := make([]Listener, len(list))
	copy(out, list)
	return out
}

// emit calls every listener registered for ev's name. Listeners added or
// removed during dispatch take effect from the next event.
func (r *registry) emit(ev proto.Event, log *logrus.Entry) int {
	ls := r.snapshot(ev.EventName())
	for _, l := range ls {
		invoke(l, ev, log)
	}
	return len(ls)
}

func invoke(l Listener, ev proto.Event, log *logrus.Entry) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(logrus.Fields{"event": ev.EventName(), "panic": p}).Error("listener panicked")
		}
	}()
	l.HandleEvent(ev)
}

// sameListener compares without panicking on non-comparable dynamic types.
func sameListener(a, b Listener) (eq bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
