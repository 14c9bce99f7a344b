package channel

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const waitTimeout = 2 * time.Second

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// manualClock records every scheduled timer and only fires on demand.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clk     *manualClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clk: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) pending() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// only returns the single pending timer, failing if there is not exactly one.
func (c *manualClock) only(t *testing.T) *manualTimer {
	t.Helper()
	p := c.pending()
	if len(p) != 1 {
		t.Fatalf("expected exactly one pending timer, got %d", len(p))
	}
	return p[0]
}

func (c *manualClock) fire(tm *manualTimer) {
	c.mu.Lock()
	if tm.stopped || tm.fired {
		c.mu.Unlock()
		return
	}
	tm.fired = true
	c.mu.Unlock()
	tm.fn()
}

type dialResult struct {
	conn Conn
	err  error
}

// scriptedDialer blocks every Dial until the test answers it.
type scriptedDialer struct {
	results chan dialResult
	mu      sync.Mutex
	urls    []string
}

func newScriptedDialer() *scriptedDialer {
	return &scriptedDialer{results: make(chan dialResult)}
}

func (d *scriptedDialer) Dial(ctx context.Context, url string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *scriptedDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *scriptedDialer) answer(t *testing.T, r dialResult) {
	t.Helper()
	select {
	case d.results <- r:
	case <-time.After(waitTimeout):
		t.Fatal("no dial in progress")
	}
}

func (d *scriptedDialer) fail(t *testing.T) {
	t.Helper()
	d.answer(t, dialResult{err: errors.New("connection refused")})
}

func (d *scriptedDialer) accept(t *testing.T) *pipeConn {
	t.Helper()
	conn := newPipeConn()
	d.answer(t, dialResult{conn: conn})
	return conn
}

type frame struct {
	data []byte
	err  error
}

// pipeConn is fed inbound frames by the test and records writes.
type pipeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	written   []string
	closeCode int
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan frame, 16), closed: make(chan struct{}), closeCode: -1}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.in:
		return f.data, f.err
	case <-c.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *pipeConn) WriteMessage(b []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(b))
	return nil
}

func (c *pipeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *pipeConn) push(s string) { c.in <- frame{data: []byte(s)} }

func (c *pipeConn) drop(err error) { c.in <- frame{err: err} }

func (c *pipeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *pipeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		var zero T
		t.Fatal("timed out waiting for event")
		return zero
	}
}
