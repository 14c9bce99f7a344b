package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"weatherdash/pkg/proto"
)

func newTestClient(t *testing.T, cfg Config) (*Client, *manualClock, *scriptedDialer) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://station.test/ws"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1
	}
	clk := &manualClock{}
	d := newScriptedDialer()
	c := New(cfg, WithDialer(d), WithClock(clk), WithLogger(quietLogger()))
	t.Cleanup(c.Disconnect)
	return c, clk, d
}

func chanListener[T proto.Event](ch chan T) Listener {
	return Func(func(ev proto.Event) {
		if v, ok := ev.(T); ok {
			ch <- v
		}
	})
}

func openClient(t *testing.T, c *Client, d *scriptedDialer) *pipeConn {
	t.Helper()
	opened := make(chan ConnectionEvent, 1)
	l := chanListener(opened)
	c.On(EventConnection, l)
	defer c.Off(EventConnection, l)

	c.Connect()
	conn := d.accept(t)
	if ev := recv(t, opened); !ev.Connected {
		t.Fatalf("expected connected event, got %+v", ev)
	}
	return conn
}

func TestInitialState(t *testing.T) {
	c, clk, _ := newTestClient(t, Config{})
	if got := c.ConnectionState(); got != (ConnectionState{}) {
		t.Fatalf("expected zero state, got %+v", got)
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %s", c.Phase())
	}
	if len(clk.pending()) != 0 {
		t.Fatal("expected no timers before connect")
	}
}

func TestConnectOpensAndResetsState(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	openClient(t, c, d)

	st := c.ConnectionState()
	if !st.Connected || st.Reconnecting || st.Error != "" {
		t.Fatalf("unexpected state after open: %+v", st)
	}
	if !c.IsConnected() {
		t.Fatal("expected IsConnected")
	}
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	openClient(t, c, d)

	c.Connect()
	c.Connect()
	if n := d.dials(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}
}

func TestBackoffScheduleAndExhaustion(t *testing.T) {
	c, clk, d := newTestClient(t, Config{
		Reconnect: ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 5},
	})
	reconnecting := make(chan ReconnectingEvent, 8)
	c.On(EventReconnecting, chanListener(reconnecting))
	errs := make(chan ErrorEvent, 16)
	c.On(EventError, chanListener(errs))

	c.Connect()
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond, 5000 * time.Millisecond, 5000 * time.Millisecond}
	for i, delay := range want {
		d.fail(t)
		ev := recv(t, reconnecting)
		if ev.AttemptNumber != i+1 {
			t.Fatalf("expected attempt %d, got %d", i+1, ev.AttemptNumber)
		}
		tm := clk.only(t)
		if tm.delay != delay {
			t.Fatalf("attempt %d: expected delay %s, got %s", i+1, delay, tm.delay)
		}
		if st := c.ConnectionState(); !st.Reconnecting || st.Connected {
			t.Fatalf("attempt %d: unexpected state %+v", i+1, st)
		}
		clk.fire(tm)
	}

	d.fail(t)
	waitFor(t, "terminal error", func() bool {
		return c.ConnectionState().Error == MsgReconnectFailed
	})
	if p := clk.pending(); len(p) != 0 {
		t.Fatalf("expected no reconnect timer after exhaustion, got %d", len(p))
	}
	if st := c.ConnectionState(); st.Reconnecting || st.Connected {
		t.Fatalf("unexpected terminal state %+v", st)
	}
	select {
	case ev := <-reconnecting:
		t.Fatalf("unexpected reconnecting event %+v", ev)
	default:
	}
	if n := d.dials(); n != 6 {
		t.Fatalf("expected 6 dials, got %d", n)
	}
	for {
		if ev := recv(t, errs); ev.Message == MsgReconnectFailed {
			break
		}
	}
}

func TestExplicitConnectAfterExhaustionResetsBudget(t *testing.T) {
	c, clk, d := newTestClient(t, Config{
		Reconnect: ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 1},
	})
	reconnecting := make(chan ReconnectingEvent, 4)
	c.On(EventReconnecting, chanListener(reconnecting))

	c.Connect()
	d.fail(t)
	recv(t, reconnecting)
	clk.fire(clk.only(t))
	d.fail(t)
	waitFor(t, "terminal error", func() bool {
		return c.ConnectionState().Error == MsgReconnectFailed
	})

	c.Connect()
	d.fail(t)
	if ev := recv(t, reconnecting); ev.AttemptNumber != 1 {
		t.Fatalf("expected budget reset to attempt 1, got %d", ev.AttemptNumber)
	}
	if tm := clk.only(t); tm.delay != time.Second {
		t.Fatalf("expected base delay, got %s", tm.delay)
	}
}

func TestAttemptCounterResetsAfterOpen(t *testing.T) {
	c, clk, d := newTestClient(t, Config{
		Reconnect: ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 5},
	})
	reconnecting := make(chan ReconnectingEvent, 8)
	opened := make(chan ConnectionEvent, 8)
	c.On(EventReconnecting, chanListener(reconnecting))
	c.On(EventConnection, chanListener(opened))

	c.Connect()
	for i := 0; i < 3; i++ {
		d.fail(t)
		recv(t, reconnecting)
		recv(t, opened) // connected=false for the failed dial
		clk.fire(clk.only(t))
	}
	conn := d.accept(t)
	if ev := recv(t, opened); !ev.Connected {
		t.Fatalf("expected open, got %+v", ev)
	}

	conn.drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	if ev := recv(t, opened); ev.Connected {
		t.Fatalf("expected close event, got %+v", ev)
	}
	if ev := recv(t, reconnecting); ev.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1 after a successful open, got %d", ev.AttemptNumber)
	}
	if tm := clk.only(t); tm.delay != time.Second {
		t.Fatalf("expected base delay, got %s", tm.delay)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	c, clk, d := newTestClient(t, Config{})
	events := make(chan ConnectionEvent, 4)
	c.On(EventConnection, chanListener(events))

	c.Connect()
	conn := d.accept(t)
	recv(t, events)

	c.Disconnect()
	if ev := recv(t, events); ev.Connected {
		t.Fatalf("expected disconnected event, got %+v", ev)
	}
	if code := conn.code(); code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure code, got %d", code)
	}
	st := c.ConnectionState()
	if st.Connected || st.Reconnecting {
		t.Fatalf("unexpected state after disconnect: %+v", st)
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %s", c.Phase())
	}
	// let the read loop observe the closed conn
	time.Sleep(20 * time.Millisecond)
	if p := clk.pending(); len(p) != 0 {
		t.Fatalf("expected no timers after disconnect, got %d", len(p))
	}
	if n := d.dials(); n != 1 {
		t.Fatalf("expected no redial, got %d dials", n)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	c, clk, d := newTestClient(t, Config{})
	reconnecting := make(chan ReconnectingEvent, 2)
	c.On(EventReconnecting, chanListener(reconnecting))

	c.Connect()
	d.fail(t)
	recv(t, reconnecting)
	tm := clk.only(t)

	c.Disconnect()
	if len(clk.pending()) != 0 {
		t.Fatal("expected pending retry to be stopped")
	}
	if c.ConnectionState().Reconnecting {
		t.Fatal("expected reconnecting cleared")
	}
	// a stale callback that raced the stop must not dial
	tm.fn()
	if n := d.dials(); n != 1 {
		t.Fatalf("expected no redial from a stale timer, got %d dials", n)
	}
}

func TestDisconnectDuringDial(t *testing.T) {
	c, clk, d := newTestClient(t, Config{})
	c.Connect()
	waitFor(t, "dial", func() bool { return d.dials() == 1 })

	c.Disconnect()
	if p := clk.pending(); len(p) != 0 {
		t.Fatalf("expected no timers, got %d", len(p))
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %s", c.Phase())
	}
}

func TestNormalClosureFromServerDoesNotReconnect(t *testing.T) {
	c, clk, d := newTestClient(t, Config{})
	events := make(chan ConnectionEvent, 2)
	conn := openClient(t, c, d)
	c.On(EventConnection, chanListener(events))

	conn.drop(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "station shutting down"})
	ev := recv(t, events)
	if ev.Connected || ev.Reason != "station shutting down" {
		t.Fatalf("unexpected close event %+v", ev)
	}
	if p := clk.pending(); len(p) != 0 {
		t.Fatalf("expected no reconnect after normal closure, got %d timers", len(p))
	}
	if st := c.ConnectionState(); st.Connected || st.Reconnecting {
		t.Fatalf("unexpected state %+v", st)
	}
	if c.Phase() != PhaseClosed {
		t.Fatalf("expected closed, got %s", c.Phase())
	}
}

func TestAbnormalClosuresReconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}},
		{"network error", errors.New("connection reset by peer")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk, d := newTestClient(t, Config{})
			reconnecting := make(chan ReconnectingEvent, 1)
			conn := openClient(t, c, d)
			c.On(EventReconnecting, chanListener(reconnecting))

			conn.drop(tt.err)
			recv(t, reconnecting)
			tm := clk.only(t)
			clk.fire(tm)
			d.accept(t)
			waitFor(t, "reopen", c.IsConnected)
		})
	}
}

func TestDialFailureEmitsErrorThenClose(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	var mu sync.Mutex
	var order []proto.EventName
	done := make(chan struct{})
	record := Func(func(ev proto.Event) {
		mu.Lock()
		order = append(order, ev.EventName())
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	c.On(EventError, record)
	c.On(EventConnection, record)
	c.On(EventReconnecting, record)

	c.Connect()
	d.fail(t)
	recv(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := []proto.EventName{EventError, EventConnection, EventReconnecting}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
	if got := c.ConnectionState().Error; got != MsgTransportError {
		t.Fatalf("expected transport error, got %q", got)
	}
}

func TestInvalidURLSchedulesReconnect(t *testing.T) {
	tests := []string{"ftp://station.test/ws", "://broken", "ws:///nohost"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			c, clk, d := newTestClient(t, Config{URL: raw})
			reconnecting := make(chan ReconnectingEvent, 1)
			c.On(EventReconnecting, chanListener(reconnecting))

			c.Connect()
			if ev := recv(t, reconnecting); ev.AttemptNumber != 1 {
				t.Fatalf("expected attempt 1, got %d", ev.AttemptNumber)
			}
			st := c.ConnectionState()
			if st.Error != MsgInitFailed || !st.Reconnecting {
				t.Fatalf("unexpected state %+v", st)
			}
			if tm := clk.only(t); tm.delay != DefaultBaseDelay {
				t.Fatalf("expected base delay, got %s", tm.delay)
			}
			if d.dials() != 0 {
				t.Fatal("expected no dial for an invalid url")
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://localhost:3000/ws", "ws://localhost:3000/ws"},
		{"wss://station.example/ws", "wss://station.example/ws"},
		{"http://localhost:3000/ws", "ws://localhost:3000/ws"},
		{"https://station.example/ws?token=x", "wss://station.example/ws?token=x"},
		{"  http://10.0.0.2:3000  ", "ws://10.0.0.2:3000"},
	}
	for _, tt := range tests {
		got, err := normalizeURL(tt.in)
		if err != nil {
			t.Fatalf("normalizeURL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("normalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDispatchOrder(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	c.On(proto.EventSensorUpdate, Func(func(proto.Event) {
		mu.Lock()
		got = append(got, "L1")
		mu.Unlock()
	}))
	c.On(proto.EventSensorUpdate, Func(func(proto.Event) {
		mu.Lock()
		got = append(got, "L2")
		mu.Unlock()
		close(done)
	}))
	conn := openClient(t, c, d)

	conn.push(`{"event":"sensor:update","data":{"temperature":21}}`)
	recv(t, done)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "L1" || got[1] != "L2" {
		t.Fatalf("expected [L1 L2], got %v", got)
	}
}

func TestSensorUpdateDelivered(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	updates := make(chan proto.SensorUpdate, 4)
	c.On(proto.EventSensorUpdate, chanListener(updates))
	c.On(proto.EventSensorUpdate, chanListener(updates))
	conn := openClient(t, c, d)

	conn.push(`{"event":"sensor:update","data":{"temperature":28.4}}`)
	for i := 0; i < 2; i++ {
		u := recv(t, updates)
		if u.Reading.Temperature != 28.4 {
			t.Fatalf("expected temperature 28.4, got %v", u.Reading.Temperature)
		}
	}
	select {
	case u := <-updates:
		t.Fatalf("unexpected extra delivery %+v", u)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	updates := make(chan proto.SensorUpdate, 4)
	c.On(proto.EventSensorUpdate, chanListener(updates))
	conn := openClient(t, c, d)
	before := c.ConnectionState()

	conn.push(`this is not json`)
	conn.push(`{"event":"sensor:update","data":"oops"}`)
	conn.push(`{"event":"sensor:update","data":{"humidity":40}}`)

	u := recv(t, updates)
	if u.Reading.Humidity != 40 {
		t.Fatalf("expected the valid update to be first, got %+v", u.Reading)
	}
	if after := c.ConnectionState(); after != before {
		t.Fatalf("state changed from %+v to %+v", before, after)
	}
}

func TestFallbackAndPong(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	updates := make(chan proto.SensorUpdate, 4)
	pongs := make(chan proto.Pong, 1)
	c.On(proto.EventSensorUpdate, chanListener(updates))
	c.On(proto.EventPong, chanListener(pongs))
	conn := openClient(t, c, d)

	conn.push(`{"event":"pong"}`)
	conn.push(`{"event":"sensor:reading","data":{"co2":612}}`)

	u := recv(t, updates)
	if !u.Fallback || u.Tag != "sensor:reading" || u.Reading.CO2 != 612 {
		t.Fatalf("unexpected fallback update %+v", u)
	}
	select {
	case <-pongs:
		t.Fatal("pong must not be dispatched")
	default:
	}
}

func TestOutboundHelpers(t *testing.T) {
	c, _, d := newTestClient(t, Config{})

	if err := c.SubscribeToSensors(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	conn := openClient(t, c, d)
	if err := c.SubscribeToSensors(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.RequestHistory(proto.HistoryRequest{Start: "2024-05-01T00:00:00Z", End: "2024-05-01T06:00:00Z"}); err != nil {
		t.Fatalf("request history: %v", err)
	}
	if err := c.UnsubscribeFromSensors(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	want := []string{
		`{"type":"sensor:subscribe"}`,
		`{"type":"sensor:request-history","data":{"start":"2024-05-01T00:00:00Z","end":"2024-05-01T06:00:00Z"}}`,
		`{"type":"sensor:unsubscribe"}`,
	}
	got := conn.writes()
	if len(got) != len(want) {
		t.Fatalf("expected %d writes, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	c.Disconnect()
	if err := c.UnsubscribeFromSensors(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	c, clk, d := newTestClient(t, Config{HeartbeatInterval: 30 * time.Second})
	reconnecting := make(chan ReconnectingEvent, 1)
	c.On(EventReconnecting, chanListener(reconnecting))
	conn := openClient(t, c, d)

	for i := 1; i <= 2; i++ {
		tm := clk.only(t)
		if tm.delay != 30*time.Second {
			t.Fatalf("expected 30s heartbeat, got %s", tm.delay)
		}
		clk.fire(tm)
		w := conn.writes()
		if len(w) != i || w[i-1] != `{"type":"ping"}` {
			t.Fatalf("expected %d pings, got %v", i, w)
		}
	}

	conn.drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	recv(t, reconnecting)
	p := clk.pending()
	if len(p) != 1 || p[0].delay != DefaultBaseDelay {
		t.Fatalf("expected only the reconnect timer after close, got %d timers", len(p))
	}
}

func TestListenerMayCallClient(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	subscribed := make(chan error, 1)
	c.On(EventConnection, Func(func(ev proto.Event) {
		if ce := ev.(ConnectionEvent); ce.Connected {
			subscribed <- c.SubscribeToSensors()
		}
	}))

	c.Connect()
	conn := d.accept(t)
	if err := recv(t, subscribed); err != nil {
		t.Fatalf("subscribe from listener: %v", err)
	}
	if w := conn.writes(); len(w) != 1 || w[0] != `{"type":"sensor:subscribe"}` {
		t.Fatalf("unexpected writes %v", w)
	}
}

func TestStaleConnectionIgnored(t *testing.T) {
	c, _, d := newTestClient(t, Config{})
	updates := make(chan proto.SensorUpdate, 4)
	c.On(proto.EventSensorUpdate, chanListener(updates))
	old := openClient(t, c, d)

	c.Disconnect()
	openClient(t, c, d)

	// frames still buffered on the superseded conn must not reach listeners
	old.in <- frame{data: []byte(`{"event":"sensor:update","data":{"temperature":1}}`)}
	select {
	case u := <-updates:
		t.Fatalf("unexpected update from stale conn %+v", u)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPhaseString(t *testing.T) {
	tests := map[Phase]string{
		PhaseIdle:       "idle",
		PhaseConnecting: "connecting",
		PhaseOpen:       "open",
		PhaseClosed:     "closed",
		Phase(42):       "unknown",
	}
	for p, want := range tests {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), p.String(), want)
		}
	}
}
