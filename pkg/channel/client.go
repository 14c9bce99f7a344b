package channel

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"weatherdash/pkg/proto"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

// ErrNotConnected is returned by the outbound helpers when there is no open
// connection. Nothing is queued.
var ErrNotConnected = errors.New("not connected")

// Config is read once by New.
type Config struct {
	URL    string
	Header http.Header
	// Reconnect defaults to DefaultReconnectPolicy when left zero.
	Reconnect ReconnectPolicy
	// HeartbeatInterval defaults to 30s; a negative value disables pings.
	HeartbeatInterval time.Duration
}

type Option func(*Client)

func WithDialer(d Dialer) Option { return func(c *Client) { c.dialer = d } }

func WithClock(clk Clock) Option { return func(c *Client) { c.clock = clk } }

func WithLogger(l *logrus.Entry) Option { return func(c *Client) { c.log = l } }

// Client keeps at most one connection to the telemetry server open and
// fans inbound events out to listeners. Listeners run on the client's
// goroutines, never while its lock is held, so they may call back into it.
type Client struct {
	cfg    Config
	dialer Dialer
	clock  Clock
	log    *logrus.Entry

	listeners registry

	mu         sync.Mutex
	phase      Phase
	state      ConnectionState
	conn       Conn
	gen        uint64 // bumped for every dial and on Disconnect
	cancelDial context.CancelFunc
	attempts   int
	retry      Timer
	retrySeq   uint64
	heartbeat  Timer
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	c := &Client{
		cfg:    cfg,
		dialer: &WebSocketDialer{HandshakeTimeout: DefaultHandshakeTimeout},
		clock:  realClock{},
		log:    logrus.WithField("component", "channel"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect starts a connection attempt unless one is already open or in
// progress. It resets the reconnect budget and cancels any pending retry.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.phase == PhaseOpen || c.phase == PhaseConnecting {
		c.mu.Unlock()
		c.log.WithField("phase", c.Phase()).Debug("connect skipped: already connected")
		return
	}
	c.attempts = 0
	c.stopRetryLocked()
	evs := c.connectLocked()
	c.mu.Unlock()
	c.dispatch(evs)
}

// Disconnect closes the connection with a normal closure and stops every
// timer. No reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopRetryLocked()
	c.stopHeartbeatLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	wasActive := c.phase == PhaseOpen || c.phase == PhaseConnecting
	conn := c.conn
	c.conn = nil
	c.gen++
	c.phase = PhaseIdle
	c.attempts = 0
	c.state.Connected = false
	c.state.Reconnecting = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
		c.log.Info("disconnected")
	}
	if wasActive {
		c.dispatch([]proto.Event{ConnectionEvent{Connected: false}})
	}
}

// On registers l for name. The same listener may be registered twice and is
// then called twice.
func (c *Client) On(name proto.EventName, l Listener) {
	c.listeners.add(name, l)
}

// Off removes the first registration of l for name and reports whether one
// was found.
func (c *Client) Off(name proto.EventName, l Listener) bool {
	return c.listeners.remove(name, l)
}

// ConnectionState returns a copy of the current state.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Client) IsConnected() bool {
	return c.Phase() == PhaseOpen
}

func (c *Client) SubscribeToSensors() error {
	if err := c.send(proto.Subscribe()); err != nil {
		return err
	}
	c.log.Info("subscribed to sensor updates")
	return nil
}

func (c *Client) UnsubscribeFromSensors() error {
	if err := c.send(proto.Unsubscribe()); err != nil {
		return err
	}
	c.log.Info("unsubscribed from sensor updates")
	return nil
}

func (c *Client) RequestHistory(req proto.HistoryRequest) error {
	if err := c.send(proto.RequestHistory(req)); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"start": req.Start, "end": req.End}).Info("requested history")
	return nil
}

func (c *Client) send(cmd proto.Command) error {
	b, err := proto.Encode(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	open := c.phase == PhaseOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.log.WithField("type", cmd.Type).Warn("cannot send: not connected")
		return ErrNotConnected
	}
	if err := conn.WriteMessage(b); err != nil {
		c.log.WithError(err).WithField("type", cmd.Type).Warn("send failed")
		return errors.Wrapf(err, "send %s", cmd.Type)
	}
	return nil
}

func (c *Client) connectLocked() []proto.Event {
	target, err := normalizeURL(c.cfg.URL)
	if err != nil {
		c.log.WithError(err).Error("connection error")
		c.phase = PhaseClosed
		c.state.Error = MsgInitFailed
		return c.scheduleRetryLocked()
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.phase = PhaseConnecting
	c.log.WithField("url", target).Info("connecting")
	go c.dial(ctx, cancel, gen, target)
	return nil
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	defer cancel()
	conn, err := c.dialer.Dial(ctx, target, c.cfg.Header.Clone())

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "")
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.log.WithError(err).Error("connection error")
		c.phase = PhaseClosed
		c.state.Connected = false
		c.state.Error = MsgTransportError
		evs := []proto.Event{
			ErrorEvent{Message: MsgTransportError},
			ConnectionEvent{Connected: false, Reason: err.Error()},
		}
		evs = append(evs, c.scheduleRetryLocked()...)
		c.mu.Unlock()
		c.dispatch(evs)
		return
	}
	c.conn = conn
	c.phase = PhaseOpen
	c.state = ConnectionState{Connected: true}
	c.attempts = 0
	c.startHeartbeatLocked(gen)
	c.mu.Unlock()

	c.log.Info("connected")
	c.dispatch([]proto.Event{ConnectionEvent{Connected: true}})
	c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		b, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.handleMessage(b)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Client) handleMessage(b []byte) {
	ev, err := proto.Decode(b)
	if err != nil {
		c.log.WithError(err).Error("failed to parse message, dropped")
		return
	}
	switch e := ev.(type) {
	case nil:
		c.log.Debug("message without dispatchable payload, dropped")
		return
	case proto.Pong:
		c.log.Debug("pong")
		return
	case proto.SensorUpdate:
		if e.Fallback {
			c.log.WithField("event", e.Tag).Warn("unrecognized event routed to sensor:update")
		}
	}
	c.listeners.emit(ev, c.log)
}

func (c *Client) handleClose(gen uint64, conn Conn, err error) {
	code, reason := closeInfo(err)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.phase = PhaseClosed
	c.state.Connected = false
	c.stopHeartbeatLocked()
	c.stopRetryLocked()
	evs := []proto.Event{ConnectionEvent{Connected: false, Reason: reason}}
	if code != websocket.CloseNormalClosure {
		evs = append(evs, c.scheduleRetryLocked()...)
	}
	c.mu.Unlock()

	_ = conn.Close(websocket.CloseNormalClosure, "")
	c.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("connection closed")
	c.dispatch(evs)
}

// scheduleRetryLocked arms the single reconnect timer, or records and
// reports the terminal error once the budget is spent.
func (c *Client) scheduleRetryLocked() []proto.Event {
	if c.attempts >= c.cfg.Reconnect.MaxAttempts {
		c.log.WithField("attempts", c.attempts).Error("max reconnection attempts reached")
		c.state.Error = MsgReconnectFailed
		c.state.Reconnecting = false
		return []proto.Event{ErrorEvent{Message: MsgReconnectFailed}}
	}
	c.stopRetryLocked()
	c.attempts++
	attempt := c.attempts
	delay := c.cfg.Reconnect.Delay(attempt)
	c.state.Reconnecting = true
	seq := c.retrySeq
	c.retry = c.clock.AfterFunc(delay, func() { c.fireRetry(seq) })
	c.log.WithFields(logrus.Fields{"delay": delay, "attempt": attempt}).Info("reconnect scheduled")
	return []proto.Event{ReconnectingEvent{AttemptNumber: attempt}}
}

func (c *Client) fireRetry(seq uint64) {
	c.mu.Lock()
	if seq != c.retrySeq || c.retry == nil {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.retrySeq++
	if c.phase == PhaseOpen || c.phase == PhaseConnecting {
		c.mu.Unlock()
		return
	}
	evs := c.connectLocked()
	c.mu.Unlock()
	c.dispatch(evs)
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.retrySeq++
}

func (c *Client) startHeartbeatLocked(gen uint64) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.beat(gen) })
}

func (c *Client) beat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.beat(gen) })
	c.mu.Unlock()

	b, err := proto.Encode(proto.Ping())
	if err != nil {
		return
	}
	if err := conn.WriteMessage(b); err != nil {
		c.log.WithError(err).Debug("ping failed")
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Client) dispatch(evs []proto.Event) {
	for _, ev := range evs {
		c.listeners.emit(ev, c.log)
	}
}

// normalizeURL maps http(s) to ws(s) and rejects anything else.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q in server url", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}
	return u.String(), nil
}
