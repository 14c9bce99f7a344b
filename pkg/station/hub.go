package station

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"weatherdash/pkg/proto"
)

// sensor:error codes sent by the hub
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeHistoryUnavailable = "HISTORY_UNAVAILABLE"
	CodeHistoryFailed      = "HISTORY_FAILED"
	CodeSensorReadFailed   = "SENSOR_READ_FAILED"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
	// MaxHistorySpan bounds a single history request.
	MaxHistorySpan = 31 * 24 * time.Hour
)

// History answers sensor:request-history.
type History interface {
	Range(ctx context.Context, start, end time.Time, interval time.Duration) ([]proto.SensorReading, error)
	Latest(ctx context.Context) (proto.SensorReading, bool, error)
}

type peer struct {
	ws         *websocket.Conn
	remote     string
	send       chan []byte
	done       chan struct{}
	once       sync.Once
	subscribed atomic.Bool
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.done) })
}

// Hub accepts dashboard connections and pushes sensor events to the
// subscribed ones.
type Hub struct {
	token    string
	history  History
	log      *logrus.Entry
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*peer]struct{}
	meta    proto.SensorMetadata
}

// NewHub builds a hub. An empty token disables auth; history may be nil.
func NewHub(token string, history History, meta proto.SensorMetadata, log *logrus.Entry) *Hub {
	if meta.Status == "" {
		meta.Status = proto.StatusOffline
	}
	return &Hub{
		token:    token,
		history:  history,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		now:      time.Now,
		clients:  make(map[*peer]struct{}),
		meta:     meta,
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && !matchToken(tokenFrom(r), h.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		h.log.WithError(err).Debug("upgrade failed")
		return
	}
	ws.SetReadLimit(readLimit)

	p := &peer{ws: ws, remote: r.RemoteAddr, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[p] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"remote": p.remote, "clients": n}).Info("client connected")

	go h.writeLoop(p)
	h.readLoop(r.Context(), p)
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	defer h.drop(p)
	for {
		_, b, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).WithField("remote", p.remote).Debug("read failed")
			}
			return
		}
		h.handle(ctx, p, b)
	}
}

func (h *Hub) writeLoop(p *peer) {
	defer p.ws.Close()
	for {
		select {
		case b := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.WithError(err).WithField("remote", p.remote).Debug("write failed")
				h.drop(p)
				return
			}
		case <-p.done:
			return
		}
	}
}

// drop forgets p and stops its writer. Safe to call more than once.
func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	_, ok := h.clients[p]
	delete(h.clients, p)
	n := len(h.clients)
	h.mu.Unlock()
	p.stop()
	if ok {
		h.log.WithFields(logrus.Fields{"remote": p.remote, "clients": n}).Info("client disconnected")
	}
}

// enqueue hands b to p's writer. A peer that cannot keep up is dropped.
func (h *Hub) enqueue(p *peer, b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	case <-p.done:
		return false
	default:
		h.log.WithField("remote", p.remote).Warn("client too slow, dropping")
		h.drop(p)
		return false
	}
}

func (h *Hub) reply(p *peer, name proto.EventName, data interface{}) {
	b, err := json.Marshal(proto.Envelope{Event: name, Data: data})
	if err != nil {
		h.log.WithError(err).WithField("event", name).Error("encode reply")
		return
	}
	h.enqueue(p, b)
}

func (h *Hub) replyError(p *peer, code, msg string) {
	h.reply(p, proto.EventSensorError, h.errorPayload(code, msg))
}

func (h *Hub) errorPayload(code, msg string) proto.ErrorPayload {
	return proto.ErrorPayload{Message: msg, Code: code, Timestamp: h.now().UTC().Format(proto.TimeLayout)}
}

func (h *Hub) handle(ctx context.Context, p *peer, b []byte) {
	typ, data, err := proto.DecodeCommand(b)
	if err != nil {
		h.log.WithError(err).WithField("remote", p.remote).Debug("bad command")
		h.replyError(p, CodeBadRequest, "malformed command")
		return
	}
	switch typ {
	case proto.CmdPing:
		h.reply(p, proto.EventPong, nil)
	case proto.CmdSubscribe:
		p.subscribed.Store(true)
		h.reply(p, proto.EventSensorStatus, h.Metadata())
		if h.history != nil {
			if r, ok, err := h.history.Latest(ctx); err != nil {
				h.log.WithError(err).Warn("load latest reading")
			} else if ok {
				h.reply(p, proto.EventSensorUpdate, r)
			}
		}
	case proto.CmdUnsubscribe:
		p.subscribed.Store(false)
	case proto.CmdRequestHistory:
		h.handleHistory(ctx, p, data)
	default:
		h.replyError(p, CodeUnknownCommand, "unknown command "+string(typ))
	}
}

func (h *Hub) handleHistory(ctx context.Context, p *peer, data json.RawMessage) {
	if h.history == nil {
		h.replyError(p, CodeHistoryUnavailable, "history is not available")
		return
	}
	var req proto.HistoryRequest
	if len(data) == 0 || json.Unmarshal(data, &req) != nil {
		h.replyError(p, CodeBadRequest, "history request needs start and end")
		return
	}
	start, end, err := parseRange(req)
	if err != nil {
		h.replyError(p, CodeBadRequest, err.Error())
		return
	}
	readings, err := h.history.Range(ctx, start, end, time.Duration(req.Interval)*time.Minute)
	if err != nil {
		h.log.WithError(err).Error("history query failed")
		h.replyError(p, CodeHistoryFailed, "history query failed")
		return
	}
	if readings == nil {
		readings = []proto.SensorReading{}
	}
	h.reply(p, proto.EventSensorHistory, proto.HistoryPayload{
		Readings: readings,
		Start:    start.UTC().Format(proto.TimeLayout),
		End:      end.UTC().Format(proto.TimeLayout),
		Count:    len(readings),
	})
}

func parseRange(req proto.HistoryRequest) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339Nano, req.Start)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Errorf("invalid start %q", req.Start)
	}
	end, err := time.Parse(time.RFC3339Nano, req.End)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Errorf("invalid end %q", req.End)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end is before start")
	}
	if end.Sub(start) > MaxHistorySpan {
		return time.Time{}, time.Time{}, errors.Errorf("range exceeds %s", MaxHistorySpan)
	}
	if req.Interval < 0 {
		return time.Time{}, time.Time{}, errors.New("interval must not be negative")
	}
	return start, end, nil
}

// Broadcast pushes one event to every subscribed client and returns how
// many it was queued for.
func (h *Hub) Broadcast(name proto.EventName, data interface{}) (int, error) {
	b, err := json.Marshal(proto.Envelope{Event: name, Data: data})
	if err != nil {
		return 0, errors.Wrapf(err, "encode %s", name)
	}
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.clients))
	for p := range h.clients {
		if p.subscribed.Load() {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if h.enqueue(p, b) {
			n++
		}
	}
	return n, nil
}

// SetStatus updates the station status and announces a change.
func (h *Hub) SetStatus(status string) {
	h.mu.Lock()
	changed := h.meta.Status != status
	h.meta.Status = status
	meta := h.meta
	h.mu.Unlock()
	if !changed {
		return
	}
	h.log.WithField("status", status).Info("station status changed")
	if _, err := h.Broadcast(proto.EventSensorStatus, meta); err != nil {
		h.log.WithError(err).Error("broadcast status")
	}
}

func (h *Hub) touch(ts string) {
	h.mu.Lock()
	h.meta.LastUpdate = ts
	h.mu.Unlock()
}

func (h *Hub) Metadata() proto.SensorMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.meta
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close sends every client a going-away close frame so dashboards retry.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.clients))
	for p := range h.clients {
		peers = append(peers, p)
	}
	h.clients = make(map[*peer]struct{})
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, p := range peers {
		_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.stop()
	}
}
