package channel

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeWait = 10 * time.Second

// Conn is one live duplex connection. ReadMessage is only called from a
// single goroutine; WriteMessage and Close may be called from any.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections. Dial must return when ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket. NetDialContext, when set,
// replaces the system resolver and TCP dialer.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	NetDialContext   func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		NetDialContext:   d.NetDialContext,
	}
	ws, resp, err := wd.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex // serializes writers
	once sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := c.ws.ReadMessage()
	return b, err
}

func (c *wsConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// closeInfo classifies a read error. Anything that is not a close frame
// counts as an abnormal closure.
func closeInfo(err error) (code int, reason string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
