package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"weatherdash/pkg/proto"
)

// ErrConnectionLost is returned by QueryHistory when the connection closes
// before the server answers.
var ErrConnectionLost = errors.New("connection lost before history reply")

// ServerError is a sensor:error reply from the telemetry server.
type ServerError struct {
	proto.ErrorPayload
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

// QueryHistory sends sensor:request-history for [start, end] and waits for
// the first history reply, error reply, disconnect or ctx expiry. Replies
// are not correlated to requests on the wire, so concurrent queries may
// receive each other's answers.
func (c *Client) QueryHistory(ctx context.Context, start, end time.Time) ([]proto.SensorReading, error) {
	type result struct {
		readings []proto.SensorReading
		err      error
	}
	done := make(chan result, 1)
	deliver := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	onHistory := Func(func(ev proto.Event) {
		if h, ok := ev.(proto.SensorHistory); ok {
			deliver(result{readings: h.Readings})
		}
	})
	onError := Func(func(ev proto.Event) {
		if e, ok := ev.(proto.SensorError); ok {
			deliver(result{err: &ServerError{ErrorPayload: e.ErrorPayload}})
		}
	})
	onConn := Func(func(ev proto.Event) {
		if ce, ok := ev.(ConnectionEvent); ok && !ce.Connected {
			deliver(result{err: ErrConnectionLost})
		}
	})

	c.On(proto.EventSensorHistory, onHistory)
	c.On(proto.EventSensorError, onError)
	c.On(EventConnection, onConn)
	defer func() {
		c.Off(proto.EventSensorHistory, onHistory)
		c.Off(proto.EventSensorError, onError)
		c.Off(EventConnection, onConn)
	}()

	req := proto.HistoryRequest{
		Start: start.UTC().Format(time.RFC3339),
		End:   end.UTC().Format(time.RFC3339),
	}
	if err := c.RequestHistory(req); err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.readings, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
