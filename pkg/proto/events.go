package proto

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed marks a frame that is not a JSON envelope at all.
	ErrMalformed = errors.New("malformed envelope")
	// ErrInvalidPayload marks a recognized event whose data has the wrong shape.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Event is one decoded inbound message. The concrete type tells which
// variant arrived; listeners type-switch on it.
type Event interface {
	EventName() EventName
}

// SensorUpdate carries a current reading. Fallback is set when the envelope
// had no recognized event tag and was routed here because its data was an
// object; Tag then holds whatever tag the server sent.
type SensorUpdate struct {
	Reading  SensorReading
	Raw      json.RawMessage
	Fallback bool
	Tag      EventName
}

type SensorStatus struct {
	Metadata SensorMetadata
}

type SensorError struct {
	ErrorPayload
}

type SensorHistory struct {
	HistoryPayload
}

type Pong struct{}

func (SensorUpdate) EventName() EventName  { return EventSensorUpdate }
func (SensorStatus) EventName() EventName  { return EventSensorStatus }
func (SensorError) EventName() EventName   { return EventSensorError }
func (SensorHistory) EventName() EventName { return EventSensorHistory }
func (Pong) EventName() EventName          { return EventPong }

type inbound struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode parses one inbound frame. A nil Event with a nil error means the
// frame was valid JSON but carries nothing to dispatch.
func Decode(raw []byte) (Event, error) {
	var env inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decode: %v", err)
	}

	switch env.Event {
	case EventSensorUpdate:
		var r SensorReading
		if err := decodeObject(env.Data, &r); err != nil {
			return nil, errors.Wrap(err, string(env.Event))
		}
		return SensorUpdate{Reading: r, Raw: env.Data}, nil
	case EventSensorStatus:
		var m SensorMetadata
		if err := decodeObject(env.Data, &m); err != nil {
			return nil, errors.Wrap(err, string(env.Event))
		}
		return SensorStatus{Metadata: m}, nil
	case EventSensorError:
		var p ErrorPayload
		if err := decodeObject(env.Data, &p); err != nil {
			return nil, errors.Wrap(err, string(env.Event))
		}
		return SensorError{ErrorPayload: p}, nil
	case EventSensorHistory:
		var h HistoryPayload
		if err := decodeObject(env.Data, &h); err != nil {
			return nil, errors.Wrap(err, string(env.Event))
		}
		return SensorHistory{HistoryPayload: h}, nil
	case EventPong:
		return Pong{}, nil
	default:
		// Untagged or unknown envelopes with object data are treated as
		// sensor updates. This keeps older firmware working but can hide a
		// misspelled event name, so callers should log Fallback updates.
		if !isObject(env.Data) {
			return nil, nil
		}
		var r SensorReading
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, errors.Wrapf(ErrInvalidPayload, "fallback %q: %v", env.Event, err)
		}
		return SensorUpdate{Reading: r, Raw: env.Data, Fallback: true, Tag: env.Event}, nil
	}
}

func decodeObject(data json.RawMessage, v interface{}) error {
	if !isObject(data) {
		return errors.Wrap(ErrInvalidPayload, "data is not an object")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	return nil
}

func isObject(data json.RawMessage) bool {
	b := bytes.TrimSpace(data)
	return len(b) > 0 && b[0] == '{'
}

// Encode serializes an outbound command.
func Encode(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", cmd.Type)
	}
	return b, nil
}

func Subscribe() Command   { return Command{Type: CmdSubscribe} }
func Unsubscribe() Command { return Command{Type: CmdUnsubscribe} }
func Ping() Command        { return Command{Type: CmdPing} }

func RequestHistory(req HistoryRequest) Command {
	return Command{Type: CmdRequestHistory, Data: req}
}

type outbound struct {
	Type CmdType         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeCommand parses a client request on the server side. Data is left
// raw so the handler can pick the payload type.
func DecodeCommand(raw []byte) (CmdType, json.RawMessage, error) {
	var c outbound
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", nil, errors.Wrapf(ErrMalformed, "decode command: %v", err)
	}
	if c.Type == "" {
		return "", nil, errors.Wrap(ErrMalformed, "command without type")
	}
	return c.Type, c.Data, nil
}
