// Package push receives authoritative transport updates and gesture
// events from the loop service over a websocket and feeds them to the
// engine.
//
// Decoding is tolerant: every field is decoded on its own, and a field of
// the wrong type is dropped while the rest of the message still applies.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// Message types.
const (
	TypeTransport = "transport"
	TypeEvent     = "event"
	TypeEvents    = "events"
)

// ErrMalformed is returned for payloads that are not a JSON object with a
// string "type".
var ErrMalformed = errors.New("malformed push message")

// Message is one decoded push message.
type Message struct {
	Type string

	// Transport is set for transport messages with at least one usable field.
	Transport *transport.Update

	// Gestures holds the events of an event message, in message order.
	Gestures []gesture.Event

	// Dropped names the fields that were present but could not be decoded.
	Dropped []string
}

// Known reports whether the message type is one the engine consumes.
func (m Message) Known() bool {
	switch m.Type {
	case TypeTransport, TypeEvent, TypeEvents:
		return true
	}
	return false
}

type object map[string]json.RawMessage

// Decode parses a push payload. Unknown message types decode without
// error into a Message carrying only Type.
func Decode(data []byte) (Message, error) {
	var obj object
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	typ, ok := obj.str("type")
	if !ok {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := Message{Type: typ}
	switch typ {
	case TypeTransport:
		decodeTransport(obj, &msg)
	case TypeEvent, TypeEvents:
		if raw, ok := obj["data"]; ok {
			decodeBatch(raw, &msg)
		} else {
			decodeSingle(obj, &msg)
		}
	}
	return msg, nil
}

func decodeTransport(obj object, msg *Message) {
	var u transport.Update
	if obj.has("phase") {
		if v, ok := obj.num("phase"); ok {
			u = u.WithPhase(v)
		} else {
			msg.drop("phase")
		}
	}
	if obj.has("playing") {
		if v, ok := obj.boolean("playing"); ok {
			u = u.WithPlaying(v)
		} else {
			msg.drop("playing")
		}
	}
	if obj.has("bpm") {
		if v, ok := obj.num("bpm"); ok {
			u = u.WithBPM(v)
		} else {
			msg.drop("bpm")
		}
	}
	for _, key := range []string{"beatPerBar", "beats_per_bar"} {
		if !obj.has(key) {
			continue
		}
		if v, ok := obj.integer(key); ok {
			u = u.WithBeatPerBar(v)
			break
		}
		msg.drop(key)
	}
	if obj.has("bars") {
		if v, ok := obj.integer("bars"); ok {
			u = u.WithBars(v)
		} else {
			msg.drop("bars")
		}
	}
	if !u.IsEmpty() {
		msg.Transport = &u
	}
}

// decodeSingle handles {on, objectId, hand, finger, tsMs}.
func decodeSingle(obj object, msg *Message) {
	on, ok := obj.boolean("on")
	if !ok {
		msg.drop("on")
		return
	}
	ev := gesture.Event{Kind: gesture.KindOff}
	if on {
		ev.Kind = gesture.KindOn
	}
	ev.ObjectID = obj.id("objectId", msg)
	ev.Hand, _ = obj.str("hand")
	ev.Finger = obj.id("finger", msg)
	ev.TsMs, ev.Stamped = obj.num("tsMs")
	if !ev.Stamped && obj.has("tsMs") {
		msg.drop("tsMs")
	}
	msg.Gestures = append(msg.Gestures, ev)
}

// decodeBatch handles data:[{type, hand, sensor_idx, object_id, ts_ms}].
func decodeBatch(raw json.RawMessage, msg *Message) {
	var items []object
	if err := json.Unmarshal(raw, &items); err != nil {
		msg.drop("data")
		return
	}
	for i, item := range items {
		typ, _ := item.str("type")
		kind, ok := gesture.ParseKind(typ)
		if !ok {
			msg.drop(fmt.Sprintf("data[%d].type", i))
			continue
		}
		ev := gesture.Event{Kind: kind}
		ev.ObjectID = item.id("object_id", msg)
		ev.Hand, _ = item.str("hand")
		ev.Finger = item.id("sensor_idx", msg)
		ev.TsMs, ev.Stamped = item.num("ts_ms")
		msg.Gestures = append(msg.Gestures, ev)
	}
}

func (m *Message) drop(field string) {
	m.Dropped = append(m.Dropped, field)
}

func (o object) has(key string) bool {
	raw, ok := o[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (o object) str(key string) (string, bool) {
	var s string
	if !o.has(key) || json.Unmarshal(o[key], &s) != nil {
		return "", false
	}
	return s, true
}

func (o object) num(key string) (float64, bool) {
	var f float64
	if !o.has(key) || json.Unmarshal(o[key], &f) != nil {
		return 0, false
	}
	return f, true
}

func (o object) integer(key string) (int, bool) {
	f, ok := o.num(key)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (o object) boolean(key string) (bool, bool) {
	var b bool
	if !o.has(key) || json.Unmarshal(o[key], &b) != nil {
		return false, false
	}
	return b, true
}

// id reads a field that may be a string or a number.
func (o object) id(key string, msg *Message) string {
	if !o.has(key) {
		return ""
	}
	if s, ok := o.str(key); ok {
		return s
	}
	if f, ok := o.num(key); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	msg.drop(key)
	return ""
}
