// Package midiin turns MIDI input into gesture events, so a MIDI pad or
// keyboard can stand in for the sensor glove.
//
// Mapping:
//   - note on with velocity > 0: onset; object id = note number
//   - note off, or note on with velocity 0: off
//   - poly aftertouch: aftertouch
//   - hand comes from the channel map; finger = note % 5
//
// Opening a port needs a registered gomidi driver; the loopsync binary
// registers rtmidi when built with the "rtmidi" tag.
package midiin

import (
	"fmt"
	"log/slog"
	"strconv"

	"gitlab.com/gomidi/midi/v2"

	"github.com/roach88/loopsync/internal/gesture"
)

// Sink receives translated gestures.
type Sink interface {
	PushGesture(g gesture.Event) bool
}

// DefaultHands maps channel 0 to the left hand and 1 to the right.
func DefaultHands() map[int]string {
	return map[int]string{0: "left", 1: "right"}
}

// Translator converts MIDI messages to gestures.
type Translator struct {
	hands map[uint8]string
}

// NewTranslator uses hands to name the hand for each channel. A nil map
// uses DefaultHands. Channels missing from the map are named "ch<N>".
func NewTranslator(hands map[int]string) *Translator {
	if hands == nil {
		hands = DefaultHands()
	}
	t := &Translator{hands: make(map[uint8]string, len(hands))}
	for ch, h := range hands {
		if ch >= 0 && ch < 16 {
			t.hands[uint8(ch)] = h
		}
	}
	return t
}

// Translate returns the gesture for msg, if it maps to one.
func (t *Translator) Translate(msg midi.Message) (gesture.Event, bool) {
	var ch, key, val uint8
	switch {
	case msg.GetNoteOn(&ch, &key, &val):
		kind := gesture.KindOn
		if val == 0 {
			kind = gesture.KindOff
		}
		return t.event(kind, ch, key), true
	case msg.GetNoteOff(&ch, &key, &val):
		return t.event(gesture.KindOff, ch, key), true
	case msg.GetPolyAfterTouch(&ch, &key, &val):
		return t.event(gesture.KindAftertouch, ch, key), true
	}
	return gesture.Event{}, false
}

// event builds an unstamped gesture; the engine stamps it on arrival.
func (t *Translator) event(kind gesture.Kind, ch, key uint8) gesture.Event {
	hand, ok := t.hands[ch]
	if !ok {
		hand = "ch" + strconv.Itoa(int(ch))
	}
	return gesture.Event{
		Kind:     kind,
		ObjectID: strconv.Itoa(int(key)),
		Hand:     hand,
		Finger:   strconv.Itoa(int(key) % 5),
	}
}

// Receiver returns a gomidi receive callback that forwards translated
// gestures to sink.
func Receiver(t *Translator, sink Sink) func(msg midi.Message, timestampms int32) {
	return func(msg midi.Message, _ int32) {
		ev, ok := t.Translate(msg)
		if !ok {
			return
		}
		if !sink.PushGesture(ev) {
			slog.Debug("midi gesture dropped; engine stopped", "object_id", ev.ObjectID)
		}
	}
}

// Listen opens the first input port whose name contains port and forwards
// its gestures to sink until stop is called.
func Listen(port string, hands map[int]string, sink Sink) (stop func(), err error) {
	in, err := midi.FindInPort(port)
	if err != nil {
		return nil, fmt.Errorf("find midi port %q: %w", port, err)
	}
	stop, err = midi.ListenTo(in, Receiver(NewTranslator(hands), sink))
	if err != nil {
		return nil, fmt.Errorf("listen on midi port %q: %w", in.String(), err)
	}
	slog.Info("midi input open", "port", in.String())
	return stop, nil
}
