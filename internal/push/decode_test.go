package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopsync/internal/gesture"
)

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{``, `[]`, `null`, `"pong"`, `{}`, `{"type":3}`, `{"type":`} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"frame","data":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "frame", msg.Type)
	assert.False(t, msg.Known())
	assert.Nil(t, msg.Transport)
	assert.Empty(t, msg.Gestures)
}

func TestDecode_TransportFull(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"transport","phase":0.25,"playing":true,"bpm":90,"beatPerBar":3,"bars":2}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Transport)

	u := msg.Transport
	assert.Equal(t, 0.25, *u.Phase)
	assert.True(t, *u.Playing)
	assert.Equal(t, 90.0, *u.BPM)
	assert.Equal(t, 3, *u.BeatPerBar)
	assert.Equal(t, 2, *u.Bars)
	assert.Empty(t, msg.Dropped)
}

func TestDecode_TransportFieldByField(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"transport","phase":"half","playing":1,"bpm":100,"bars":1.5}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Transport)

	u := msg.Transport
	assert.Nil(t, u.Phase)
	assert.Nil(t, u.Playing)
	assert.Nil(t, u.Bars)
	assert.Equal(t, 100.0, *u.BPM)
	assert.ElementsMatch(t, []string{"phase", "playing", "bars"}, msg.Dropped)
}

func TestDecode_TransportAlias(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"transport","beats_per_bar":6}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Transport)
	assert.Equal(t, 6, *msg.Transport.BeatPerBar)

	msg, err = Decode([]byte(`{"type":"transport","beatPerBar":"x","beats_per_bar":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5, *msg.Transport.BeatPerBar)
	assert.Equal(t, []string{"beatPerBar"}, msg.Dropped)
}

func TestDecode_TransportNothingUsable(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"transport","phase":null,"bpm":"fast"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Transport)
	assert.Equal(t, []string{"bpm"}, msg.Dropped)
}

func TestDecode_SingleEvent(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"event","on":true,"objectId":7,"hand":"left","finger":"index","tsMs":1500.5}`))
	require.NoError(t, err)
	require.Len(t, msg.Gestures, 1)
	assert.Equal(t, gesture.Event{
		Kind:     gesture.KindOn,
		ObjectID: "7",
		Hand:     "left",
		Finger:   "index",
		TsMs:     1500.5,
		Stamped:  true,
	}, msg.Gestures[0])

	msg, err = Decode([]byte(`{"type":"event","on":false,"objectId":"drum","hand":"right","finger":2}`))
	require.NoError(t, err)
	require.Len(t, msg.Gestures, 1)
	g := msg.Gestures[0]
	assert.Equal(t, gesture.KindOff, g.Kind)
	assert.Equal(t, "drum", g.ObjectID)
	assert.Equal(t, "2", g.Finger)
	assert.False(t, g.Stamped)
}

func TestDecode_SingleEventNeedsOn(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"event","objectId":7}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Gestures)
	assert.Equal(t, []string{"on"}, msg.Dropped)
}

func TestDecode_SingleEventBadTimestamp(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"event","on":true,"objectId":1,"tsMs":"soon"}`))
	require.NoError(t, err)
	require.Len(t, msg.Gestures, 1)
	assert.False(t, msg.Gestures[0].Stamped)
	assert.Equal(t, []string{"tsMs"}, msg.Dropped)
}

func TestDecode_Batch(t *testing.T) {
	for _, typ := range []string{"event", "events"} {
		msg, err := Decode([]byte(`{"type":"` + typ + `","data":[
			{"type":"on","hand":"left","sensor_idx":0,"object_id":3,"ts_ms":10},
			{"type":"aftertouch","hand":"left","sensor_idx":0,"object_id":3},
			{"type":"wiggle","hand":"left"},
			{"type":"off","hand":"left","sensor_idx":0,"object_id":3}
		]}`))
		require.NoError(t, err)
		require.Len(t, msg.Gestures, 3, typ)

		assert.Equal(t, gesture.KindOn, msg.Gestures[0].Kind)
		assert.Equal(t, "3", msg.Gestures[0].ObjectID)
		assert.Equal(t, "0", msg.Gestures[0].Finger)
		assert.True(t, msg.Gestures[0].Stamped)
		assert.Equal(t, 10.0, msg.Gestures[0].TsMs)

		assert.Equal(t, gesture.KindAftertouch, msg.Gestures[1].Kind)
		assert.False(t, msg.Gestures[1].Stamped)
		assert.Equal(t, gesture.KindOff, msg.Gestures[2].Kind)
		assert.Equal(t, []string{"data[2].type"}, msg.Dropped)
	}
}

func TestDecode_BatchNotArray(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"events","data":{"type":"on"}}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Gestures)
	assert.Equal(t, []string{"data"}, msg.Dropped)
}
