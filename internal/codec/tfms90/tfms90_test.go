package tfms90

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/telemetry-ingest/internal/telemetry"
)

func TestParser_Login(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("$,0,LG,860123456789012,1.04,89990000000000000000,#?"))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Login)
	assert.Equal(t, "860123456789012", events[0].Login.IMEI)
	assert.Equal(t, "1.04", events[0].Login.FirmwareVersion)
}

// TestParser_TDIgnitionOn matches spec Scenario B: an ignition-on TD frame
// acked with the ack-contract's token, echoed from fields[3].
func TestParser_TDIgnitionOn(t *testing.T) {
	p := NewParser()
	p.BindShortID(100)
	frame := "$,0,TD,100,1,1A2B3C4D,37.7749,-122.4194,45.5,180,8,120,75,00,01#?"
	events := p.Feed([]byte(frame))
	require.Len(t, events, 1)
	ev := events[0]
	require.False(t, ev.Malformed)
	require.NotNil(t, ev.Record)
	assert.Equal(t, "1", ev.Token)
	assert.Equal(t, telemetry.IgnitionOn, ev.Record.Ignition)
	require.NotNil(t, ev.Record.Latitude)
	assert.InDelta(t, 37.7749, *ev.Record.Latitude, 0.0001)

	ack := p.FormatAck(ev.Token, 1)
	assert.Equal(t, "$,1,ACK,100,1,#?", string(ack))
}

func TestParser_TDIgnitionOff(t *testing.T) {
	p := NewParser()
	p.BindShortID(100)
	frame := "$,0,TD,100,1,1A2B3C4D,37.7749,-122.4194,0,180,8,120,75,00,00#?"
	events := p.Feed([]byte(frame))
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.IgnitionOff, events[0].Record.Ignition)
}

// TestParser_Fragmentation checks that splitting the exact same frame across
// two Feed calls produces the same event as feeding it whole.
func TestParser_Fragmentation(t *testing.T) {
	frame := "$,0,TD,100,1,1A2B3C4D,37.7749,-122.4194,45.5,180,8,120,75,00,01#?"

	whole := NewParser()
	wholeEvents := whole.Feed([]byte(frame))
	require.Len(t, wholeEvents, 1)

	split := NewParser()
	mid := len(frame) / 2
	var splitEvents []Event
	splitEvents = append(splitEvents, split.Feed([]byte(frame[:mid]))...)
	splitEvents = append(splitEvents, split.Feed([]byte(frame[mid:]))...)
	require.Len(t, splitEvents, 1)

	assert.Equal(t, wholeEvents[0].Record.Timestamp, splitEvents[0].Record.Timestamp)
	assert.Equal(t, *wholeEvents[0].Record.Latitude, *splitEvents[0].Record.Latitude)
	assert.Equal(t, wholeEvents[0].Record.Ignition, splitEvents[0].Record.Ignition)
}

func TestParser_MultipleFramesInOneRead(t *testing.T) {
	p := NewParser()
	p.BindShortID(100)
	data := "$,0,TD,100,1,1A2B3C4D,37.7749,-122.4194,45.5,180,8,120,75,00,01#?" +
		"$,0,TD,100,2,1A2B3C4E,37.7750,-122.4195,46.0,181,9,121,76,00,00#?"
	events := p.Feed([]byte(data))
	require.Len(t, events, 2)
	assert.Equal(t, telemetry.IgnitionOn, events[0].Record.Ignition)
	assert.Equal(t, telemetry.IgnitionOff, events[1].Record.Ignition)
}

func TestParser_MalformedFrame(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("$,#?"))
	require.Len(t, events, 1)
	assert.True(t, events[0].Malformed)
}

func TestParser_UnknownMessageTypeStillAcksAndStores(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("$,0,ZZZ,100,1,deadbeef,#?"))
	require.Len(t, events, 1)
	require.False(t, events[0].Malformed)
	require.NotNil(t, events[0].Record)
	assert.Equal(t, telemetry.MessageType("ZZZ"), events[0].Record.MessageType)
}

func TestFormatLoginAck(t *testing.T) {
	assert.Equal(t, "$,0,ACK,100,#?", string(FormatLoginAck(100)))
}

func TestDecodeIgnition_InvalidHexIsUnknown(t *testing.T) {
	assert.Equal(t, telemetry.IgnitionUnknown, decodeIgnition("zz"))
}
