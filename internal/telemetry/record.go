// Package telemetry defines the protocol-neutral record both codecs produce
// and the Store Gateway consumes.
package telemetry

import "time"

// Protocol identifies which wire codec produced a Record.
type Protocol string

const (
	ProtocolTFMS90    Protocol = "tfms90"
	ProtocolTeltonika Protocol = "teltonika"
)

// MessageType is the device-reported message kind. Unrecognized TFMS90
// tokens are stored verbatim rather than dropped, so a device retrying an
// unsupported message type still gets an ack.
type MessageType string

const (
	MessageTD       MessageType = "TD"
	MessageTS       MessageType = "TS"
	MessageTE       MessageType = "TE"
	MessageHB       MessageType = "HB"
	MessageFLF      MessageType = "FLF"
	MessageFLD      MessageType = "FLD"
	MessageHA2      MessageType = "HA2"
	MessageHB2      MessageType = "HB2"
	MessageHC2      MessageType = "HC2"
	MessageOS3      MessageType = "OS3"
	MessageSTAT     MessageType = "STAT"
	MessageLG       MessageType = "LG"
	MessageCodec8   MessageType = "codec_0x8"
)

// Ignition is a tri-state: TFMS90's status byte can be absent or unparsable,
// and that case must surface as "unknown" rather than silently defaulting
// to false.
type Ignition int

const (
	IgnitionUnknown Ignition = iota
	IgnitionOn
	IgnitionOff
)

func (i Ignition) Bool() (value bool, known bool) {
	switch i {
	case IgnitionOn:
		return true, true
	case IgnitionOff:
		return false, true
	default:
		return false, false
	}
}

// Record is one parsed observation, protocol-neutral. Extras is a disjoint
// free-form bag: the Store Gateway is the only place it is serialized, and
// it is never expanded into top-level columns.
type Record struct {
	DeviceKey string
	Timestamp time.Time

	Latitude  *float64
	Longitude *float64
	Altitude  *float64
	Speed     *float64
	Heading   *float64
	Satellites int

	FuelLevel *float64
	Ignition  Ignition

	Protocol    Protocol
	MessageType MessageType
	Extras      map[string]any

	// Trip-end promoted attributes (TE only). Nil/zero unless MessageType == MessageTE.
	StartTimestamp  *time.Time
	EndTimestamp    *time.Time
	DurationSeconds *int64
	StartFuel       *float64
	EndFuel         *float64
	DistanceKM      *float64
	StartLatitude   *float64
	StartLongitude  *float64
}

// HasValidPosition reports whether both coordinates are present and not the
// (0,0) sentinel. Used only by the optional downstream mirror contract; the
// core itself always inserts the row regardless of this value.
func (r *Record) HasValidPosition() bool {
	if r.Latitude == nil || r.Longitude == nil {
		return false
	}
	return !(*r.Latitude == 0 && *r.Longitude == 0)
}

func Float(v float64) *float64 { return &v }
func Int64(v int64) *int64     { return &v }
func Time(v time.Time) *time.Time { return &v }
