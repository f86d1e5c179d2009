// Package tfms90 implements the ASCII, comma-framed TFMS90 wire protocol:
// frames of the form "$,<fields...>,#?" (or "#"), the LG login handshake,
// and the short-ID-bearing acknowledgement contract.
//
// The Parser owns a growing byte buffer across Feed calls so that frames
// split across TCP reads, multiple frames concatenated in one read, and
// garbage bytes ahead of the next "$" are all handled the same way.
package tfms90

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/protei/telemetry-ingest/internal/telemetry"
)

// epoch2000 is the TFMS90 wire epoch: seconds since 2000-01-01 00:00:00 UTC.
var epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// LoginRequest is surfaced from an LG frame. The codec cannot complete
// identification itself (that needs the Store Gateway), so the Handler
// drives LookupByIMEI/AllocateShortID/RegisterDevice and then calls
// BindShortID to tell the codec what to echo on future acks.
type LoginRequest struct {
	Token           string
	IMEI            string
	FirmwareVersion string
	SIMICCID        string
}

// Event is one thing the parser produced from a single frame.
type Event struct {
	Login     *LoginRequest
	Record    *telemetry.Record
	Token     string
	Malformed bool
	RawType   string
}

// Parser is one TFMS90 stream parser, one per connection.
type Parser struct {
	buf         []byte
	shortID     int
	shortIDSet  bool
}

func NewParser() *Parser {
	return &Parser{}
}

// BindShortID records the short device ID assigned during identification,
// used to build the ACK frame for every subsequent non-LG message.
func (p *Parser) BindShortID(id int) {
	p.shortID = id
	p.shortIDSet = true
}

// Feed appends newly read bytes and extracts every complete frame now
// available, discarding any leading garbage before the first "$". It
// returns one Event per successfully or unsuccessfully parsed frame;
// malformed frames are reported (Event.Malformed) so the caller can log
// and count them, and produce no ack.
func (p *Parser) Feed(data []byte) []Event {
	p.buf = append(p.buf, data...)

	var events []Event
	for {
		start := bytes.IndexByte(p.buf, '$')
		if start < 0 {
			p.buf = p.buf[:0]
			return events
		}
		if start > 0 {
			p.buf = p.buf[start:]
		}

		body, rest, ok := splitFrame(p.buf)
		if !ok {
			// Incomplete frame: wait for more data.
			return events
		}
		p.buf = rest

		ev := p.parseFrame(body)
		events = append(events, ev)
	}
}

// splitFrame looks for the first "#?" or bare "#" terminator after the
// leading "$" and returns the comma-joined body between them (terminator and
// any trailing CR/LF stripped), plus what remains in the buffer.
func splitFrame(buf []byte) (body []byte, rest []byte, ok bool) {
	termAt := bytes.IndexByte(buf, '#')
	if termAt < 0 {
		return nil, buf, false
	}
	termLen := 1
	if termAt+1 < len(buf) && buf[termAt+1] == '?' {
		termLen = 2
	}

	body = buf[1:termAt] // drop leading '$'
	rest = buf[termAt+termLen:]
	// Tolerate interleaved newline/whitespace after the terminator.
	rest = bytes.TrimLeft(rest, "\r\n \t")
	return body, rest, true
}

func (p *Parser) parseFrame(body []byte) Event {
	// The body begins with the comma that follows "$"; drop it so fields[0]
	// is the leading marker and fields[1] the message type.
	fields := strings.Split(strings.TrimRight(strings.TrimPrefix(string(body), ","), ","), ",")
	if len(fields) < 2 {
		return Event{Malformed: true}
	}
	seq0 := fields[0]
	msgType := fields[1]
	// The ACK-bearing token is not the leading "0" marker field but the
	// per-message sequence field at fields[3]: an input token of "0" pairs
	// with an expected ack token of "1", which only the fields[3] sequence
	// reproduces; fall back to fields[0] when a frame is too short to carry
	// one.
	token := frameToken(fields)

	switch telemetry.MessageType(msgType) {
	case telemetry.MessageLG:
		return p.parseLogin(seq0, fields)
	case telemetry.MessageTD:
		return p.parseTD(token, fields)
	case telemetry.MessageTS:
		return p.parseSimple(token, fields, telemetry.MessageTS)
	case telemetry.MessageHB:
		return p.parseSimple(token, fields, telemetry.MessageHB)
	case telemetry.MessageTE:
		return p.parseTE(token, fields)
	case telemetry.MessageFLF:
		return p.parseFuelEvent(token, fields, telemetry.MessageFLF)
	case telemetry.MessageFLD:
		return p.parseFuelEvent(token, fields, telemetry.MessageFLD)
	case telemetry.MessageHA2, telemetry.MessageHB2, telemetry.MessageHC2,
		telemetry.MessageOS3, telemetry.MessageSTAT:
		return p.parseGenericEvent(token, fields, telemetry.MessageType(msgType))
	default:
		// Unrecognized message type: store with empty telemetry under the
		// as-seen type so device retries stop, rather than dropping silently.
		rec := &telemetry.Record{
			Protocol:    telemetry.ProtocolTFMS90,
			MessageType: telemetry.MessageType(msgType),
			Extras:      map[string]any{},
			Timestamp:   time.Now().UTC(),
		}
		return Event{Record: rec, Token: token, RawType: msgType}
	}
}

// frameToken returns the field the ACK contract echoes back. See the
// comment above its call site in parseFrame.
func frameToken(fields []string) string {
	if len(fields) > 3 {
		return fields[3]
	}
	return fields[0]
}

func (p *Parser) parseLogin(token string, fields []string) Event {
	if len(fields) < 5 {
		return Event{Malformed: true, RawType: "LG"}
	}
	return Event{
		Token: token,
		Login: &LoginRequest{
			Token:           token,
			IMEI:            fields[2],
			FirmwareVersion: fields[3],
			SIMICCID:        fields[4],
		},
		RawType: "LG",
	}
}

// parseTD decodes a TD frame: fields[2]=device id, [4]=timestamp hex,
// [5]=lat, [6]=lon, [7]=speed, [8]=heading, [9]=satellites, [10]=altitude,
// [11]=fuel, [13]=status flags hex (bit0 = ignition).
func (p *Parser) parseTD(token string, fields []string) Event {
	if len(fields) < 14 {
		return Event{Malformed: true, RawType: "TD"}
	}

	ts, err := decodeTimestampHex(fields[4])
	if err != nil {
		return Event{Malformed: true, RawType: "TD"}
	}

	rec := &telemetry.Record{
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: telemetry.MessageTD,
		Timestamp:   ts,
		Extras:      map[string]any{},
	}
	rec.Latitude = decodeLatitude(fields[5])
	rec.Longitude = decodeLongitude(fields[6])
	rec.Speed = decodeFloat(fields[7])
	rec.Heading = decodeFloat(fields[8])
	rec.Satellites = int(decodeFloatOrZero(fields[9]))
	rec.Altitude = decodeFloat(fields[10])
	fuel := decodeFloat(fields[11])
	rec.FuelLevel = fuel
	if fuel != nil {
		rec.Extras["fuel_level"] = *fuel
	}

	rec.Ignition = decodeIgnition(fields[13])

	if len(fields) > 12 {
		rec.Extras["odometer_raw"] = fields[12]
	}
	if len(fields) > 14 {
		rec.Extras["status_flags_raw"] = fields[14]
	}
	if len(fields) > 15 {
		rec.Extras["analog_input_1"] = decodeFloatOrZero(fields[15])
	}
	if len(fields) > 16 {
		rec.Extras["battery_voltage"] = decodeFloatOrZero(fields[16])
	}
	if len(fields) > 17 {
		rec.Extras["temperature_c"] = decodeFloatOrZero(fields[17])
	}

	return Event{Record: rec, Token: token, RawType: "TD"}
}

func (p *Parser) parseSimple(token string, fields []string, mt telemetry.MessageType) Event {
	rec := &telemetry.Record{
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: mt,
		Extras:      map[string]any{},
	}
	if len(fields) > 4 {
		if ts, err := decodeTimestampHex(fields[4]); err == nil {
			rec.Timestamp = ts
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if len(fields) > 6 {
		rec.Latitude = decodeLatitude(fields[5])
		rec.Longitude = decodeLongitude(fields[6])
	}
	if len(fields) > 7 {
		rec.FuelLevel = decodeFloat(fields[7])
	}
	return Event{Record: rec, Token: token, RawType: string(mt)}
}

// parseTE promotes trip-end attributes to top level: start/end timestamp,
// duration, fuel, distance, and start position all get dedicated fields on
// the record instead of living in Extras.
func (p *Parser) parseTE(token string, fields []string) Event {
	if len(fields) < 14 {
		return Event{Malformed: true, RawType: "TE"}
	}
	startTS, err1 := decodeTimestampHex(fields[4])
	endTS, err2 := decodeTimestampHex(fields[5])
	if err1 != nil || err2 != nil {
		return Event{Malformed: true, RawType: "TE"}
	}
	duration, _ := strconv.ParseInt(fields[6], 10, 64)

	rec := &telemetry.Record{
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: telemetry.MessageTE,
		Timestamp:   endTS,
		Extras:      map[string]any{},
	}
	rec.StartTimestamp = telemetry.Time(startTS)
	rec.EndTimestamp = telemetry.Time(endTS)
	rec.DurationSeconds = telemetry.Int64(duration)
	rec.StartFuel = decodeFloat(fields[7])
	rec.EndFuel = decodeFloat(fields[8])
	rec.DistanceKM = decodeFloat(fields[9])
	rec.StartLatitude = decodeLatitude(fields[10])
	rec.StartLongitude = decodeLongitude(fields[11])
	rec.Latitude = decodeLatitude(fields[12])
	rec.Longitude = decodeLongitude(fields[13])

	return Event{Record: rec, Token: token, RawType: "TE"}
}

func (p *Parser) parseFuelEvent(token string, fields []string, mt telemetry.MessageType) Event {
	if len(fields) < 7 {
		return Event{Malformed: true, RawType: string(mt)}
	}
	ts, err := decodeTimestampHex(fields[4])
	if err != nil {
		ts = time.Now().UTC()
	}
	before := decodeFloat(fields[5])
	after := decodeFloat(fields[6])
	rec := &telemetry.Record{
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: mt,
		Timestamp:   ts,
		Extras:      map[string]any{},
	}
	if before != nil {
		rec.Extras["fuel_before"] = *before
	}
	if after != nil {
		rec.Extras["fuel_after"] = *after
	}
	if len(fields) > 7 {
		if amount := decodeFloat(fields[7]); amount != nil {
			rec.Extras["amount"] = *amount
		}
	}
	return Event{Record: rec, Token: token, RawType: string(mt)}
}

func (p *Parser) parseGenericEvent(token string, fields []string, mt telemetry.MessageType) Event {
	rec := &telemetry.Record{
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: mt,
		Timestamp:   time.Now().UTC(),
		Extras:      map[string]any{},
	}
	for i := 4; i < len(fields); i++ {
		rec.Extras[fmt.Sprintf("field_%d", i)] = fields[i]
	}
	return Event{Record: rec, Token: token, RawType: string(mt)}
}

// FormatLoginAck builds the LG acknowledgement: "$,0,ACK,<short_id>,#?".
func FormatLoginAck(shortID int) []byte {
	return []byte(fmt.Sprintf("$,0,ACK,%d,#?", shortID))
}

// FormatAck builds the per-frame ack for any non-LG frame:
// "$,<token>,ACK,<short_id>,<record_count>,#?", echoing the frame's own
// token back to the device.
func (p *Parser) FormatAck(token string, recordCount int) []byte {
	return []byte(fmt.Sprintf("$,%s,ACK,%d,%d,#?", token, p.shortID, recordCount))
}

func decodeTimestampHex(s string) (time.Time, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp hex %q: %w", s, err)
	}
	return epoch2000.Add(time.Duration(v) * time.Second), nil
}

func decodeFloat(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

func decodeFloatOrZero(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func decodeLatitude(s string) *float64 {
	v := decodeFloat(s)
	if v == nil || *v < -90 || *v > 90 {
		return nil
	}
	return v
}

func decodeLongitude(s string) *float64 {
	v := decodeFloat(s)
	if v == nil || *v < -180 || *v > 180 {
		return nil
	}
	return v
}

// decodeIgnition parses the status flags hex byte; bit 0 set means ACC/ON.
// Invalid hex resolves to IgnitionUnknown rather than defaulting to false.
func decodeIgnition(s string) telemetry.Ignition {
	raw, err := hex.DecodeString(padHex(s))
	if err != nil || len(raw) == 0 {
		return telemetry.IgnitionUnknown
	}
	if raw[len(raw)-1]&0x01 != 0 {
		return telemetry.IgnitionOn
	}
	return telemetry.IgnitionOff
}

func padHex(s string) string {
	if len(s)%2 != 0 {
		return "0" + s
	}
	return s
}
