// Package teltonika implements the Teltonika Codec 8E binary AVL protocol:
// an initial two-byte-length IMEI greeting, followed by preamble-framed AVL
// packets acknowledged with a big-endian 32-bit accepted-record count.
package teltonika

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/protei/telemetry-ingest/internal/telemetry"
)

const codecID8E = 0x8E

// ioNames maps a small, fixed set of IO element IDs to named attributes;
// anything else is carried into extras as "io_<id>".
var ioNames = map[byte]string{
	239: "ignition",
	1:   "fuel_level",
	16:  "odometer",
	67:  "battery_voltage",
}

// Parser is one Teltonika stream parser, one per connection. It starts in
// the greeting phase and switches to AVL-batch mode after FeedGreeting
// reports a complete IMEI.
type Parser struct {
	buf []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// FeedGreeting appends data and, once a complete greeting has arrived,
// returns the IMEI and true. It leaves any bytes past the greeting in the
// internal buffer so the very next Feed call picks up mid-stream (the
// router's peeked bytes are handed in here first, never discarded).
func (p *Parser) FeedGreeting(data []byte) (imei string, ok bool) {
	p.buf = append(p.buf, data...)
	if len(p.buf) < 2 {
		return "", false
	}
	length := int(binary.BigEndian.Uint16(p.buf[:2]))
	if len(p.buf) < 2+length {
		return "", false
	}
	imei = string(p.buf[2 : 2+length])
	p.buf = p.buf[2+length:]
	return imei, true
}

// Batch is one accepted-or-rejected AVL packet.
type Batch struct {
	Records      []*telemetry.Record
	CRCValid     bool
	RecordCount  int
}

// Feed extracts zero or more complete AVL packets from the stream,
// tolerating fragmentation and concatenation exactly like the TFMS90
// parser. A packet whose data-field length has not fully arrived yet is
// left in the buffer for the next call.
func (p *Parser) Feed(data []byte) []Batch {
	p.buf = append(p.buf, data...)

	var batches []Batch
	for {
		b, consumed, ok := p.tryParsePacket(p.buf)
		if !ok {
			return batches
		}
		p.buf = p.buf[consumed:]
		batches = append(batches, b)
	}
}

// tryParsePacket attempts to parse one AVL packet from the front of buf.
// ok is false when more bytes are needed; callers must wait for the next
// Feed. A packet that is fully present but fails CRC still consumes its
// bytes and reports CRCValid=false, since the device will have moved on
// to its next packet rather than retransmitting the same bytes.
func (p *Parser) tryParsePacket(buf []byte) (batch Batch, consumed int, ok bool) {
	const headerLen = 4 + 4 // preamble + data field length
	if len(buf) < headerLen {
		return Batch{}, 0, false
	}
	dataFieldLen := int(binary.BigEndian.Uint32(buf[4:8]))
	total := headerLen + dataFieldLen + 4 // + trailing CRC
	if len(buf) < total {
		return Batch{}, 0, false
	}

	dataField := buf[headerLen : headerLen+dataFieldLen]
	crcField := buf[headerLen+dataFieldLen : total]
	wantCRC := binary.BigEndian.Uint32(crcField)
	gotCRC := uint32(CRC16IBM(dataField))

	if wantCRC != gotCRC {
		return Batch{CRCValid: false}, total, true
	}

	records, recordCount, parseOK := parseDataField(dataField)
	if !parseOK {
		return Batch{CRCValid: false}, total, true
	}

	return Batch{Records: records, CRCValid: true, RecordCount: recordCount}, total, true
}

func parseDataField(dataField []byte) (records []*telemetry.Record, count int, ok bool) {
	if len(dataField) < 3 {
		return nil, 0, false
	}
	if dataField[0] != codecID8E {
		return nil, 0, false
	}
	recordCount := int(dataField[1])
	offset := 2

	for i := 0; i < recordCount; i++ {
		rec, n, recOK := parseAVLRecord(dataField[offset:])
		if !recOK {
			return nil, 0, false
		}
		records = append(records, rec)
		offset += n
	}

	if offset >= len(dataField) {
		return nil, 0, false
	}
	trailingCount := int(dataField[offset])
	if trailingCount != recordCount {
		return nil, 0, false
	}

	return records, recordCount, true
}

func parseAVLRecord(b []byte) (*telemetry.Record, int, bool) {
	const fixedLen = 8 + 1 + 4 + 4 + 2 + 2 + 1 + 2
	if len(b) < fixedLen {
		return nil, 0, false
	}
	off := 0
	tsMS := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	off += 1 // priority, not surfaced as a top-level field
	lat := int32(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	lon := int32(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	altitude := int16(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	heading := binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	satellites := int(b[off])
	off += 1
	speed := binary.BigEndian.Uint16(b[off : off+2])
	off += 2

	rec := &telemetry.Record{
		Protocol:    telemetry.ProtocolTeltonika,
		MessageType: telemetry.MessageCodec8,
		Timestamp:   time.UnixMilli(int64(tsMS)).UTC(),
		Satellites:  satellites,
		Extras:      map[string]any{},
	}
	rec.Latitude = clampLatitude(float64(lat) / 1e7)
	rec.Longitude = clampLongitude(float64(lon) / 1e7)
	rec.Altitude = telemetry.Float(float64(altitude))
	rec.Heading = telemetry.Float(float64(heading))
	rec.Speed = telemetry.Float(float64(speed))

	ioLen, ioOK := parseIOBlocks(b[off:], rec)
	if !ioOK {
		return nil, 0, false
	}
	off += ioLen

	return rec, off, true
}

// parseIOBlocks reads the four fixed/variable-width IO groups (1, 2, 4, 8
// byte values) and applies the known-ID mapping, shunting everything else
// into extras as "io_<id>".
func parseIOBlocks(b []byte, rec *telemetry.Record) (consumed int, ok bool) {
	widths := []int{1, 2, 4, 8}
	off := 0
	for _, width := range widths {
		if off >= len(b) {
			return 0, false
		}
		count := int(b[off])
		off++
		for i := 0; i < count; i++ {
			if off+1+width > len(b) {
				return 0, false
			}
			id := b[off]
			off++
			value := readUint(b[off : off+width])
			off += width
			applyIOElement(rec, id, value)
		}
	}
	return off, true
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, byt := range b {
		v = v<<8 | uint64(byt)
	}
	return v
}

func applyIOElement(rec *telemetry.Record, id byte, value uint64) {
	switch ioNames[id] {
	case "ignition":
		if value != 0 {
			rec.Ignition = telemetry.IgnitionOn
		} else {
			rec.Ignition = telemetry.IgnitionOff
		}
	case "fuel_level":
		v := float64(value)
		rec.FuelLevel = &v
		rec.Extras["fuel_level"] = v
	case "odometer":
		rec.Extras["odometer"] = value
	case "battery_voltage":
		rec.Extras["battery_voltage"] = value
	default:
		rec.Extras[ioKey(id)] = value
	}
}

func ioKey(id byte) string {
	return "io_" + strconv.Itoa(int(id))
}

func clampLatitude(v float64) *float64 {
	if v < -90 || v > 90 {
		return nil
	}
	return &v
}

func clampLongitude(v float64) *float64 {
	if v < -180 || v > 180 {
		return nil
	}
	return &v
}

// FormatAck builds the 4-byte big-endian accepted-record-count ack. On CRC
// mismatch the caller passes 0, yielding "00 00 00 00".
func FormatAck(acceptedCount int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(acceptedCount))
	return out
}

// GreetingAccepted / GreetingRejected are the single-byte greeting acks.
func GreetingAccepted() []byte { return []byte{0x01} }
func GreetingRejected() []byte { return []byte{0x00} }
