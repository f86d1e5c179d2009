package teltonika

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16IBM_KnownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/ARC check string; its CRC is 0xBB3D.
	got := CRC16IBM([]byte("123456789"))
	assert.Equal(t, uint16(0xBB3D), got)
}

func TestParser_FeedGreeting(t *testing.T) {
	p := NewParser()
	imei := "123456789012345"
	greeting := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(greeting[:2], uint16(len(imei)))
	copy(greeting[2:], imei)

	got, ok := p.FeedGreeting(greeting)
	require.True(t, ok)
	assert.Equal(t, imei, got)
}

func TestParser_FeedGreeting_Incomplete(t *testing.T) {
	p := NewParser()
	_, ok := p.FeedGreeting([]byte{0x00})
	assert.False(t, ok)
}

func buildAVLPacket(t *testing.T) []byte {
	t.Helper()

	var record []byte
	record = append(record, make([]byte, 8)...) // timestamp ms, zero is fine for the test
	record = append(record, 0x01)                // priority
	lat := make([]byte, 4)
	binary.BigEndian.PutUint32(lat, uint32(int32(377749000)))
	record = append(record, lat...)
	lon := make([]byte, 4)
	binary.BigEndian.PutUint32(lon, uint32(int32(-1224194000)))
	record = append(record, lon...)
	record = append(record, 0x00, 0x64) // altitude 100
	record = append(record, 0x00, 0x5A) // heading 90
	record = append(record, 0x08)       // satellites
	record = append(record, 0x00, 0x32) // speed 50
	// IO blocks: 1-byte group has one element (id 239 ignition, value 1); rest empty.
	record = append(record, 0x01, 239, 0x01)
	record = append(record, 0x00) // 2-byte group count
	record = append(record, 0x00) // 4-byte group count
	record = append(record, 0x00) // 8-byte group count

	dataField := []byte{codecID8E, 0x01}
	dataField = append(dataField, record...)
	dataField = append(dataField, 0x01) // trailing record count

	crc := CRC16IBM(dataField)

	var packet []byte
	packet = append(packet, 0x00, 0x00, 0x00, 0x00) // preamble
	lenField := make([]byte, 4)
	binary.BigEndian.PutUint32(lenField, uint32(len(dataField)))
	packet = append(packet, lenField...)
	packet = append(packet, dataField...)
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, uint32(crc))
	packet = append(packet, crcField...)
	return packet
}

func TestParser_Feed_ValidBatch(t *testing.T) {
	p := NewParser()
	packet := buildAVLPacket(t)

	batches := p.Feed(packet)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].CRCValid)
	require.Len(t, batches[0].Records, 1)

	rec := batches[0].Records[0]
	require.NotNil(t, rec.Latitude)
	assert.InDelta(t, 37.7749, *rec.Latitude, 0.0001)
	assert.Equal(t, 8, rec.Satellites)
}

func TestParser_Feed_BadCRCRejectsBatch(t *testing.T) {
	p := NewParser()
	packet := buildAVLPacket(t)
	packet[len(packet)-1] ^= 0xFF // corrupt the CRC

	batches := p.Feed(packet)
	require.Len(t, batches, 1)
	assert.False(t, batches[0].CRCValid)
	assert.Len(t, batches[0].Records, 0)
	assert.Equal(t, []byte{0, 0, 0, 0}, FormatAck(0))
}

func TestParser_Feed_Fragmentation(t *testing.T) {
	packet := buildAVLPacket(t)
	p := NewParser()
	mid := len(packet) / 2
	var batches []Batch
	batches = append(batches, p.Feed(packet[:mid])...)
	require.Len(t, batches, 0, "a split packet must not yield a batch until complete")
	batches = append(batches, p.Feed(packet[mid:])...)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].CRCValid)
}

func TestFormatAck(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03}, FormatAck(3))
}

func TestGreetingAckBytes(t *testing.T) {
	assert.Equal(t, []byte{0x01}, GreetingAccepted())
	assert.Equal(t, []byte{0x00}, GreetingRejected())
}
