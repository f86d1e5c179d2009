package router

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSniff_TFMS90(t *testing.T) {
	proto, err := Sniff([]byte("$,0,LG,860123456789012,1.04,#?"))
	assert.NoError(t, err)
	assert.Equal(t, TFMS90, proto)
}

func TestSniff_TFMS90_LeadingWhitespace(t *testing.T) {
	proto, err := Sniff([]byte("\r\n$,0,TD,#?"))
	assert.NoError(t, err)
	assert.Equal(t, TFMS90, proto)
}

func TestSniff_Teltonika(t *testing.T) {
	imei := "123456789012345"
	greeting := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(greeting[:2], uint16(len(imei)))
	copy(greeting[2:], imei)

	proto, err := Sniff(greeting)
	assert.NoError(t, err)
	assert.Equal(t, Teltonika, proto)
}

func TestSniff_Unroutable(t *testing.T) {
	proto, err := Sniff([]byte("GET / HTTP/1.1\r\n"))
	assert.ErrorIs(t, err, ErrUnroutable)
	assert.Equal(t, Unknown, proto)
}
