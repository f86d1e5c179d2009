package ingest

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_AddRemoveCount(t *testing.T) {
	r := NewRegistry()
	a, b := net.Pipe()
	defer b.Close()

	r.Add("TFMS90_100", a)
	assert.Equal(t, 1, r.Count())

	r.Remove("TFMS90_100")
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a1, b1 := net.Pipe()
	a2, b2 := net.Pipe()
	defer b1.Close()
	defer b2.Close()

	r.Add("dev-1", a1)
	r.Add("dev-2", a2)
	assert.Equal(t, 2, r.Count())

	r.CloseAll()
	assert.Equal(t, 0, r.Count())

	_, err := a1.Write([]byte("x"))
	assert.Error(t, err, "connection must be closed after CloseAll")
}
