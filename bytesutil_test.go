package miio

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutUint32BE(t *testing.T) {
	got := putUint32BE(nil, 0x01020304)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
}

func TestPutUint16BE(t *testing.T) {
	got := putUint16BE([]byte{0xAA}, 0x0102)
	assert.Equal(t, []byte{0xAA, 0x01, 0x02}, got)
}

func TestMustUint16(t *testing.T) {
	v, err := mustUint16(32)
	assert.NoError(t, err)
	assert.Equal(t, uint16(32), v)

	_, err = mustUint16(1 << 20)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMD5Chain(t *testing.T) {
	a := []byte("hello, ")
	b := []byte("world")
	want := md5.Sum(append(append([]byte{}, a...), b...))
	got := md5Chain(a, b)
	assert.Equal(t, want, got)
}
