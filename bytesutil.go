package miio

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// putUint32BE encodes v as 4 big-endian bytes and appends it to dst.
func putUint32BE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// putUint16BE encodes v as 2 big-endian bytes and appends it to dst.
func putUint16BE(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

// mustUint16 narrows n to a uint16, failing loudly instead of silently
// truncating when a frame would overflow the 16-bit length field.
func mustUint16(n int) (uint16, error) {
	if n < 0 || n > 0xFFFF {
		return 0, fmt.Errorf("miio: value %d does not fit in 16 bits: %w", n, ErrMalformedFrame)
	}
	return uint16(n), nil
}

// md5Chain returns the MD5 digest of the in-order concatenation of bufs,
// without materializing the concatenation as a single allocation.
func md5Chain(bufs ...[]byte) [16]byte {
	h := md5.New()
	for _, b := range bufs {
		h.Write(b)
	}
	var sum [16]byte
	h.Sum(sum[:0])
	return sum
}
