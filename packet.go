package miio

import (
	"encoding/binary"
	"fmt"
)

const (
	magicHi byte = 0x21
	magicLo byte = 0x31

	headerLen = 32

	sentinel32 uint32 = 0xFFFFFFFF
)

var sentinelChecksumFF = [16]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// Packet is an immutable, parsed representation of one on-wire frame.
// Field order matches the wire layout exactly.
type Packet struct {
	PacketLength uint16
	Unknown1     uint32
	DeviceID     uint32
	Stamp        uint32
	Checksum     [16]byte
	Payload      []byte
}

// isHandshakeReplyShape reports whether this frame has the shape of a
// handshake reply: unknown1 zero, no payload, all-zero checksum. This
// classification does not require checksum verification.
func (p Packet) isHandshakeReplyShape() bool {
	return p.Unknown1 == 0 && p.PacketLength == headerLen && p.Checksum == [16]byte{}
}

// ParsePacket parses buf into a Packet. It returns ErrMalformedFrame if
// the magic bytes are wrong, the buffer is shorter than a header, or the
// declared packet_length does not equal len(buf).
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < headerLen {
		return Packet{}, fmt.Errorf("miio: frame shorter than header (%d bytes): %w", len(buf), ErrMalformedFrame)
	}
	if buf[0] != magicHi || buf[1] != magicLo {
		return Packet{}, fmt.Errorf("miio: bad magic %02x%02x: %w", buf[0], buf[1], ErrMalformedFrame)
	}

	var p Packet
	p.PacketLength = binary.BigEndian.Uint16(buf[2:4])
	if int(p.PacketLength) != len(buf) {
		return Packet{}, fmt.Errorf("miio: packet_length %d != buffer length %d: %w", p.PacketLength, len(buf), ErrMalformedFrame)
	}
	p.Unknown1 = binary.BigEndian.Uint32(buf[4:8])
	p.DeviceID = binary.BigEndian.Uint32(buf[8:12])
	p.Stamp = binary.BigEndian.Uint32(buf[12:16])
	copy(p.Checksum[:], buf[16:32])

	if p.PacketLength > headerLen {
		p.Payload = append([]byte(nil), buf[headerLen:]...)
	}

	return p, nil
}

// Serialize is the inverse of ParsePacket: the concatenation of all
// fields in wire order.
func (p Packet) Serialize() ([]byte, error) {
	want := headerLen + len(p.Payload)
	length, err := mustUint16(want)
	if err != nil {
		return nil, err
	}
	if length != p.PacketLength {
		return nil, fmt.Errorf("miio: packet_length %d inconsistent with payload of %d bytes: %w", p.PacketLength, len(p.Payload), ErrMalformedFrame)
	}

	buf := make([]byte, 0, want)
	buf = append(buf, magicHi, magicLo)
	buf = putUint16BE(buf, p.PacketLength)
	buf = putUint32BE(buf, p.Unknown1)
	buf = putUint32BE(buf, p.DeviceID)
	buf = putUint32BE(buf, p.Stamp)
	buf = append(buf, p.Checksum[:]...)
	buf = append(buf, p.Payload...)
	return buf, nil
}

// headerPrefix returns the 16 bytes of the serialized frame that precede
// the checksum field: magic, packet_length, unknown1, device_id, stamp.
// This is the prefix the MD5 checksum construction is computed over, NOT
// the whole 32-byte header with the checksum zeroed.
func (p Packet) headerPrefix() []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, magicHi, magicLo)
	buf = putUint16BE(buf, p.PacketLength)
	buf = putUint32BE(buf, p.Unknown1)
	buf = putUint32BE(buf, p.DeviceID)
	buf = putUint32BE(buf, p.Stamp)
	return buf
}

// handshakeRequestPacket builds the header-only handshake request frame:
// all sentinel fields, empty payload.
func handshakeRequestPacket() Packet {
	return Packet{
		PacketLength: headerLen,
		Unknown1:     sentinel32,
		DeviceID:     sentinel32,
		Stamp:        sentinel32,
		Checksum:     sentinelChecksumFF,
	}
}
