package miio

import "fmt"

// Response is a logical inbound message, classified during deserialization
// as either a handshake reply or a Normal reply.
type Response struct {
	Handshake bool
	DeviceID  uint32
	Stamp     uint32
	Plaintext []byte
}

// deserializeResponse classifies and, for a Normal reply, verifies and
// decrypts a parsed Packet.
//
// A frame is a handshake reply iff unknown1 == 0, packet_length == 32, and
// the checksum is all-zero; in that case the checksum is not verified and
// the payload (always empty) is not decrypted.
func deserializeResponse(p Packet, token []byte) (Response, error) {
	if p.isHandshakeReplyShape() {
		return Response{Handshake: true, DeviceID: p.DeviceID, Stamp: p.Stamp}, nil
	}

	expected := frameChecksum(p.headerPrefix(), token, p.Payload)
	if expected != p.Checksum {
		return Response{}, fmt.Errorf("miio: got %x want %x: %w", p.Checksum, expected, ErrChecksumMismatch)
	}

	plaintext, err := decryptPayload(p.Payload, token)
	if err != nil {
		return Response{}, err
	}

	return Response{DeviceID: p.DeviceID, Stamp: p.Stamp, Plaintext: plaintext}, nil
}
