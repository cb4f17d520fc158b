package miio

// Request is a logical outbound message: either the header-only
// handshake, or a Normal call carrying an already-JSON-encoded body.
type Request struct {
	Handshake bool
	DeviceID  uint32
	Stamp     uint32
	Plaintext []byte
}

// HandshakeRequest builds the handshake variant of Request.
func HandshakeRequest() Request {
	return Request{Handshake: true}
}

// NormalRequest builds the Normal variant of Request.
func NormalRequest(deviceID, stamp uint32, plaintext []byte) Request {
	return Request{DeviceID: deviceID, Stamp: stamp, Plaintext: plaintext}
}

// serializeRequest turns a logical Request into a wire Packet, encrypting
// the payload and computing the checksum under token.
func serializeRequest(req Request, token []byte) (Packet, error) {
	if req.Handshake {
		return handshakeRequestPacket(), nil
	}

	ciphertext, err := encryptPayload(req.Plaintext, token)
	if err != nil {
		return Packet{}, err
	}

	length, err := mustUint16(headerLen + len(ciphertext))
	if err != nil {
		return Packet{}, err
	}

	p := Packet{
		PacketLength: length,
		Unknown1:     0,
		DeviceID:     req.DeviceID,
		Stamp:        req.Stamp,
		Payload:      ciphertext,
	}
	p.Checksum = frameChecksum(p.headerPrefix(), token, ciphertext)
	return p, nil
}
