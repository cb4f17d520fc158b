package miio

import (
	"bytes"
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRequest_Handshake(t *testing.T) {
	token := testToken(t)
	p, err := serializeRequest(HandshakeRequest(), token)
	require.NoError(t, err)
	assert.Equal(t, handshakeRequestPacket(), p)
}

func TestSerializeDeserialize_NormalRoundTrip(t *testing.T) {
	token := testToken(t)
	plaintext := []byte(`{"id":1001,"method":"get_prop","params":[]}`)

	p, err := serializeRequest(NormalRequest(5, 10, plaintext), token)
	require.NoError(t, err)

	raw, err := p.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)

	resp, err := deserializeResponse(parsed, token)
	require.NoError(t, err)
	assert.False(t, resp.Handshake)
	assert.Equal(t, uint32(5), resp.DeviceID)
	assert.Equal(t, uint32(10), resp.Stamp)
	assert.Equal(t, plaintext, resp.Plaintext)
}

func TestSerializeDeserialize_EmptyParams(t *testing.T) {
	token := testToken(t)
	plaintext := []byte(`{"id":1,"method":"get_prop","params":[]}`)

	p, err := serializeRequest(NormalRequest(1, 1, plaintext), token)
	require.NoError(t, err)
	raw, err := p.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)
	resp, err := deserializeResponse(parsed, token)
	require.NoError(t, err)
	assert.JSONEq(t, string(plaintext), string(resp.Plaintext))
}

func TestDeserializeResponse_HandshakeReply(t *testing.T) {
	token := testToken(t)
	p := Packet{PacketLength: 32, DeviceID: 5, Stamp: 10}

	resp, err := deserializeResponse(p, token)
	require.NoError(t, err)
	assert.True(t, resp.Handshake)
	assert.Equal(t, uint32(5), resp.DeviceID)
	assert.Equal(t, uint32(10), resp.Stamp)
}

func TestDeserializeResponse_ChecksumMismatch(t *testing.T) {
	token := testToken(t)
	plaintext := []byte(`{"id":1,"method":"get_prop","params":[]}`)

	p, err := serializeRequest(NormalRequest(1, 1, plaintext), token)
	require.NoError(t, err)
	raw, err := p.Serialize()
	require.NoError(t, err)

	// Flip a bit in the ciphertext: still a well-formed frame, but the
	// checksum no longer matches.
	raw[40] ^= 0x01

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)
	_, err = deserializeResponse(parsed, token)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDeserializeResponse_HeaderMutationCausesMismatch(t *testing.T) {
	token := testToken(t)
	plaintext := []byte(`{"id":1,"method":"get_prop","params":[]}`)

	p, err := serializeRequest(NormalRequest(1, 1, plaintext), token)
	require.NoError(t, err)
	raw, err := p.Serialize()
	require.NoError(t, err)

	// Mutate device_id (inside header prefix, outside magic) in place so
	// packet_length stays consistent with the buffer length.
	raw[8] ^= 0x01

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)
	_, err = deserializeResponse(parsed, token)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFrameChecksum_MatchesManualConstruction(t *testing.T) {
	token := testToken(t)
	plaintext := []byte(`{"id":1,"method":"get_prop","params":[]}`)
	ciphertext, err := encryptPayload(plaintext, token)
	require.NoError(t, err)

	p := Packet{PacketLength: uint16(headerLen + len(ciphertext)), DeviceID: 1, Stamp: 1}
	got := frameChecksum(p.headerPrefix(), token, ciphertext)

	var manual bytes.Buffer
	manual.Write(p.headerPrefix())
	manual.Write(token)
	manual.Write(ciphertext)
	want := md5.Sum(manual.Bytes())

	assert.Equal(t, want, got)
}
