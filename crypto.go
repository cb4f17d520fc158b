package miio

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/andreburgaud/crypt2go/padding"
)

// deriveKeyIV computes the AES-128-CBC key and IV from a 16-byte device
// token: K = MD5(token), IV = MD5(K || token).
func deriveKeyIV(token []byte) (key, iv []byte) {
	k := md5Chain(token)
	v := md5Chain(k[:], token)
	return k[:], v[:]
}

// encryptPayload encrypts plaintext under AES-128-CBC with PKCS#7 padding.
// An empty plaintext yields an empty ciphertext (no block is produced);
// this case only arises for the handshake, which never carries a payload.
func encryptPayload(plaintext, token []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	key, iv := deriveKeyIV(token)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("miio: aes cipher: %w", err)
	}

	padded, err := padding.NewPkcs7Padding(aes.BlockSize).Pad(plaintext)
	if err != nil {
		return nil, fmt.Errorf("miio: pad: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// decryptPayload reverses encryptPayload. An empty ciphertext yields an
// empty plaintext.
func decryptPayload(ciphertext, token []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("miio: ciphertext length %d not a multiple of block size: %w", len(ciphertext), ErrDecryptFailure)
	}

	key, iv := deriveKeyIV(token)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("miio: aes cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := padding.NewPkcs7Padding(aes.BlockSize).Unpad(padded)
	if err != nil {
		return nil, fmt.Errorf("miio: unpad: %v: %w", err, ErrDecryptFailure)
	}
	return plaintext, nil
}

// frameChecksum computes MD5(headerPrefix || token || ciphertext), the
// construction shared by the request serializer and the response
// deserializer.
func frameChecksum(headerPrefix, token, ciphertext []byte) [16]byte {
	return md5Chain(headerPrefix, token, ciphertext)
}
