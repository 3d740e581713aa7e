package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SessionKeySize is the AES-256 session key length.
	SessionKeySize = 32
	// BaseIVSize is the per-session base nonce length.
	BaseIVSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
)

// ErrAuthFailure indicates an AEAD tag mismatch: the key, IV, ciphertext, or
// tag was tampered with.
var ErrAuthFailure = errors.New("crypto: chunk authentication failed")

// GenerateSession returns a fresh 32-byte session key and 12-byte base IV.
func GenerateSession() (key, iv []byte, err error) {
	key = make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("generate session key: %w", err)
	}

	iv = make([]byte, BaseIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate base IV: %w", err)
	}

	return key, iv, nil
}

// ChunkIV derives the nonce for chunk index from the session base IV.
//
// The last 4 bytes of the base IV are replaced with the big-endian chunk
// index. The first 8 bytes stay random, so nonces are unique per session key
// as long as the index never repeats.
func ChunkIV(baseIV []byte, index uint32) ([]byte, error) {
	if len(baseIV) != BaseIVSize {
		return nil, fmt.Errorf("invalid base IV length: got %d want %d", len(baseIV), BaseIVSize)
	}

	iv := make([]byte, BaseIVSize)
	copy(iv, baseIV)
	binary.BigEndian.PutUint32(iv[BaseIVSize-4:], index)
	return iv, nil
}

// SealChunk encrypts one chunk with AES-256-GCM and returns ciphertext and
// the 16-byte authentication tag separately.
func SealChunk(key, iv, plaintext []byte) (ciphertext, tag []byte, err error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// OpenChunk authenticates and decrypts one chunk.
//
// Any tampering with key, iv, ciphertext, or tag fails with ErrAuthFailure.
func OpenChunk(key, iv, ciphertext, tag []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, ErrAuthFailure
	}

	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(key), SessionKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}

	return aead, nil
}
