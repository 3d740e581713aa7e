package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

const (
	rsaKeyBits = 4096

	publicPEMType  = "PUBLIC KEY"
	privatePEMType = "PRIVATE KEY"
)

var (
	keyPairOnce sync.Once
	keyPair     *rsa.PrivateKey
	keyPairErr  error
)

// GetKeyPair returns the process RSA-4096 key pair as PEM blocks.
//
// The first call generates the pair and may block for several seconds; callers
// are expected to invoke it during startup. All later calls return the same
// pair.
func GetKeyPair() (publicPEM, privatePEM []byte, err error) {
	key, err := processPrivateKey()
	if err != nil {
		return nil, nil, err
	}

	publicPEM, err = EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal RSA private key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{
		Type:  privatePEMType,
		Bytes: privateDER,
	})

	return publicPEM, privatePEM, nil
}

func processPrivateKey() (*rsa.PrivateKey, error) {
	keyPairOnce.Do(func() {
		keyPair, keyPairErr = rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if keyPairErr != nil {
			keyPairErr = fmt.Errorf("generate RSA-%d keypair: %w", rsaKeyBits, keyPairErr)
		}
	})
	return keyPair, keyPairErr
}

// EncodePublicKeyPEM encodes an RSA public key as a PKIX PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal RSA public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  publicPEMType,
		Bytes: der,
	}), nil
}

// ParsePublicKeyPEM parses a PKIX PEM block into an RSA public key.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode public key PEM: no PEM block")
	}
	if block.Type != publicPEMType {
		return nil, fmt.Errorf("decode public key PEM: unexpected type %q", block.Type)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("parse public key: not an RSA public key")
	}

	return pub, nil
}

// WrapSessionKey encrypts a 32-byte session key for a peer using RSA-OAEP
// with SHA-256.
func WrapSessionKey(peerPublicPEM, key []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(key), SessionKeySize)
	}

	pub, err := ParsePublicKeyPEM(peerPublicPEM)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapSessionKey decrypts a wrapped session key with the process private key.
func UnwrapSessionKey(ciphertext []byte) ([]byte, error) {
	key, err := processPrivateKey()
	if err != nil {
		return nil, err
	}

	unwrapped, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap session key: %w", err)
	}
	if len(unwrapped) != SessionKeySize {
		return nil, fmt.Errorf("invalid unwrapped key length: got %d want %d", len(unwrapped), SessionKeySize)
	}

	return unwrapped, nil
}
