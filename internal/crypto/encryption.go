// Package crypto provides the authenticated envelope used to carry frames and
// detection payloads between the edge and the analytics service.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// KeyDerivation selects how a shared secret is turned into a KeySize key.
type KeyDerivation string

const (
	// KeyDerivationPad zero-pads the secret to KeySize bytes.
	KeyDerivationPad KeyDerivation = "pad"
	// KeyDerivationArgon2id stretches the secret with Argon2id and a
	// direction-specific salt.
	KeyDerivationArgon2id KeyDerivation = "argon2id"
)

// Argon2id parameters: time=3, memory=64MB, threads=4.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrEnvelopeTooShort = errors.New("envelope too short")
	ErrAuthFailed       = errors.New("envelope authentication failed")
	ErrEmptySecret      = errors.New("shared secret is empty")
)

// CryptoError reports a failure to seal or open an envelope. Open failures
// mean either a key mismatch or a tampered envelope.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return "crypto " + e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// DeriveKey turns a shared secret into an AES-256 key. The label separates
// the edge->cloud and cloud->edge directions when stretching.
func DeriveKey(secret string, mode KeyDerivation, label string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	switch mode {
	case KeyDerivationPad, "":
		if len(secret) > KeySize {
			return nil, fmt.Errorf("secret is %d bytes, pad derivation allows at most %d", len(secret), KeySize)
		}
		key := make([]byte, KeySize)
		copy(key, secret)
		return key, nil
	case KeyDerivationArgon2id:
		salt := []byte("edgeanalytics/" + label)
		return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, KeySize), nil
	default:
		return nil, fmt.Errorf("unknown key derivation %q", mode)
	}
}

// GenerateKey returns a new random KeySize key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Cipher seals and opens envelopes of the form nonce || ciphertext || tag
// using AES-256-GCM. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for a KeySize key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &CryptoError{Op: "seal", Err: fmt.Errorf("failed to generate nonce: %w", err)}
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts an envelope produced by Seal.
func (c *Cipher) Open(envelope []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(envelope) < nonceSize+c.aead.Overhead() {
		return nil, &CryptoError{Op: "open", Err: ErrEnvelopeTooShort}
	}

	nonce, sealed := envelope[:nonceSize], envelope[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &CryptoError{Op: "open", Err: ErrAuthFailed}
	}
	return plaintext, nil
}

// SealToString seals plaintext and base64-encodes the envelope.
func (c *Cipher) SealToString(plaintext []byte) (string, error) {
	envelope, err := c.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// OpenString decodes a base64 envelope and opens it.
func (c *Cipher) OpenString(encoded string) ([]byte, error) {
	envelope, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &CryptoError{Op: "decode", Err: err}
	}
	return c.Open(envelope)
}

// IsCryptoError reports whether err came from sealing or opening an envelope.
func IsCryptoError(err error) bool {
	var cerr *CryptoError
	return errors.As(err, &cerr)
}
