// Package envelope implements the end-to-end encryption wrapper for sync
// payloads. A payload is serialized to JSON, encrypted under a key derived
// from the room secret, and packaged as a single opaque base64 string safe
// to hand to any remote store.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// formatVersion tags the wire format; bumped only on incompatible change.
	formatVersion = 1

	// kdfIterations must be high enough to resist offline brute force
	// against a weak room secret.
	kdfIterations = 150_000
	keyLength     = 32
	saltLength    = 16

	// nonceLength is the AES-GCM standard 96-bit nonce. A fresh random
	// nonce per call is mandatory: reuse under the same key is catastrophic.
	nonceLength = 12
)

var (
	// ErrMalformedEnvelope indicates the opaque string is not a valid
	// envelope: bad base64, bad JSON, or missing required fields.
	ErrMalformedEnvelope = errors.New("malformed cipher envelope")

	// ErrWrongSecret indicates AEAD authentication failed. A wrong room
	// secret and a corrupted blob are indistinguishable here.
	ErrWrongSecret = errors.New("wrong room secret or corrupt blob")

	// ErrMalformedPlaintext indicates decryption succeeded but the
	// plaintext is not valid JSON for the requested type.
	ErrMalformedPlaintext = errors.New("malformed decrypted payload")
)

// wireEnvelope is the serialized envelope. All binary fields are base64.
type wireEnvelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Encrypt serializes payload to JSON and seals it under a key derived from
// secret. Each call draws a fresh salt and nonce. The result is a single
// opaque transport string.
func Encrypt(payload any, secret string) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wire := wireEnvelope{
		Version:    formatVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt reverses Encrypt, unmarshaling the recovered plaintext into out.
// Structural problems yield ErrMalformedEnvelope; authentication failure
// yields ErrWrongSecret; invalid plaintext yields ErrMalformedPlaintext.
func Decrypt(opaque string, secret string, out any) error {
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return fmt.Errorf("%w: outer base64: %v", ErrMalformedEnvelope, err)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("%w: envelope JSON: %v", ErrMalformedEnvelope, err)
	}
	if wire.Version != formatVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrMalformedEnvelope, wire.Version)
	}
	if wire.Salt == "" || wire.IV == "" || wire.Ciphertext == "" {
		return fmt.Errorf("%w: missing required fields", ErrMalformedEnvelope)
	}

	salt, err := base64.StdEncoding.DecodeString(wire.Salt)
	if err != nil {
		return fmt.Errorf("%w: salt: %v", ErrMalformedEnvelope, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wire.IV)
	if err != nil {
		return fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	if len(nonce) != nonceLength {
		return fmt.Errorf("%w: iv length %d", ErrMalformedEnvelope, len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrWrongSecret
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPlaintext, err)
	}
	return nil
}

// newGCM derives the AES-256 key from secret and salt and returns the AEAD.
func newGCM(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
