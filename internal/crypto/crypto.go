// Package crypto derives the per-session symmetric key from the shared
// passphrase and provides authenticated encryption for everything that
// crosses the data channel. Both peers derive the same key independently;
// there is no key exchange. A wrong passphrase is detected by AEAD
// authentication failing, not by comparing secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keyIterations is the PBKDF2 work factor. Both peers must use the
	// same value or derived keys will not match.
	keyIterations = 100000

	// keyLength is the derived key size in bytes (AES-256).
	keyLength = 32

	// NonceSize is the GCM nonce size in bytes. Binary chunk frames carry
	// the nonce as their first NonceSize bytes.
	NonceSize = 12
)

var (
	// ErrInsecureContext is returned when the AEAD cannot be constructed.
	ErrInsecureContext = errors.New("crypto: strong symmetric primitives unavailable")

	// ErrAuthenticationFailure is returned when a ciphertext fails its
	// authentication tag check, which is what a passphrase mismatch
	// between peers looks like on the wire.
	ErrAuthenticationFailure = errors.New("crypto: message authentication failed")
)

// Key is an in-memory session key. It is never serialized; Destroy zeroes
// the raw material when the session ends.
type Key struct {
	aead cipher.AEAD
	raw  []byte
}

// DeriveKey stretches the passphrase into an AES-256-GCM key using the
// room identifier as salt. The same (passphrase, room) pair always yields
// the same key, which is how two peers end up with matching keys without
// ever exchanging them.
func DeriveKey(passphrase, room string) (*Key, error) {
	raw := pbkdf2.Key([]byte(passphrase), []byte(room), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsecureContext, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsecureContext, err)
	}

	return &Key{aead: aead, raw: raw}, nil
}

// EncryptText encrypts a UTF-8 string and returns the ciphertext and nonce
// as base64, ready to embed in a JSON chat frame.
func (k *Key) EncryptText(plaintext string) (ciphertext, iv string, err error) {
	ct, nonce, err := k.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(nonce), nil
}

// DecryptText reverses EncryptText. Returns ErrAuthenticationFailure when
// the tag does not verify (wrong key or tampered frame).
func (k *Key) DecryptText(ciphertext, iv string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	pt, err := k.DecryptBytes(ct, nonce)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// EncryptBytes encrypts a binary payload with a fresh random nonce.
// Every call generates a new nonce; callers must transmit it alongside
// the ciphertext.
func (k *Key) EncryptBytes(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return k.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// DecryptBytes reverses EncryptBytes.
func (k *Key) DecryptBytes(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrAuthenticationFailure
	}
	pt, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return pt, nil
}

// Destroy zeroes the raw key material. The AEAD keeps its own expanded
// schedule, so the Key must not be used after Destroy.
func (k *Key) Destroy() {
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.aead = nil
}

// Fingerprint returns the base64 SHA-256 digest of the passphrase. It is
// stored in the signaling record as a cheap early mismatch check only;
// the authoritative check is authenticated decryption on the data channel.
func Fingerprint(passphrase string) string {
	sum := sha256.Sum256([]byte(passphrase))
	return base64.StdEncoding.EncodeToString(sum[:])
}
