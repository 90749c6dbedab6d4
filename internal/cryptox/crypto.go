// Package cryptox holds the cryptographic primitives used by the field
// codec and the keyring: AES-256-GCM sealing, HMAC-SHA-256 lookup digests,
// and argon2id/HKDF key derivation.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophvault/internal/shared"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the standard GCM nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// DigestSize is the HMAC-SHA-256 output length.
	DigestSize = sha256.Size
)

var (
	ErrInvalidKey = errors.New("invalid key length")
	ErrOpen       = errors.New("message authentication failed")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, TagSize)
}

// Seal encrypts plaintext with AES-256-GCM under a freshly generated random
// nonce. The returned ciphertext includes the authentication tag. The
// associated data is authenticated but not encrypted.
//
// Example:
//
//	nonce, ct, err := cryptox.Seal(key, []byte("123.456.789-01"), []byte("national_id"))
func Seal(key, plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = shared.RandomBytes(aesgcm.NonceSize())
	if err != nil {
		return nil, nil, err
	}

	return nonce, aesgcm.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext. Any tag mismatch, wrong key,
// wrong nonce or wrong associated data yields ErrOpen and no plaintext.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, ErrOpen
	}
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// MAC computes HMAC-SHA-256 over the given parts. Every part is length
// prefixed, so ("ab","c") and ("a","bc") produce different digests.
func MAC(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	var prefix [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(p)))
		m.Write(prefix[:])
		m.Write(p)
	}
	return m.Sum(nil)
}

// DeriveMasterKey stretches a passphrase into a 256-bit root secret with
// argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// ExpandKey derives a KeySize subkey from root using HKDF-SHA-256 with the
// given context label.
func ExpandKey(root []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
