// Package onion implements the layered payload encryption applied to
// circuit traffic. One AEAD layer per hop: the sender seals innermost-first
// so each hop peels exactly one layer with its own key and learns only its
// neighbors.
package onion

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the per-hop key length.
const KeySize = chacha20poly1305.KeySize

var (
	ErrKeySize   = errors.New("onion: bad key size")
	ErrTruncated = errors.New("onion: box too short")
	ErrOpen      = errors.New("onion: decryption failed")
)

// Seal wraps payload in one layer per key. keys[0] belongs to the first
// hop, so it keys the outermost layer. Each layer is a random nonce
// followed by the AEAD box.
func Seal(payload []byte, keys [][]byte) ([]byte, error) {
	out := payload
	for i := len(keys) - 1; i >= 0; i-- {
		var err error
		out, err = sealLayer(out, keys[i])
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

// Peel removes the outermost layer with the given hop key.
func Peel(box []byte, key []byte) ([]byte, error) {
	return openLayer(box, key)
}

// Open removes every layer in hop order. Used where one endpoint holds the
// full key set, e.g. loopback tests.
func Open(box []byte, keys [][]byte) ([]byte, error) {
	out := box
	for i, key := range keys {
		var err error
		out, err = openLayer(out, key)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

// NewKey returns a fresh random hop key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func sealLayer(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openLayer(box, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(box) < aead.NonceSize() {
		return nil, ErrTruncated
	}

	nonce, ciphertext := box[:aead.NonceSize()], box[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrKeySize, len(key), KeySize)
	}
	return chacha20poly1305.New(key)
}
