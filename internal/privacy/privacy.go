// Package privacy derives per-conversation symmetric keys for 1:1 private
// rooms and seals message content with an authenticated cipher. Group rooms
// never pass through here; their content is stored as-is.
package privacy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// RedactedPlaceholder is shown in place of content that failed to decrypt.
// A corrupted row must never abort message rendering.
const RedactedPlaceholder = "[encrypted message]"

var ErrDecrypt = errors.New("privacy: decryption failed")

// DeriveKey computes the symmetric key for an unordered user pair in a room.
// The pair is normalized by numeric order, so DeriveKey(a, b, r) and
// DeriveKey(b, a, r) are identical.
func DeriveKey(userA, userB, roomId int) []byte {
	if userA > userB {
		userA, userB = userB, userA
	}

	seed := fmt.Sprintf("%d_%d_%d", userA, userB, roomId)
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}

// Keyring memoizes derived keys per normalized (pair, room). The cache is
// bounded by the number of active private rooms, so entries are never evicted.
type Keyring struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

func (kr *Keyring) Key(userA, userB, roomId int) []byte {
	if userA > userB {
		userA, userB = userB, userA
	}
	cacheKey := fmt.Sprintf("%d_%d_%d", userA, userB, roomId)

	kr.mu.Lock()
	defer kr.mu.Unlock()

	key, ok := kr.keys[cacheKey]
	if !ok {
		key = DeriveKey(userA, userB, roomId)
		kr.keys[cacheKey] = key
	}

	return key
}

// Seal encrypts plaintext with an AEAD so tampering with the stored row is
// detected on read. The result is base64 so it can live in a text column.
func Seal(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. It returns ErrDecrypt for any
// malformed, truncated or tampered input so callers can fall back to a
// redacted display string instead of failing the whole read.
func Open(ciphertext string, key []byte) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", ErrDecrypt
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}
