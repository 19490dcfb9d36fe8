// Package roomcrypto derives and applies the symmetric key used by secure
// rooms. A secure room's key is Argon2id(passphrase, salt=sha256(room name)):
// every member who knows the room name and passphrase derives the same key
// independently, so the relay never sees a passphrase or a key. Open rooms
// carry plaintext bodies and have no key at all.
package roomcrypto

import (
	"crypto/sha256"
	"errors"

	"agentmesh/internal/crypto"
)

// ErrOpenRoom is returned by Seal/Open for a room with no passphrase key.
var ErrOpenRoom = errors.New("roomcrypto: room is open, nothing to encrypt")

// DeriveKey derives a secure room's message key from its name and passphrase.
// The room name salts the KDF so that the same passphrase reused across two
// rooms yields unrelated keys.
func DeriveKey(roomName, passphrase string) [32]byte {
	salt := sha256.Sum256([]byte(roomName))
	return crypto.Argon2ID([]byte(passphrase), salt[:])
}

// Seal encrypts body under a secure room's key. key must be non-nil.
func Seal(key *[32]byte, body []byte) (ciphertextB64, nonceB64 string, err error) {
	if key == nil {
		return "", "", ErrOpenRoom
	}
	return crypto.Encrypt(*key, body)
}

// Open decrypts a message body sealed by Seal. A wrong passphrase yields a
// different key and this fails with crypto.ErrAuthFailed, indistinguishable
// from a corrupted message — callers should drop the message silently rather
// than surface a decryption error to the room.
func Open(key *[32]byte, ciphertextB64, nonceB64 string) ([]byte, error) {
	if key == nil {
		return nil, ErrOpenRoom
	}
	return crypto.Decrypt(*key, ciphertextB64, nonceB64)
}
