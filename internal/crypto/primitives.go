// Package crypto implements the node identity's cryptographic primitives:
// secp256k1 keypairs, ECDH pairwise key derivation, envelope AEAD, ECDSA
// signatures, EVM-style node ids, and the Argon2id passphrase KDF.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the AEAD nonce length used for envelope and keystore encryption.
	NonceSize = chacha20poly1305.NonceSize

	argonTime    = uint32(2)
	argonMemKB   = uint32(64 * 1024)
	argonThreads = uint8(1)
)

var (
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
	ErrAuthFailed        = errors.New("crypto: AEAD authentication failed")
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
	ErrInvalidPublicKey  = errors.New("crypto: invalid public key")
)

// GenerateKey creates a new secp256k1 private key from the OS CSPRNG.
func GenerateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// PublicKeySEC1 returns the uncompressed SEC1 encoding of pub (0x04||X||Y, 65 bytes).
func PublicKeySEC1(pub *btcec.PublicKey) []byte {
	return pub.SerializeUncompressed()
}

// PublicKeyFromSEC1B64 decodes a base64-encoded uncompressed SEC1 public key.
func PublicKeyFromSEC1B64(b64 string) (*btcec.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// EvmAddress derives the EVM-style node id: "0x" + the last 20 bytes of
// Keccak-256 of the uncompressed public key, as 40 lowercase hex characters.
func EvmAddress(pub *btcec.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	digest := ethcrypto.Keccak256(uncompressed[1:]) // drop the 0x04 prefix byte
	return "0x" + hex.EncodeToString(digest[len(digest)-20:])
}

// EvmAddressFromSEC1B64 derives the EVM-style node id directly from a
// base64-encoded uncompressed SEC1 public key, returning "" if pubB64 is malformed.
func EvmAddressFromSEC1B64(pubB64 string) string {
	pub, err := PublicKeyFromSEC1B64(pubB64)
	if err != nil {
		return ""
	}
	return EvmAddress(pub)
}

// DerivePairwise derives a 32-byte symmetric key shared between secret and
// peerPub via ECDH followed by SHA-256(label ‖ shared). Symmetric: calling
// this with the roles of the two parties reversed yields the same key.
func DerivePairwise(secret *btcec.PrivateKey, peerPub *btcec.PublicKey, label string) [32]byte {
	shared := btcec.GenerateSharedSecret(secret, peerPub)
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(shared)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EncryptRaw seals plaintext under key with a fresh random 12-byte nonce.
func EncryptRaw(key [32]byte, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptRaw opens a ciphertext produced by EncryptRaw. Authentication
// failure is reported as ErrAuthFailed (the "wrong passphrase" failure class).
func DecryptRaw(key [32]byte, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Encrypt seals plaintext under key with a fresh random 12-byte nonce,
// returning base64-standard-encoded ciphertext and nonce.
func Encrypt(key [32]byte, plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	ciphertext, nonce, err := EncryptRaw(key, plaintext)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Authentication failure is
// reported as ErrAuthFailed (the "wrong passphrase" failure class).
func Decrypt(key [32]byte, ciphertextB64, nonceB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	return DecryptRaw(key, ciphertext, nonce)
}

// Sign produces a base64-standard-encoded DER ECDSA-secp256k1 signature over payload.
func Sign(secret *btcec.PrivateKey, payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(secret, digest[:])
	return base64.StdEncoding.EncodeToString(sig.Serialize()), nil
}

// Verify checks a DER signature over payload against a base64 SEC1 public key.
func Verify(pubB64 string, payload []byte, sigB64 string) bool {
	pub, err := PublicKeyFromSEC1B64(pubB64)
	if err != nil {
		return false
	}
	sigRaw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return sig.Verify(digest[:], pub)
}

// LabeledKey derives a 32-byte symmetric key as SHA-256(label ‖ kek), used to
// seal the node keystore and other material encrypted under a KEK.
func LabeledKey(label string, kek [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(kek[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Argon2ID derives a 32-byte key from passphrase and salt with the module's
// fixed KDF parameters (time=2, memory=64MiB, threads=1).
func Argon2ID(passphrase, salt []byte) [32]byte {
	derived := argon2.IDKey(passphrase, salt, argonTime, argonMemKB, argonThreads, 32)
	var out [32]byte
	copy(out[:], derived)
	return out
}

// Argon2Params reports the fixed KDF parameters, for persistence in envelopes.
func Argon2Params() (time, memoryKB uint32, threads uint8) {
	return argonTime, argonMemKB, argonThreads
}
