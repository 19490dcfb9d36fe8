package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tyler-smith/go-bip39"

	"agentmesh/internal/crypto"
)

const (
	recoveryKeyVersion = 1
	recoverySaltLen    = 16
)

// ErrWrongPassphrase classifies an AEAD authentication failure while loading
// the recovery key as the user-facing "wrong passphrase" error.
var ErrWrongPassphrase = errors.New("identity: wrong passphrase")

var ErrUnsupportedRecoveryVersion = errors.New("identity: unsupported recovery key version")

type encryptedRecoveryKey struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Version    uint32 `json:"version"`
}

// CreateRecoveryKey generates 32 random bytes, encrypts them under passphrase
// and persists the result at path (mode 0600). Returns the raw KEK.
func CreateRecoveryKey(path, passphrase string) ([32]byte, error) {
	var kek [32]byte
	if _, err := rand.Read(kek[:]); err != nil {
		return kek, err
	}
	if err := saveRecoveryKey(path, passphrase, kek); err != nil {
		return kek, err
	}
	return kek, nil
}

// LoadRecoveryKey decrypts the recovery key at path with passphrase.
func LoadRecoveryKey(path, passphrase string) ([32]byte, error) {
	var kek [32]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return kek, fmt.Errorf("identity: read recovery key: %w", err)
	}
	var enc encryptedRecoveryKey
	if err := json.Unmarshal(raw, &enc); err != nil {
		return kek, fmt.Errorf("identity: invalid recovery key format: %w", err)
	}
	if enc.Version != recoveryKeyVersion {
		return kek, fmt.Errorf("%w: %d", ErrUnsupportedRecoveryVersion, enc.Version)
	}

	salt, err := hex.DecodeString(enc.Salt)
	if err != nil {
		return kek, fmt.Errorf("identity: invalid salt hex: %w", err)
	}
	wrappingKey := crypto.Argon2ID([]byte(passphrase), salt)

	nonce, err := hex.DecodeString(enc.Nonce)
	if err != nil {
		return kek, fmt.Errorf("identity: invalid nonce hex: %w", err)
	}
	ciphertext, err := hex.DecodeString(enc.Ciphertext)
	if err != nil {
		return kek, fmt.Errorf("identity: invalid ciphertext hex: %w", err)
	}
	plaintext, err := crypto.DecryptRaw(wrappingKey, ciphertext, nonce)
	if err != nil {
		return kek, fmt.Errorf("%w", ErrWrongPassphrase)
	}
	if len(plaintext) != 32 {
		return kek, fmt.Errorf("identity: recovery key has invalid length %d", len(plaintext))
	}
	copy(kek[:], plaintext)
	return kek, nil
}

func saveRecoveryKey(path, passphrase string, kek [32]byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	salt := make([]byte, recoverySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	wrappingKey := crypto.Argon2ID([]byte(passphrase), salt)
	ciphertext, nonce, err := crypto.EncryptRaw(wrappingKey, kek[:])
	if err != nil {
		return err
	}

	enc := encryptedRecoveryKey{
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		Version:    recoveryKeyVersion,
	}
	raw, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// HasRecoveryKey reports whether a recovery key file exists at path.
func HasRecoveryKey(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StorageSecret derives the passphrase used to seal the node's other
// at-rest state (follow graph, ...) under securestore, so that state never
// shares a key with the node's own keystore encryption.
func StorageSecret(kek [32]byte) string {
	return hex.EncodeToString(crypto.Argon2ID(kek[:], []byte("agentmesh-storage-secret-v1"))[:])
}

// EphemeralRecoveryKey generates an in-memory-only recovery key, never persisted.
func EphemeralRecoveryKey() ([32]byte, error) {
	var kek [32]byte
	_, err := rand.Read(kek[:])
	return kek, err
}

// KeyToMnemonic renders a 32-byte recovery key as its 24-word BIP-39 mnemonic,
// treating the key bytes directly as mnemonic entropy.
func KeyToMnemonic(key [32]byte) (string, error) {
	return bip39.NewMnemonic(key[:])
}

// MnemonicToKey recovers the 32-byte key from its 24-word mnemonic.
func MnemonicToKey(phrase string) ([32]byte, error) {
	var key [32]byte
	if !bip39.IsMnemonicValid(phrase) {
		return key, fmt.Errorf("identity: invalid mnemonic")
	}
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return key, fmt.Errorf("identity: invalid mnemonic: %w", err)
	}
	if len(entropy) != 32 {
		return key, fmt.Errorf("identity: mnemonic entropy is %d bytes, expected 32", len(entropy))
	}
	copy(key[:], entropy)
	return key, nil
}
