// Package identity owns the persistent node identity: a secp256k1 keypair
// sealed at rest under a key-encryption-key, and the BIP-39-backed recovery
// key that seals it.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"agentmesh/internal/crypto"
)

const (
	nodeKeyFile  = "node.key"
	nodePubFile  = "node.pub"
	nodeMetaFile = "node.json"

	keystoreLabel = "agentmesh-node-keystore-v1"
)

var (
	ErrPublicKeyMismatch = errors.New("identity: decrypted key does not match stored public key")
	ErrInvalidKeystore   = errors.New("identity: invalid keystore format")
)

// NodeIdentity is the node's persistent secp256k1 keypair.
type NodeIdentity struct {
	secret       *btcec.PrivateKey
	PublicKey    *btcec.PublicKey
	NodeID       string
	PublicKeyB64 string
	StateDir     string
	CreatedAtMs  int64
}

type nodeMetadata struct {
	NodeID       string `json:"node_id"`
	PublicKeyB64 string `json:"public_key_b64"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

type encryptedKeystore struct {
	CiphertextB64 string `json:"ciphertext_b64"`
	NonceB64      string `json:"nonce_b64"`
}

// LoadOrCreate loads the identity at stateDir, creating one if none exists.
// kek is the 32-byte key-encryption key; it never touches disk.
func LoadOrCreate(stateDir string, kek [32]byte) (*NodeIdentity, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create state dir: %w", err)
	}

	keyPath := filepath.Join(stateDir, nodeKeyFile)
	if _, err := os.Stat(keyPath); err == nil {
		return load(stateDir, kek)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return create(stateDir, kek)
}

func load(stateDir string, kek [32]byte) (*NodeIdentity, error) {
	keyPath := filepath.Join(stateDir, nodeKeyFile)
	pubPath := filepath.Join(stateDir, nodePubFile)
	metaPath := filepath.Join(stateDir, nodeMetaFile)

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", keyPath, err)
	}
	var ks encryptedKeystore
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}

	decKey := deriveKeystoreKey(kek)
	secretBytes, err := crypto.Decrypt(decKey, ks.CiphertextB64, ks.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt node key (wrong recovery key?): %w", err)
	}
	defer zero(secretBytes)

	secret, pub := btcec.PrivKeyFromBytes(secretBytes)
	pubB64 := base64.StdEncoding.EncodeToString(crypto.PublicKeySEC1(pub))

	if stored, err := os.ReadFile(pubPath); err == nil {
		if strings.TrimSpace(string(stored)) != pubB64 {
			return nil, ErrPublicKeyMismatch
		}
	}

	nodeID := crypto.EvmAddress(pub)
	createdAtMs := time.Now().UnixMilli()
	if metaRaw, err := os.ReadFile(metaPath); err == nil {
		var meta nodeMetadata
		if err := json.Unmarshal(metaRaw, &meta); err == nil {
			nodeID = meta.NodeID
			createdAtMs = meta.CreatedAtMs
		}
	}

	return &NodeIdentity{
		secret:       secret,
		PublicKey:    pub,
		NodeID:       nodeID,
		PublicKeyB64: pubB64,
		StateDir:     stateDir,
		CreatedAtMs:  createdAtMs,
	}, nil
}

func create(stateDir string, kek [32]byte) (*NodeIdentity, error) {
	secret, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub := secret.PubKey()
	pubB64 := base64.StdEncoding.EncodeToString(crypto.PublicKeySEC1(pub))
	nodeID := crypto.EvmAddress(pub)

	encKey := deriveKeystoreKey(kek)
	secretBytes := secret.Serialize()
	ciphertextB64, nonceB64, err := crypto.Encrypt(encKey, secretBytes)
	zero(secretBytes)
	if err != nil {
		return nil, err
	}

	ks := encryptedKeystore{CiphertextB64: ciphertextB64, NonceB64: nonceB64}
	ksJSON, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(stateDir, nodeKeyFile)
	if err := os.WriteFile(keyPath, ksJSON, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", keyPath, err)
	}

	pubPath := filepath.Join(stateDir, nodePubFile)
	if err := os.WriteFile(pubPath, []byte(pubB64), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", pubPath, err)
	}

	createdAtMs := time.Now().UnixMilli()
	meta := nodeMetadata{NodeID: nodeID, PublicKeyB64: pubB64, CreatedAtMs: createdAtMs}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	metaPath := filepath.Join(stateDir, nodeMetaFile)
	if err := os.WriteFile(metaPath, metaJSON, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", metaPath, err)
	}

	return &NodeIdentity{
		secret:       secret,
		PublicKey:    pub,
		NodeID:       nodeID,
		PublicKeyB64: pubB64,
		StateDir:     stateDir,
		CreatedAtMs:  createdAtMs,
	}, nil
}

// Sign signs payload with the node's secret key.
func (n *NodeIdentity) Sign(payload []byte) (string, error) {
	return crypto.Sign(n.secret, payload)
}

// DeriveSharedKey derives the ECDH pairwise key with a peer's public key,
// labeled for pairwise envelope encryption.
func (n *NodeIdentity) DeriveSharedKey(peerPublic *btcec.PublicKey) [32]byte {
	return crypto.DerivePairwise(n.secret, peerPublic, "agentmesh-envelope-v1")
}

// SecretKey exposes the raw private key for advanced callers (e.g. room
// passphrase-derived secure channels that still need node-level signing).
func (n *NodeIdentity) SecretKey() *btcec.PrivateKey {
	return n.secret
}

func deriveKeystoreKey(kek [32]byte) [32]byte {
	return crypto.LabeledKey(keystoreLabel, kek)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
