// Package invite creates and verifies signed, self-contained invite tokens
// that bootstrap a new peer onto the mesh without a central directory.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"agentmesh/internal/crypto"
)

var (
	ErrExpired          = errors.New("invite: token has expired")
	ErrInvalidSignature = errors.New("invite: token signature is invalid")
	ErrMalformed        = errors.New("invite: token is malformed")
)

// Payload is the data carried inside an invite token.
type Payload struct {
	TokenID             string   `json:"token_id"`
	InviterNodeID       string   `json:"inviter_node_id"`
	InviterPublicKeyB64 string   `json:"inviter_public_key_b64"`
	RelayHosts          []string `json:"relay_hosts"`
	Scopes              []string `json:"scopes"`
	ExpiresAtMs         int64    `json:"expires_at_ms"`
}

// signedInvite is the wire envelope: payload plus its detached signature.
type signedInvite struct {
	Payload      Payload `json:"payload"`
	SignatureB64 string  `json:"signature_b64"`
}

// canonicalBytes returns the deterministic JSON encoding signed over by Create.
func (p Payload) canonicalBytes() []byte {
	raw, _ := json.Marshal(p)
	return raw
}

// Create builds a signed, base64url-encoded invite token good for ttl from now.
func Create(inviterNodeID, inviterPublicKeyB64 string, secret *btcec.PrivateKey, relayHosts, scopes []string, ttl time.Duration) (string, error) {
	payload := Payload{
		TokenID:             uuid.NewString(),
		InviterNodeID:       inviterNodeID,
		InviterPublicKeyB64: inviterPublicKeyB64,
		RelayHosts:          relayHosts,
		Scopes:              scopes,
		ExpiresAtMs:         time.Now().Add(ttl).UnixMilli(),
	}
	sigB64, err := crypto.Sign(secret, payload.canonicalBytes())
	if err != nil {
		return "", fmt.Errorf("invite: sign: %w", err)
	}
	signed := signedInvite{Payload: payload, SignatureB64: sigB64}
	raw, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("invite: encode: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw), nil
}

// Accept decodes and verifies token, returning its payload if the signature
// is valid and it has not yet expired.
func Accept(token string) (Payload, error) {
	var payload Payload

	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil {
		return payload, fmt.Errorf("%w: not valid base64url", ErrMalformed)
	}
	var signed signedInvite
	if err := json.Unmarshal(raw, &signed); err != nil {
		return payload, fmt.Errorf("%w: not valid JSON", ErrMalformed)
	}

	if time.Now().UnixMilli() > signed.Payload.ExpiresAtMs {
		return payload, ErrExpired
	}
	if !crypto.Verify(signed.Payload.InviterPublicKeyB64, signed.Payload.canonicalBytes(), signed.SignatureB64) {
		return payload, ErrInvalidSignature
	}
	return signed.Payload, nil
}
