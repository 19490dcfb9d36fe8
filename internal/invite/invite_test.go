package invite

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"agentmesh/internal/crypto"
)

func TestCreateAcceptRoundTrip(t *testing.T) {
	secret, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(crypto.PublicKeySEC1(secret.PubKey()))
	nodeID := crypto.EvmAddress(secret.PubKey())

	token, err := Create(nodeID, pubB64, secret, nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payload, err := Accept(token)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if payload.InviterNodeID != nodeID {
		t.Fatalf("expected inviter node id %q, got %q", nodeID, payload.InviterNodeID)
	}
}

func TestExpiredInviteRejected(t *testing.T) {
	secret, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(crypto.PublicKeySEC1(secret.PubKey()))
	nodeID := crypto.EvmAddress(secret.PubKey())

	token, err := Create(nodeID, pubB64, secret, nil, nil, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	_, err = Accept(token)
	if err == nil {
		t.Fatal("expected expired invite to be rejected")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestTamperedInviteRejected(t *testing.T) {
	secret, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(crypto.PublicKeySEC1(secret.PubKey()))
	nodeID := crypto.EvmAddress(secret.PubKey())

	token, err := Create(nodeID, pubB64, secret, nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var signed signedInvite
	if err := json.Unmarshal(raw, &signed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	signed.Payload.InviterNodeID = "0xfake"
	tamperedRaw, err := json.Marshal(signed)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	tamperedToken := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(tamperedRaw)

	_, err = Accept(tamperedToken)
	if err == nil {
		t.Fatal("expected tampered invite to be rejected")
	}
	if !strings.Contains(err.Error(), "signature") {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestMalformedTokenRejected(t *testing.T) {
	if _, err := Accept("not-a-valid-token!!!"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}
