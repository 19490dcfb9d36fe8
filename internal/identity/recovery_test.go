package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEphemeralKeyIsRandom(t *testing.T) {
	k1, err := EphemeralRecoveryKey()
	if err != nil {
		t.Fatalf("k1: %v", err)
	}
	k2, err := EphemeralRecoveryKey()
	if err != nil {
		t.Fatalf("k2: %v", err)
	}
	if k1 == k2 {
		t.Fatal("expected different ephemeral keys")
	}
}

func TestCreateThenLoadEncryptedRecoveryKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.key")
	created, err := CreateRecoveryKey(path, "test-passphrase-123")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := LoadRecoveryKey(path, "test-passphrase-123")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if created != loaded {
		t.Fatal("expected round-trip key to match")
	}
}

func TestLoadRecoveryKeyWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.key")
	if _, err := CreateRecoveryKey(path, "correct-pass"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := LoadRecoveryKey(path, "wrong-pass")
	if err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
	if !strings.Contains(err.Error(), "wrong passphrase") {
		t.Fatalf("expected wrong passphrase error, got %v", err)
	}
}

func TestRecoveryKeyFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.key")
	if _, err := CreateRecoveryKey(path, "pass"); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	key, err := EphemeralRecoveryKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	phrase, err := KeyToMnemonic(key)
	if err != nil {
		t.Fatalf("key to mnemonic: %v", err)
	}
	recovered, err := MnemonicToKey(phrase)
	if err != nil {
		t.Fatalf("mnemonic to key: %v", err)
	}
	if key != recovered {
		t.Fatal("expected round-tripped key to match")
	}
}

func TestMnemonicIs24Words(t *testing.T) {
	key, err := EphemeralRecoveryKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	phrase, err := KeyToMnemonic(key)
	if err != nil {
		t.Fatalf("key to mnemonic: %v", err)
	}
	if words := len(strings.Fields(phrase)); words != 24 {
		t.Fatalf("expected 24 words, got %d", words)
	}
}

func TestMnemonicToKeyRejectsInvalidPhrase(t *testing.T) {
	if _, err := MnemonicToKey("not a valid mnemonic phrase"); err == nil {
		t.Fatal("expected error for invalid mnemonic")
	}
}

func TestDifferentKeysProduceDifferentMnemonics(t *testing.T) {
	var k1, k2 [32]byte
	k1[0], k2[0] = 0x01, 0x02
	p1, err := KeyToMnemonic(k1)
	if err != nil {
		t.Fatalf("p1: %v", err)
	}
	p2, err := KeyToMnemonic(k2)
	if err != nil {
		t.Fatalf("p2: %v", err)
	}
	if p1 == p2 {
		t.Fatal("expected different mnemonics for different keys")
	}
}

func TestRecoveryKeySurvivesMnemonicBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.key")
	original, err := CreateRecoveryKey(path, "backup-test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	phrase, err := KeyToMnemonic(original)
	if err != nil {
		t.Fatalf("key to mnemonic: %v", err)
	}
	restored, err := MnemonicToKey(phrase)
	if err != nil {
		t.Fatalf("mnemonic to key: %v", err)
	}
	if restored != original {
		t.Fatal("expected restored key to match original")
	}
	loaded, err := LoadRecoveryKey(path, "backup-test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != restored {
		t.Fatal("expected loaded key to match restored key")
	}
}
