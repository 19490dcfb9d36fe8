package username

import (
	"strings"
	"testing"
)

func TestValidUsernames(t *testing.T) {
	for _, name := range []string{"alice", "bob_123", "ABC", strings.Repeat("a", 23)} {
		if err := Validate(name); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}
}

func TestRejectsEmpty(t *testing.T) {
	if err := Validate(""); err == nil {
		t.Fatal("expected empty username to be rejected")
	}
}

func TestRejectsTooShort(t *testing.T) {
	for _, name := range []string{"ab", "a"} {
		if err := Validate(name); err == nil {
			t.Errorf("expected %q to be rejected as too short", name)
		}
	}
}

func TestRejectsTooLong(t *testing.T) {
	if err := Validate(strings.Repeat("a", 25)); err == nil {
		t.Fatal("expected 25-character username to be rejected")
	}
}

func TestRejectsSpecialCharacters(t *testing.T) {
	for _, name := range []string{"alice!", "bob@home", "hello world", "dash-name", "dot.name"} {
		if err := Validate(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestAcceptsBoundaryLengths(t *testing.T) {
	if err := Validate("abc"); err != nil {
		t.Errorf("expected exactly-3-char username to be valid: %v", err)
	}
	if err := Validate(strings.Repeat("a", 24)); err != nil {
		t.Errorf("expected exactly-24-char username to be valid: %v", err)
	}
}

func TestRejectsNonASCII(t *testing.T) {
	if err := Validate("café"); err == nil {
		t.Fatal("expected non-ASCII username to be rejected")
	}
}
