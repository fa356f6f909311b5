package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestAdminKeyPlainVerify(t *testing.T) {
	key, err := NewAdminKey("hunter2")
	if err != nil {
		t.Fatalf("new admin key: %v", err)
	}
	if err := key.Verify("hunter2"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := key.Verify("wrong"); !errors.Is(err, ErrInvalidAdminKey) {
		t.Fatalf("expected ErrInvalidAdminKey, got %v", err)
	}
	if err := key.Verify(" hunter2 "); err != nil {
		t.Fatalf("expected trimmed candidate to match, got %v", err)
	}
}

func TestAdminKeyHashedVerify(t *testing.T) {
	encoded, err := HashAdminKey("sanctuary")
	if err != nil {
		t.Fatalf("hash admin key: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash format: %s", encoded)
	}

	key, err := NewAdminKeyFromHash(encoded)
	if err != nil {
		t.Fatalf("new admin key from hash: %v", err)
	}
	if err := key.Verify("sanctuary"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := key.Verify("profane"); !errors.Is(err, ErrInvalidAdminKey) {
		t.Fatalf("expected ErrInvalidAdminKey, got %v", err)
	}
}

func TestAdminKeyRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plain",
		"bcrypt$sha256$1$a$b",
		"pbkdf2$sha256$zero$a$b",
		"pbkdf2$sha256$1000$!!$b",
	} {
		if _, err := NewAdminKeyFromHash(encoded); err == nil {
			t.Errorf("expected error for hash %q", encoded)
		}
	}
}

func TestAdminKeyUnconfigured(t *testing.T) {
	var key AdminKey
	if key.Configured() {
		t.Fatal("zero value should not be configured")
	}
	if err := key.Verify("anything"); err == nil {
		t.Fatal("expected error for unconfigured key")
	}
}
