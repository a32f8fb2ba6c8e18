package api

import (
	"errors"
	"strings"
	"testing"
	"time"

	"kanbany-api/domain"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g := NewGuard(GuardConfig{Window: time.Minute, ReadMax: 100, WriteMax: 100, CreateMax: 100})
	t.Cleanup(g.Close)
	return g
}

func TestVerifySecret(t *testing.T) {
	g := newTestGuard(t)

	hash, err := HashSecret("abc")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	protected := &domain.Board{ID: "b1", SecretHash: hash}

	if err := g.VerifySecret(protected, "abc"); err != nil {
		t.Fatalf("correct secret rejected: %v", err)
	}
	if err := g.VerifySecret(protected, "nope"); !errors.Is(err, domain.ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
	if err := g.VerifySecret(protected, ""); !errors.Is(err, domain.ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}

	open := &domain.Board{ID: "b2"}
	if err := g.VerifySecret(open, ""); err != nil {
		t.Fatalf("unprotected board rejected empty secret: %v", err)
	}
	if err := g.VerifySecret(open, "anything"); err != nil {
		t.Fatalf("unprotected board rejected secret: %v", err)
	}
}

func TestHashSecretBounds(t *testing.T) {
	if hash, err := HashSecret(""); err != nil || hash != "" {
		t.Fatalf("empty secret should hash to empty, got %q err %v", hash, err)
	}
	if _, err := HashSecret(strings.Repeat("x", MaxSecretLength+1)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for oversized secret, got %v", err)
	}
}

func TestHashSecretNeverPlaintext(t *testing.T) {
	hash, err := HashSecret("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.Contains(hash, "hunter2") {
		t.Fatal("hash must not contain the plaintext secret")
	}
}
