package main

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// TestKDFContractConstants pins the derivation parameters to spec.md
// §6's documented defaults; a change here changes every key an operator
// has already derived from a passphrase.
func TestKDFContractConstants(t *testing.T) {
	if kdfSalt != "scubed3_prod" {
		t.Errorf("kdfSalt = %q, want %q", kdfSalt, "scubed3_prod")
	}
	if kdfIterations != 16777216 {
		t.Errorf("kdfIterations = %d, want %d", kdfIterations, 16777216)
	}
	if kdfKeyLen != 32 {
		t.Errorf("kdfKeyLen = %d, want 32 (AES-256)", kdfKeyLen)
	}
}

// TestDeriveKeyIsDeterministicPerPassphrase exercises the same
// pbkdf2.Key call runDeriveKey makes, at a reduced iteration count so
// the test runs quickly; the production iteration count is covered
// separately by TestKDFContractConstants.
func TestDeriveKeyIsDeterministicPerPassphrase(t *testing.T) {
	const testIterations = 4
	a := pbkdf2.Key([]byte("alpha"), []byte(kdfSalt), testIterations, kdfKeyLen, sha256.New)
	b := pbkdf2.Key([]byte("alpha"), []byte(kdfSalt), testIterations, kdfKeyLen, sha256.New)
	if hex.EncodeToString(a) != hex.EncodeToString(b) {
		t.Fatal("same passphrase derived two different keys")
	}
	c := pbkdf2.Key([]byte("beta"), []byte(kdfSalt), testIterations, kdfKeyLen, sha256.New)
	if hex.EncodeToString(a) == hex.EncodeToString(c) {
		t.Fatal("different passphrases derived the same key")
	}
	if len(a) != kdfKeyLen {
		t.Fatalf("derived key length = %d, want %d", len(a), kdfKeyLen)
	}
}
