package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func writeTestKey(t *testing.T, dir string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("writing test key: %v", err)
	}
	return key
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := writeTestKey(t, dir)

	machineGUID := uuid.New()
	claimID := uuid.New()

	id, err := Load(dir, machineGUID, claimID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id.MachineGUID != machineGUID {
		t.Errorf("machine guid mismatch")
	}
	if id.ClaimID != claimID {
		t.Errorf("claim id mismatch")
	}
	if id.PrivateKey.D.Cmp(key.D) != 0 {
		t.Errorf("private key mismatch")
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, uuid.New(), uuid.New()); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}

func TestLoadRequiresIdentifiers(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir)
	if _, err := Load(dir, uuid.Nil, uuid.New()); err == nil {
		t.Fatalf("expected error for nil machine guid")
	}
	if _, err := Load(dir, uuid.New(), uuid.Nil); err == nil {
		t.Fatalf("expected error for nil claim id")
	}
}
