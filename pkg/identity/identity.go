// Package identity loads the agent's authentication principal: the
// claim id, the machine guid, and the RSA private key issued at claim
// time and persisted on disk across restarts.
package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// PrivateKeyFile is the one file ACLK persists across restarts.
const PrivateKeyFile = "private.pem"

// Identity bundles the host/claim principals used to authenticate the
// bootstrap exchange.
type Identity struct {
	MachineGUID uuid.UUID
	ClaimID     uuid.UUID
	PrivateKey  *rsa.PrivateKey
}

// Load reads <varlibCloudDir>/private.pem (PEM, PKCS#1) and combines it with
// the caller-supplied machine guid and claim id. claimDir is typically
// "<varlib>/cloud.d".
func Load(claimDir string, machineGUID, claimID uuid.UUID) (*Identity, error) {
	if machineGUID == uuid.Nil {
		return nil, fmt.Errorf("identity: machine guid is required")
	}
	if claimID == uuid.Nil {
		return nil, fmt.Errorf("identity: claim id is required")
	}

	path := filepath.Join(claimDir, PrivateKeyFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	key, err := parsePKCS1PrivateKeyPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing %s: %w", path, err)
	}

	return &Identity{
		MachineGUID: machineGUID,
		ClaimID:     claimID,
		PrivateKey:  key,
	}, nil
}

func parsePKCS1PrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ClaimIDString is the form used by URL paths and topic template splicing.
func (id *Identity) ClaimIDString() string {
	return id.ClaimID.String()
}
