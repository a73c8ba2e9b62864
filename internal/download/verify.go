package download

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/Morganamilo/paccat/internal/logger"
)

// Verifier checks detached PGP signatures against the pacman keyring.
type Verifier struct {
	keyring openpgp.EntityList
}

// NewVerifier loads the pacman keyring under the configured root. A
// missing or unreadable keyring disables signature verification
// rather than failing the run.
func NewVerifier(rootDir string) *Verifier {
	path := filepath.Join(rootDir, "etc/pacman.d/gnupg/pubring.gpg")
	f, err := os.Open(path)
	if err != nil {
		logger.Logger().Debugf("keyring unavailable, skipping signature checks: %v", err)
		return nil
	}
	defer f.Close()

	keyring, err := openpgp.ReadKeyRing(f)
	if err != nil {
		logger.Logger().Warnf("could not read keyring %s: %v", path, err)
		return nil
	}
	return &Verifier{keyring: keyring}
}

// VerifyFile checks path against the base64-encoded detached signature
// recorded in the sync database.
func (v *Verifier) VerifyFile(path, sigBase64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = openpgp.CheckDetachedSignature(v.keyring, f, bytes.NewReader(sig), nil)
	if err != nil {
		return fmt.Errorf("signature check: %w", err)
	}
	return nil
}
