package cmd

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/signet/authority"
	"github.com/jmcleod/signet/keyring"
	bboltstorage "github.com/jmcleod/signet/storage/bbolt"
)

// Authority IDs used by the two-tier layout.
const (
	rootAuthorityID = "root"
	subAuthorityID  = "sub"
)

func statePath(parts ...string) string {
	return filepath.Join(append([]string{stateDir}, parts...)...)
}

func openRepo(authorityID string) (*bboltstorage.Store, error) {
	return bboltstorage.NewRepositoryFromFile(statePath(authorityID+".db"), nil)
}

// generateKey creates a key pair per config and writes the private half as
// a 0600 PEM file. The plaintext only exists inside the scoped accessor.
func generateKey(cfg *Config, bits int, minimums keyring.Minimums, path string) (*keyring.KeyPair, error) {
	provider := keyring.NewProvider(keyring.WithMinimums(minimums))
	kp, err := provider.Generate(keyring.Algorithm(cfg.Key.Algorithm), bits)
	if err != nil {
		return nil, err
	}
	err = kp.WithPrivatePEM(func(pemData []byte) error {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		return os.WriteFile(path, pemData, 0600)
	})
	if err != nil {
		return nil, fmt.Errorf("writing private key %s: %w", path, err)
	}
	return kp, nil
}

func loadKey(path string) (*keyring.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}
	return keyring.Load(data)
}

// keyPath and certPath name the PEM files for a given entity.
func keyPath(name string) string {
	return statePath("keys", name+".key.pem")
}

func certPath(name string) string {
	return statePath("certs", name+".cert.pem")
}

// resumeAuthority reconstructs an active authority from its database and
// key file. OCSP/CRL locators are attached once setup-ocsp has flipped
// ocsp.enabled: certificates issued before that point do not carry them.
func resumeAuthority(id string, cfg *Config) (*authority.Authority, *bboltstorage.Store, error) {
	repo, err := openRepo(id)
	if err != nil {
		return nil, nil, err
	}
	kp, err := loadKey(keyPath(id))
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	var opts []authority.Option
	if cfg.OCSP.Enabled {
		opts = append(opts, authority.WithLocators(cfg.OCSP.URL, cfg.CRL.URL))
	}
	a, err := authority.Resume(id, repo, kp, opts...)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return a, repo, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func pemCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: not a PEM certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
