package cmd

import (
	"crypto/x509/pkix"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/signet/keyring"
)

const configFileName = "signet.yaml"

// SubjectConfig is a distinguished name in the config file.
type SubjectConfig struct {
	Country      string `yaml:"country,omitempty"`
	State        string `yaml:"state,omitempty"`
	Locality     string `yaml:"locality,omitempty"`
	Organization string `yaml:"organization,omitempty"`
	CommonName   string `yaml:"common_name"`
}

// ToName converts the config subject to a pkix.Name.
func (s SubjectConfig) ToName() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.State != "" {
		name.Province = []string{s.State}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	return name
}

// Config is the front-end configuration persisted as signet.yaml in the
// state directory.
type Config struct {
	Root struct {
		Subject      SubjectConfig `yaml:"subject"`
		ValidityDays int           `yaml:"validity_days"`
		PathLen      int           `yaml:"path_len"`
	} `yaml:"root"`
	Sub struct {
		Subject      SubjectConfig `yaml:"subject"`
		ValidityDays int           `yaml:"validity_days"`
	} `yaml:"sub"`
	Leaf struct {
		ValidityDays int `yaml:"validity_days"`
	} `yaml:"leaf"`
	Key struct {
		Algorithm string `yaml:"algorithm"`
		CABits    int    `yaml:"ca_bits"`
		LeafBits  int    `yaml:"leaf_bits"`
	} `yaml:"key"`
	OCSP struct {
		Enabled    bool   `yaml:"enabled"`
		URL        string `yaml:"url"`
		CommonName string `yaml:"common_name"`
	} `yaml:"ocsp"`
	CRL struct {
		URL  string `yaml:"url"`
		Days int    `yaml:"days"`
	} `yaml:"crl"`
}

// DefaultConfig returns the configuration written by `signet init`.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Root.Subject = SubjectConfig{
		Country:      "FR",
		State:        "Île-de-France",
		Locality:     "Paris",
		Organization: "td1-sup-de-vinci",
		CommonName:   "AB_FM.sup-de-vinci.local",
	}
	cfg.Root.ValidityDays = 5475
	cfg.Root.PathLen = 2

	cfg.Sub.Subject = SubjectConfig{
		Country:      "FR",
		State:        "Île-de-France",
		Locality:     "Paris",
		Organization: "td1-sup-de-vinci",
		CommonName:   "sub.sup-de-vinci.local",
	}
	cfg.Sub.ValidityDays = 3650

	cfg.Leaf.ValidityDays = 365

	cfg.Key.Algorithm = string(keyring.RSA)
	cfg.Key.CABits = 4096
	cfg.Key.LeafBits = 2048

	cfg.OCSP.URL = "http://ocsp.sup-de-vinci.local"
	cfg.OCSP.CommonName = "ocsp.sup-de-vinci.local"

	cfg.CRL.URL = "http://crl.sup-de-vinci.local/sub.crl"
	cfg.CRL.Days = 30

	return cfg
}

func configPath() string {
	return filepath.Join(stateDir, configFileName)
}

func loadConfig() (*Config, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		return nil, fmt.Errorf("reading %s (run `signet init` first): %w", configPath(), err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath(), err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(configPath(), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", configPath(), err)
	}
	return nil
}
