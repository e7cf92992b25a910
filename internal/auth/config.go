package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "harbor.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool  `yaml:"allow_localhost_without_auth"`
		LocalhostAccount          string `yaml:"localhost_account"`
	} `yaml:"default_policy"`
	Accounts map[string]accountTokens `yaml:"accounts"`
}

type accountTokens struct {
	Tokens []string `yaml:"tokens"`
}

// Keyring maps bearer tokens to account ids. Tokens are opaque; an account
// may hold several (one per device batch, rotated independently).
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	LocalhostAccount          string
	tokenToAccount            map[string]string
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("HARBOR_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, err := BootstrapDevToken(path, "dev"); err != nil {
				return nil, fmt.Errorf("bootstrap dev token: %w", err)
			}
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read keys file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := &Keyring{
		AllowLocalhostWithoutAuth: true,
		LocalhostAccount:          "local",
		tokenToAccount:            make(map[string]string),
	}
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	if v := strings.TrimSpace(cfg.DefaultPolicy.LocalhostAccount); v != "" {
		ring.LocalhostAccount = v
	}
	for account, tokens := range cfg.Accounts {
		for _, token := range tokens.Tokens {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if existing, ok := ring.tokenToAccount[token]; ok && existing != account {
				return nil, fmt.Errorf("token reused across accounts: %q", token)
			}
			ring.tokenToAccount[token] = account
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{
		AllowLocalhostWithoutAuth: true,
		LocalhostAccount:          "local",
		tokenToAccount:            make(map[string]string),
	}
}

func NewKeyring(allowLocalhost bool, tokenToAccount map[string]string) *Keyring {
	clone := make(map[string]string, len(tokenToAccount))
	for k, v := range tokenToAccount {
		clone[k] = v
	}
	return &Keyring{
		AllowLocalhostWithoutAuth: allowLocalhost,
		LocalhostAccount:          "local",
		tokenToAccount:            clone,
	}
}

func (k *Keyring) AccountForToken(token string) (string, bool) {
	if k == nil {
		return "", false
	}
	account, ok := k.tokenToAccount[token]
	return account, ok
}
