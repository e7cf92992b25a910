package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapResult contains info about a bootstrapped dev token.
type BootstrapResult struct {
	KeysFile string
	Account  string
	Token    string
	Created  bool
}

// BootstrapDevToken checks if the keys file exists. If not, it creates one
// with a dev token for the specified account. This helps developers get
// started quickly without manual setup.
func BootstrapDevToken(keysPath, account string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if account == "" {
		account = "dev"
	}

	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	token, err := generateDevToken()
	if err != nil {
		return nil, err
	}

	cfg := keysFile{
		Accounts: map[string]accountTokens{
			account: {Tokens: []string{token}},
		},
	}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost
	cfg.DefaultPolicy.LocalhostAccount = account

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}

	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}

	return &BootstrapResult{
		KeysFile: keysPath,
		Account:  account,
		Token:    token,
		Created:  true,
	}, nil
}

func generateDevToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
