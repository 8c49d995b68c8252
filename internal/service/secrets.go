package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// instanceSecrets are the opaque credentials baked into a new instance's
// environment. Their format is a contract with the runtime image: URL- and
// env-safe strings from a cryptographically strong source.
type instanceSecrets struct {
	GatewayToken  string
	SetupPassword string
	WalletKey     string
}

func newInstanceSecrets() (*instanceSecrets, error) {
	gatewayToken, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	setupPassword, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	walletKey, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	return &instanceSecrets{
		GatewayToken:  gatewayToken,
		SetupPassword: setupPassword,
		WalletKey:     walletKey,
	}, nil
}

func randomToken(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
