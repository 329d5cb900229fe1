// Package auth loads venue API credentials and signs FIX logon payloads
// with Ed25519.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// Credentials holds the API key and private key for signing logons and orders.
type Credentials struct {
	APIKey     string             // sent as Username (553) on FIX logon
	PrivateKey ed25519.PrivateKey // registered with the venue for this API key
}

// LoadCredentials loads credentials from an API key and private key file path.
func LoadCredentials(apiKey, privateKeyPath string) (*Credentials, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		APIKey:     apiKey,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an Ed25519 private key from a PKCS#8 PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey decodes a PKCS#8 PEM block holding an Ed25519 key.
func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an Ed25519 private key (got %T)", key)
	}
	return edKey, nil
}

// Sign returns the base64 (standard alphabet) Ed25519 signature of payload.
func (c *Credentials) Sign(payload []byte) (string, error) {
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("sign: invalid private key length %d", len(c.PrivateKey))
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(c.PrivateKey, payload)), nil
}
