package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func writeKey(t *testing.T, key any) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestCredentials_Sign(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	creds := &Credentials{APIKey: "k", PrivateKey: priv}

	payload := []byte("A\x01ABCDEFGH\x01SPOT\x011\x0120240101-00:00:00.000")
	sig, err := creds.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	if !ed25519.Verify(pub, payload, raw) {
		t.Error("signature does not verify")
	}

	again, _ := creds.Sign(payload)
	if again != sig {
		t.Error("Ed25519 signatures should be deterministic")
	}
}

func TestCredentials_SignInvalidKey(t *testing.T) {
	creds := &Credentials{APIKey: "k", PrivateKey: ed25519.PrivateKey{1, 2, 3}}
	if _, err := creds.Sign([]byte("x")); err == nil {
		t.Error("expected error for short key")
	}
}

func TestLoadPrivateKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	path := writeKey(t, priv)

	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey() error = %v", err)
	}
	if !loaded.Equal(priv) {
		t.Error("loaded key does not match")
	}
}

func TestLoadPrivateKey_NotEd25519(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	if _, err := LoadPrivateKey(writeKey(t, rsaKey)); err == nil {
		t.Error("expected error for RSA key")
	}
}

func TestLoadPrivateKey_InvalidPEM(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(tmpFile, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := LoadPrivateKey(tmpFile); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestLoadPrivateKey_MissingFile(t *testing.T) {
	if _, err := LoadPrivateKey(filepath.Join(t.TempDir(), "nope.pem")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadCredentials(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	creds, err := LoadCredentials("my-api-key", writeKey(t, priv))
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.APIKey != "my-api-key" {
		t.Errorf("APIKey = %q, want %q", creds.APIKey, "my-api-key")
	}
	if creds.PrivateKey == nil {
		t.Error("PrivateKey is nil")
	}
}

func TestLoadCredentials_MissingKeyID(t *testing.T) {
	if _, err := LoadCredentials("", "/some/path"); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestLoadCredentials_MissingPath(t *testing.T) {
	if _, err := LoadCredentials("key-id", ""); err == nil {
		t.Error("expected error for missing path")
	}
}
