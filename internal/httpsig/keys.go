package httpsig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyPair holds an RSA key pair used for ActivityPub HTTP signatures.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// LoadOrGenerateKeyPair loads an RSA key pair from a single PEM file
// (PKCS1 private key) at path, generating and persisting a fresh 2048-bit
// pair if the file does not exist yet. Used once per user directory, so
// every account gets zero-setup key material on first use.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	privPEM, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("httpsig: read key %s: %w", path, err)
		}
		return generateAndSaveKeyPair(path)
	}
	return parseKeyPair(privPEM)
}

func generateAndSaveKeyPair(path string) (*KeyPair, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("httpsig: generate key: %w", err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	if err := os.WriteFile(path, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("httpsig: write key %s: %w", path, err)
	}
	return parseKeyPair(privPEM)
}

func parseKeyPair(privPEM []byte) (*KeyPair, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("httpsig: invalid PEM")
	}
	privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("httpsig: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		Private:   privKey,
		Public:    &privKey.PublicKey,
		PublicPEM: string(pubPEM),
	}, nil
}

// RegenerateKeyPair discards whatever key pair is at path and writes a
// fresh one, invalidating every previously-issued HTTP signature for the
// account. This is the closest analogue to a password reset a headless,
// signature-authenticated actor has.
func RegenerateKeyPair(path string) (*KeyPair, error) {
	return generateAndSaveKeyPair(path)
}

// EncodePrivateKeyPEM serializes a private key the same way
// generateAndSaveKeyPair does, for callers (the durable output queue) that
// need to carry key material alongside a pending delivery on disk.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) string {
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}))
}

// ParsePrivateKeyPEM parses a PKCS1 RSA private key PEM block, the inverse of
// EncodePrivateKeyPEM.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("httpsig: invalid PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// ParsePublicKeyPEM parses an actor's publicKeyPem field into an *rsa.PublicKey.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("httpsig: invalid PEM")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse public key: %w", err)
	}
	pub, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("httpsig: not an RSA public key")
	}
	return pub, nil
}
