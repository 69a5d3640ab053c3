/*
 * Package auth holds the agent's private key as an opaque capability.
 * Callers outside this package sign, decrypt and fingerprint through the
 * Key type; raw key material only leaves as PEM for the identity store's
 * writeback.
 */
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// KeyBits is the modulus size of generated agent keys.
	KeyBits = 2048

	keyPEMType = "RSA PRIVATE KEY"
)

// ErrVerification is returned when a signature does not match.
var ErrVerification = errors.New("auth: signature verification failed")

// Key wraps the agent's RSA private key.
type Key struct {
	priv *rsa.PrivateKey
}

// Generate creates a fresh agent key.
func Generate() (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Key{priv: priv}, nil
}

// FromPEM loads a key from its PEM encoding.
func FromPEM(data string) (*Key, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != keyPEMType {
		return nil, errors.New("auth: not a PEM-encoded RSA private key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Key{priv: priv}, nil
}

// ToPEM serializes the key for the identity store's writeback.
func (k *Key) ToPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  keyPEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(k.priv),
	}))
}

// Public returns the public half of the key.
func (k *Key) Public() *rsa.PublicKey {
	return &k.priv.PublicKey
}

// Signer exposes the key as a crypto.Signer for CSR creation. The returned
// value still never reveals raw key bytes.
func (k *Key) Signer() crypto.Signer {
	return k.priv
}

// Fingerprint returns the SHA-256 digest of the PKIX encoding of the
// public key. Identical key material always yields an identical
// fingerprint.
func (k *Key) Fingerprint() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}

// SignPSS produces an RSA-PSS signature over the SHA-256 digest of data.
func (k *Key) SignPSS(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, k.priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// DecryptOAEP unwraps a blob that was encrypted to our public key.
func (k *Key) DecryptOAEP(blob []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return out, nil
}

// VerifyPSS checks an RSA-PSS signature over the SHA-256 digest of data
// against a peer's public key.
func VerifyPSS(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return ErrVerification
	}
	return nil
}

// EncryptOAEP encrypts a blob to a peer's public key.
func EncryptOAEP(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return out, nil
}
