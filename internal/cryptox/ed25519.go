package cryptox

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrMalformedKey       = errors.New("malformed key")
	ErrMalformedSignature = errors.New("malformed signature")
)

// GenerateKeyPair returns a fresh Ed25519 key pair. Only the 32-byte seed of
// the private key needs to be persisted.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return pub, priv, nil
}

func PrivateKeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrMalformedKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeCanonical(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrMalformedKey, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func DecodeSignature(s string) ([]byte, error) {
	b, err := decodeCanonical(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrMalformedSignature, ed25519.SignatureSize, len(b))
	}
	return b, nil
}

// decodeCanonical accepts only the exact padded standard encoding of some
// byte string: no stray line breaks and no bits set in the padding.
func decodeCanonical(s string) ([]byte, error) {
	b, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, err
	}
	if base64.StdEncoding.EncodeToString(b) != s {
		return nil, errors.New("non-canonical base64")
	}
	return b, nil
}

// Sign returns the base64 detached signature of msg.
func Sign(priv ed25519.PrivateKey, msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}

// Verify checks a base64 signature against a base64 public key. Malformed
// or wrong-length inputs verify as false, never panic.
func Verify(publicKey, signature string, msg []byte) bool {
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := DecodeSignature(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
