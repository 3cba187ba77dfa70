package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrOpenFailed = errors.New("unable to open sealed value")

// Sealed is an opaque encrypted-at-rest value. It can only be turned back
// into plaintext by the Sealer that produced it. It persists as base64 text
// and NULL when empty.
type Sealed struct {
	b []byte
}

func (s Sealed) IsZero() bool {
	return len(s.b) == 0
}

func (s Sealed) Clone() Sealed {
	if s.b == nil {
		return Sealed{}
	}
	return Sealed{b: append([]byte(nil), s.b...)}
}

// String never reveals the ciphertext.
func (s Sealed) String() string {
	if s.IsZero() {
		return "sealed(empty)"
	}
	return "sealed(...)"
}

func (s Sealed) Value() (driver.Value, error) {
	if s.IsZero() {
		return nil, nil
	}
	return base64.StdEncoding.EncodeToString(s.b), nil
}

func (s *Sealed) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.b = nil
		return nil
	case string:
		return s.decode(v)
	case []byte:
		return s.decode(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Sealed", src)
	}
}

func (s *Sealed) decode(text string) error {
	if text == "" {
		s.b = nil
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return fmt.Errorf("decode sealed value: %w", err)
	}
	s.b = b
	return nil
}

// Sealer seals and unseals secrets with a server-held key.
type Sealer interface {
	Seal(plaintext []byte) (Sealed, error)
	Open(s Sealed) ([]byte, error)
}

const (
	sealKeyLen   = 32
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// AESSealer implements Sealer with AES-256-GCM. Output is nonce||ciphertext.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives the sealing key from secret and salt with argon2id.
func NewAESSealer(secret, salt string) (*AESSealer, error) {
	if secret == "" {
		return nil, errors.New("sealing secret must not be empty")
	}
	key := argon2.IDKey([]byte(secret), []byte(salt), argonTime, argonMemory, argonThreads, sealKeyLen)
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSealer{aead: aead}, nil
}

func (a *AESSealer) Seal(plaintext []byte) (Sealed, error) {
	nonce, err := RandomBytes(a.aead.NonceSize())
	if err != nil {
		return Sealed{}, err
	}
	out := a.aead.Seal(nonce, nonce, plaintext, nil)
	return Sealed{b: out}, nil
}

func (a *AESSealer) Open(s Sealed) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(s.b) < ns+a.aead.Overhead() {
		return nil, ErrOpenFailed
	}
	pt, err := a.aead.Open(nil, s.b[:ns], s.b[ns:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
