package cryptox

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTripAndTamper(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte(`{"version":1,"nonce":"abc"}`)
	sig := Sign(priv, msg)
	pk := EncodeKey(pub)

	assert.True(t, Verify(pk, sig, msg))

	for i := 0; i < len(msg); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), msg...)
			mutated[i] ^= 1 << bit
			if Verify(pk, sig, mutated) {
				t.Fatalf("mutation at byte %d bit %d verified", i, bit)
			}
		}
	}

	raw, _ := base64.StdEncoding.DecodeString(sig)
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		assert.False(t, Verify(pk, base64.StdEncoding.EncodeToString(mutated), msg), "sig byte %d", i)
	}
}

func TestVerify_RejectsMalformedInput(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	msg := []byte("hello")
	sig := Sign(priv, msg)
	pk := EncodeKey(pub)

	tests := []struct {
		name string
		pk   string
		sig  string
	}{
		{"bad base64 key", "***", sig},
		{"short key", EncodeKey(pub[:16]), sig},
		{"long key", EncodeKey(append(append([]byte(nil), pub...), 0)), sig},
		{"bad base64 sig", pk, "not base64!"},
		{"short sig", pk, base64.StdEncoding.EncodeToString(make([]byte, 10))},
		{"empty sig", pk, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, Verify(tc.pk, tc.sig, msg))
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodePublicKey(base64.StdEncoding.EncodeToString(make([]byte, 31)))
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = DecodeSignature(base64.StdEncoding.EncodeToString(make([]byte, 63)))
	assert.ErrorIs(t, err, ErrMalformedSignature)

	_, err = PrivateKeyFromSeed(make([]byte, 5))
	assert.ErrorIs(t, err, ErrMalformedKey)
}

// flipLastDataBit flips the lowest bit of the character before the padding.
// Those bits are unused by the encoding, so loose decoders ignore them.
func flipLastDataBit(s string) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	i := strings.IndexByte(s, '=') - 1
	b := []byte(s)
	b[i] = alphabet[strings.IndexByte(alphabet, b[i])^1]
	return string(b)
}

func TestDecode_RejectsNonCanonicalBase64(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	msg := []byte("canonical")
	sig := Sign(priv, msg)
	pk := EncodeKey(pub)

	mutatedSig := flipLastDataBit(sig)
	require.NotEqual(t, sig, mutatedSig)
	_, err = DecodeSignature(mutatedSig)
	assert.ErrorIs(t, err, ErrMalformedSignature)
	assert.False(t, Verify(pk, mutatedSig, msg))

	mutatedKey := flipLastDataBit(pk)
	require.NotEqual(t, pk, mutatedKey)
	_, err = DecodePublicKey(mutatedKey)
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.False(t, Verify(mutatedKey, sig, msg))

	_, err = DecodeSignature(sig[:40] + "\n" + sig[40:])
	assert.ErrorIs(t, err, ErrMalformedSignature)
	_, err = DecodePublicKey(strings.TrimRight(pk, "="))
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestPrivateKeyFromSeed(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	again, err := PrivateKeyFromSeed(priv.Seed())
	require.NoError(t, err)
	assert.Equal(t, pub, again.Public().(ed25519.PublicKey))
}

func TestAESSealer_RoundTrip(t *testing.T) {
	s, err := NewAESSealer("server-secret", "salt")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("refresh-token"))
	require.NoError(t, err)
	assert.False(t, sealed.IsZero())
	assert.NotContains(t, sealed.String(), "refresh")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", string(plain))
}

func TestAESSealer_WrongKeyFails(t *testing.T) {
	a, err := NewAESSealer("secret-a", "salt")
	require.NoError(t, err)
	b, err := NewAESSealer("secret-b", "salt")
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("x"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrOpenFailed)

	_, err = a.Open(Sealed{})
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestNewAESSealer_EmptySecret(t *testing.T) {
	_, err := NewAESSealer("", "salt")
	assert.Error(t, err)
}

func TestSealed_ValueScan(t *testing.T) {
	s, err := NewAESSealer("k", "salt")
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("v"))
	require.NoError(t, err)

	v, err := sealed.Value()
	require.NoError(t, err)
	encoded := v.(string)

	var back Sealed
	require.NoError(t, back.Scan(encoded))
	plain, err := s.Open(back)
	require.NoError(t, err)
	assert.Equal(t, "v", string(plain))

	var empty Sealed
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, back.Scan(nil))
	assert.True(t, back.IsZero())

	require.NoError(t, back.Scan([]byte(encoded)))
	assert.False(t, back.IsZero())
	assert.Error(t, back.Scan(42))
}

func TestRandomHelpers(t *testing.T) {
	h, err := RandomHex(6)
	require.NoError(t, err)
	assert.Len(t, h, 12)

	tok, err := RandomToken(32)
	require.NoError(t, err)
	assert.Len(t, tok, 43)

	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
