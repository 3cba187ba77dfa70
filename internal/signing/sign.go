package signing

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/cryptox"
)

// Sign signs p with priv and returns the transport form. p.FromPubkey must
// be the public half of priv.
func Sign(p Payload, description string, priv ed25519.PrivateKey) (SignedProposal, error) {
	msg, err := p.Canonical()
	if err != nil {
		return SignedProposal{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	return SignedProposal{
		Version:     p.Version,
		From:        p.FromEmail,
		FromPubkey:  p.FromPubkey,
		To:          p.ToEmail,
		Slot:        Slot{Start: p.SlotStart.UTC().Truncate(time.Second), DurationMinutes: p.DurationMinutes},
		Title:       p.Title,
		Description: description,
		Nonce:       p.Nonce,
		ExpiresAt:   p.ExpiresAt.UTC().Truncate(time.Second),
		Signature:   cryptox.Sign(priv, msg),
	}, nil
}

// VerifyPayload reports whether signature is a valid signature by publicKey
// over the canonical form of p.
func VerifyPayload(p Payload, signature, publicKey string) bool {
	msg, err := p.Canonical()
	if err != nil {
		return false
	}
	return cryptox.Verify(publicKey, signature, msg)
}

// Verify checks sp against the key embedded in it. Callers that know the
// sender's published key must also compare it with sp.FromPubkey.
func Verify(sp SignedProposal) error {
	if sp.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", common.ErrSignatureInvalid, sp.Version)
	}
	if _, err := cryptox.DecodePublicKey(sp.FromPubkey); err != nil {
		return fmt.Errorf("%w: %v", common.ErrSignatureInvalid, err)
	}
	if _, err := cryptox.DecodeSignature(sp.Signature); err != nil {
		return fmt.Errorf("%w: %v", common.ErrSignatureInvalid, err)
	}
	if !VerifyPayload(sp.Payload(), sp.Signature, sp.FromPubkey) {
		return fmt.Errorf("%w: signature does not match payload", common.ErrSignatureInvalid)
	}
	return nil
}
