package auth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"meetd-backend/internal/common"
	"meetd-backend/internal/cryptox"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const credentialPrefix = "mdk_"

// CredentialService mints bearer credentials of the form
// mdk_<user id hex>_<secret>. Only the bcrypt hash of the secret is kept.
type CredentialService struct {
	cost int
}

func NewCredentialService(cost int) *CredentialService {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &CredentialService{cost: cost}
}

// Issue returns the plaintext credential and the hash to store.
func (s *CredentialService) Issue(userID uuid.UUID) (token, hash string, err error) {
	secret, err := cryptox.RandomToken(32)
	if err != nil {
		return "", "", fmt.Errorf("generate credential: %w", err)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash credential: %w", err)
	}
	return credentialPrefix + hex.EncodeToString(userID[:]) + "_" + secret, string(h), nil
}

// Parse splits a credential into the user id and the secret.
func (s *CredentialService) Parse(token string) (uuid.UUID, string, error) {
	rest, ok := strings.CutPrefix(token, credentialPrefix)
	if !ok {
		return uuid.Nil, "", fmt.Errorf("%w: malformed credential", common.ErrUnauthorized)
	}
	idHex, secret, ok := strings.Cut(rest, "_")
	if !ok || len(idHex) != 32 || secret == "" {
		return uuid.Nil, "", fmt.Errorf("%w: malformed credential", common.ErrUnauthorized)
	}
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: malformed credential", common.ErrUnauthorized)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: malformed credential", common.ErrUnauthorized)
	}
	return id, secret, nil
}

// Verify compares secret against a stored hash in constant time.
func (s *CredentialService) Verify(hash, secret string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
