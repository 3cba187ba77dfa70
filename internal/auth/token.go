package auth

import (
	"fmt"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// LinkTokenService signs and checks one-click accept links.
type LinkTokenService struct {
	secret []byte
	now    func() time.Time
}

// AcceptLink is the content of a valid accept-link token.
type AcceptLink struct {
	ProposalID string
	Email      string
	ExpiresAt  time.Time
}

func NewLinkTokenService(secret string) (*LinkTokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &LinkTokenService{secret: []byte(secret), now: time.Now}, nil
}

// NewAcceptToken issues a token bound to the proposal and its recipient
// that stops working when the proposal expires.
func (s *LinkTokenService) NewAcceptToken(proposalID, recipient string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   proposalID,
		Audience:  jwt.ClaimStrings{models.NormalizeEmail(recipient)},
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ParseAcceptToken validates the signature and expiry. Every failure is
// reported as common.ErrUnauthorized.
func (s *LinkTokenService) ParseAcceptToken(tokenString string) (*AcceptLink, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: accept link: %w", common.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: accept link invalid", common.ErrUnauthorized)
	}
	if claims.Subject == "" || len(claims.Audience) != 1 {
		return nil, fmt.Errorf("%w: accept link missing claims", common.ErrUnauthorized)
	}
	return &AcceptLink{
		ProposalID: claims.Subject,
		Email:      claims.Audience[0],
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}
