package repository

import (
	"context"
	"time"

	"meetd-backend/internal/models"

	"github.com/google/uuid"
)

// UserStore persists users. Lookups by email expect a normalized address.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// UpdateUser overwrites the mutable fields: refresh token, credential
	// hash, visibility and webhook settings. Keys are immutable.
	UpdateUser(ctx context.Context, user *models.User) error
}

// ProposalStore persists proposals.
type ProposalStore interface {
	// IngestProposal records p.Nonce and inserts p in one atomic step. It
	// returns common.ErrNonceUsed and stores nothing when the nonce was
	// already consumed.
	IngestProposal(ctx context.Context, p *models.Proposal, usedAt time.Time) error
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	// ListProposalsTo and ListProposalsFrom return newest first. An empty
	// status means any status.
	ListProposalsTo(ctx context.Context, email string, status models.Status) ([]*models.Proposal, error)
	ListProposalsFrom(ctx context.Context, userID uuid.UUID, status models.Status) ([]*models.Proposal, error)
	// TransitionProposal moves a pending proposal to the given terminal
	// status. Moving to expired requires expires_at <= now; any other
	// target requires expires_at > now. It reports whether this call
	// performed the change.
	TransitionProposal(ctx context.Context, id string, to models.Status, now time.Time) (bool, error)
	// ExpireProposals expires every pending proposal past its expiry and
	// returns the ones this call transitioned. A non-empty toEmail limits
	// the sweep to that recipient.
	ExpireProposals(ctx context.Context, now time.Time, toEmail string) ([]*models.Proposal, error)
}

// NonceStore is the replay ledger.
type NonceStore interface {
	// RecordNonce inserts nonce or fails with common.ErrNonceUsed. The
	// check and the insert are a single atomic operation.
	RecordNonce(ctx context.Context, nonce string, usedAt time.Time) error
	PruneNonces(ctx context.Context, before time.Time) (int64, error)
}

// Store aggregates every store the services depend on.
type Store interface {
	UserStore
	ProposalStore
	NonceStore
}
