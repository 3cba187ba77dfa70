package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/models"

	"github.com/google/uuid"
)

// InMemoryStore implements Store with maps behind a single RWMutex.
// Values are copied on the way in and out.
type InMemoryStore struct {
	mu           sync.RWMutex
	usersByID    map[uuid.UUID]*models.User
	usersByEmail map[string]uuid.UUID
	proposals    map[string]*models.Proposal
	nonces       map[string]time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		usersByID:    make(map[uuid.UUID]*models.User),
		usersByEmail: make(map[string]uuid.UUID),
		proposals:    make(map[string]*models.Proposal),
		nonces:       make(map[string]time.Time),
	}
}

// --- UserStore ---

func (s *InMemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByEmail[user.Email]; exists {
		return fmt.Errorf("user %q: %w", user.Email, common.ErrAlreadyExists)
	}
	if _, exists := s.usersByID[user.ID]; exists {
		return fmt.Errorf("user %s: %w", user.ID, common.ErrAlreadyExists)
	}

	s.usersByID[user.ID] = user.Clone()
	s.usersByEmail[user.Email] = user.ID
	return nil
}

func (s *InMemoryStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByID[id]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", id, common.ErrNotFound)
	}
	return user.Clone(), nil
}

func (s *InMemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.usersByEmail[email]
	if !exists {
		return nil, fmt.Errorf("user %q: %w", email, common.ErrNotFound)
	}
	return s.usersByID[id].Clone(), nil
}

func (s *InMemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.usersByID[user.ID]
	if !exists {
		return fmt.Errorf("user %s: %w", user.ID, common.ErrNotFound)
	}
	cur.RefreshToken = user.RefreshToken.Clone()
	cur.CredentialHash = user.CredentialHash
	cur.Visibility = user.Visibility
	cur.WebhookURL = user.WebhookURL
	cur.WebhookSecret = user.WebhookSecret.Clone()
	return nil
}

// --- ProposalStore ---

func (s *InMemoryStore) IngestProposal(ctx context.Context, p *models.Proposal, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.nonces[p.Nonce]; used {
		return common.ErrNonceUsed
	}
	if _, exists := s.proposals[p.ID]; exists {
		return fmt.Errorf("proposal %s: %w", p.ID, common.ErrAlreadyExists)
	}

	s.nonces[p.Nonce] = models.NormalizeTime(usedAt)
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *InMemoryStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.proposals[id]
	if !exists {
		return nil, fmt.Errorf("proposal %s: %w", id, common.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *InMemoryStore) ListProposalsTo(ctx context.Context, email string, status models.Status) ([]*models.Proposal, error) {
	return s.listProposals(func(p *models.Proposal) bool {
		return p.ToEmail == email && (status == "" || p.Status == status)
	}), nil
}

func (s *InMemoryStore) ListProposalsFrom(ctx context.Context, userID uuid.UUID, status models.Status) ([]*models.Proposal, error) {
	return s.listProposals(func(p *models.Proposal) bool {
		return p.FromUserID != nil && *p.FromUserID == userID && (status == "" || p.Status == status)
	}), nil
}

func (s *InMemoryStore) listProposals(match func(*models.Proposal) bool) []*models.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Empty slice rather than nil so it serializes as [].
	out := []*models.Proposal{}
	for _, p := range s.proposals {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

func (s *InMemoryStore) TransitionProposal(ctx context.Context, id string, to models.Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.proposals[id]
	if !exists {
		return false, fmt.Errorf("proposal %s: %w", id, common.ErrNotFound)
	}
	if p.Status != models.StatusPending {
		return false, nil
	}
	if p.ExpiredAt(models.NormalizeTime(now)) != (to == models.StatusExpired) {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (s *InMemoryStore) ExpireProposals(ctx context.Context, now time.Time, toEmail string) ([]*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = models.NormalizeTime(now)
	out := []*models.Proposal{}
	for _, p := range s.proposals {
		if p.Status != models.StatusPending || !p.ExpiredAt(now) {
			continue
		}
		if toEmail != "" && p.ToEmail != toEmail {
			continue
		}
		p.Status = models.StatusExpired
		out = append(out, p.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// --- NonceStore ---

func (s *InMemoryStore) RecordNonce(ctx context.Context, nonce string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.nonces[nonce]; used {
		return common.ErrNonceUsed
	}
	s.nonces[nonce] = models.NormalizeTime(usedAt)
	return nil
}

func (s *InMemoryStore) PruneNonces(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for nonce, usedAt := range s.nonces {
		if usedAt.Before(before) {
			delete(s.nonces, nonce)
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(ps []*models.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.After(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
