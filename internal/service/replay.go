package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/models"
	"meetd-backend/internal/repository"
)

// ReplayGuard owns the nonce ledger. A nonce is accepted once; every later
// presentation is a replay.
type ReplayGuard struct {
	nonces      repository.NonceStore
	proposals   repository.ProposalStore
	maxLifetime time.Duration
	log         logging.Logger
	now         func() time.Time
}

func NewReplayGuard(store repository.Store, maxLifetime time.Duration, log logging.Logger) *ReplayGuard {
	return &ReplayGuard{
		nonces:      store,
		proposals:   store,
		maxLifetime: maxLifetime,
		log:         log,
		now:         time.Now,
	}
}

// RecordIfNew consumes nonce. It returns common.ErrNonceUsed when the nonce
// was already consumed, including by a concurrent caller.
func (g *ReplayGuard) RecordIfNew(ctx context.Context, nonce string, now time.Time) error {
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", common.ErrInvalidRequest)
	}
	return g.nonces.RecordNonce(ctx, nonce, models.NormalizeTime(now))
}

// Admit consumes p.Nonce and stores p in one step. A consumed nonce is
// reported as common.ErrReplayDetected and nothing is stored.
func (g *ReplayGuard) Admit(ctx context.Context, p *models.Proposal, now time.Time) error {
	err := g.proposals.IngestProposal(ctx, p, models.NormalizeTime(now))
	if errors.Is(err, common.ErrNonceUsed) {
		return fmt.Errorf("%w: nonce %s already used", common.ErrReplayDetected, p.Nonce)
	}
	return err
}

// Prune forgets nonces older than the maximum proposal lifetime. No
// proposal carrying such a nonce can still be accepted.
func (g *ReplayGuard) Prune(ctx context.Context) (int64, error) {
	return g.nonces.PruneNonces(ctx, models.NormalizeTime(g.now().Add(-g.maxLifetime)))
}

// RunPruner prunes every interval until ctx is done.
func (g *ReplayGuard) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := g.Prune(ctx)
			if err != nil {
				g.log.Error(ctx, "nonce prune failed", "error", err)
				continue
			}
			if n > 0 {
				g.log.Info(ctx, "nonces pruned", "count", n)
			}
		}
	}
}
