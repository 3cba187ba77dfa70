package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/cryptox"
	"meetd-backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories runs every contract test against each implementation.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			s, err := NewSQLiteStore(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.Migrate(context.Background()))
			return s
		},
	}
}

var baseTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newUser(email string) *models.User {
	var sealedKey cryptox.Sealed
	_ = sealedKey.Scan("c2VhbGVkLXNlZWQ=")
	return &models.User{
		ID:         uuid.New(),
		Email:      email,
		PublicKey:  "cHVibGljLWtleQ==",
		PrivateKey: sealedKey,
		Visibility: models.VisibilityBusyOnly,
		CreatedAt:  baseTime,
	}
}

func newProposal(id string, from *models.User, to string, created time.Time) *models.Proposal {
	return &models.Proposal{
		ID:              id,
		Version:         1,
		FromUserID:      &from.ID,
		FromEmail:       from.Email,
		FromPubkey:      from.PublicKey,
		ToEmail:         to,
		SlotStart:       baseTime.Add(48 * time.Hour),
		DurationMinutes: 30,
		Title:           "Intro",
		Nonce:           "nonce-" + id,
		ExpiresAt:       baseTime.Add(7 * 24 * time.Hour),
		Signature:       "c2ln",
		Status:          models.StatusPending,
		CreatedAt:       created,
	}
}

func TestStore_Users(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			u := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, u))

			err := s.CreateUser(ctx, newUser("alice@example.com"))
			assert.ErrorIs(t, err, common.ErrAlreadyExists)

			got, err := s.GetUserByEmail(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.Equal(t, u.ID, got.ID)
			assert.Equal(t, models.VisibilityBusyOnly, got.Visibility)
			assert.Empty(t, got.WebhookURL)
			assert.True(t, got.WebhookSecret.IsZero())
			assert.True(t, got.CreatedAt.Equal(baseTime))

			got.Visibility = models.VisibilityFull
			got.WebhookURL = "https://hooks.example.com/meetd"
			got.CredentialHash = "hash"
			require.NoError(t, s.UpdateUser(ctx, got))

			again, err := s.GetUserByID(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, models.VisibilityFull, again.Visibility)
			assert.Equal(t, "https://hooks.example.com/meetd", again.WebhookURL)
			assert.Equal(t, "hash", again.CredentialHash)

			_, err = s.GetUserByEmail(ctx, "nobody@example.com")
			assert.ErrorIs(t, err, common.ErrNotFound)
			_, err = s.GetUserByID(ctx, uuid.New())
			assert.ErrorIs(t, err, common.ErrNotFound)
			assert.ErrorIs(t, s.UpdateUser(ctx, newUser("ghost@example.com")), common.ErrNotFound)
		})
	}
}

func TestStore_IngestAndList(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			alice := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, alice))

			p1 := newProposal("prop_000000000001", alice, "bob@example.com", baseTime)
			p2 := newProposal("prop_000000000002", alice, "bob@example.com", baseTime.Add(time.Minute))
			p3 := newProposal("prop_000000000003", alice, "carol@example.com", baseTime.Add(2*time.Minute))
			p3.SignedFrom, p3.SignedTo = "Alice@Example.com", "Carol@Example.com"
			for _, p := range []*models.Proposal{p1, p2, p3} {
				require.NoError(t, s.IngestProposal(ctx, p, baseTime))
			}

			got, err := s.GetProposal(ctx, p1.ID)
			require.NoError(t, err)
			assert.Equal(t, p1.Nonce, got.Nonce)
			assert.Equal(t, alice.ID, *got.FromUserID)
			assert.True(t, got.SlotStart.Equal(p1.SlotStart))
			assert.Equal(t, models.StatusPending, got.Status)
			assert.Equal(t, "alice@example.com", got.SignedFromEmail())

			got3, err := s.GetProposal(ctx, p3.ID)
			require.NoError(t, err)
			assert.Equal(t, "carol@example.com", got3.ToEmail)
			assert.Equal(t, "Alice@Example.com", got3.SignedFromEmail())
			assert.Equal(t, "Carol@Example.com", got3.SignedToEmail())

			inbox, err := s.ListProposalsTo(ctx, "bob@example.com", "")
			require.NoError(t, err)
			require.Len(t, inbox, 2)
			assert.Equal(t, p2.ID, inbox[0].ID)
			assert.Equal(t, p1.ID, inbox[1].ID)

			sent, err := s.ListProposalsFrom(ctx, alice.ID, models.StatusPending)
			require.NoError(t, err)
			assert.Len(t, sent, 3)

			none, err := s.ListProposalsTo(ctx, "bob@example.com", models.StatusAccepted)
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)

			_, err = s.GetProposal(ctx, "prop_missing")
			assert.ErrorIs(t, err, common.ErrNotFound)
		})
	}
}

func TestStore_IngestRejectsUsedNonce(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			alice := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, alice))

			first := newProposal("prop_aaaaaaaaaaaa", alice, "bob@example.com", baseTime)
			require.NoError(t, s.IngestProposal(ctx, first, baseTime))

			replay := newProposal("prop_bbbbbbbbbbbb", alice, "bob@example.com", baseTime)
			replay.Nonce = first.Nonce
			assert.ErrorIs(t, s.IngestProposal(ctx, replay, baseTime), common.ErrNonceUsed)

			_, err := s.GetProposal(ctx, replay.ID)
			assert.ErrorIs(t, err, common.ErrNotFound, "replayed proposal must not be stored")

			require.NoError(t, s.RecordNonce(ctx, "remote-nonce", baseTime))
			foreign := newProposal("prop_cccccccccccc", alice, "bob@example.com", baseTime)
			foreign.Nonce = "remote-nonce"
			assert.ErrorIs(t, s.IngestProposal(ctx, foreign, baseTime), common.ErrNonceUsed)
		})
	}
}

func TestStore_IngestExternalSender(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			remote := newUser("remote@elsewhere.org")
			p := newProposal("prop_dddddddddddd", remote, "bob@example.com", baseTime)
			p.FromUserID = nil
			p.Status = models.StatusAccepted
			require.NoError(t, s.IngestProposal(ctx, p, baseTime))

			got, err := s.GetProposal(ctx, p.ID)
			require.NoError(t, err)
			assert.Nil(t, got.FromUserID)
			assert.Equal(t, models.StatusAccepted, got.Status)
		})
	}
}

func TestStore_Transition(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			alice := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, alice))
			p := newProposal("prop_eeeeeeeeeeee", alice, "bob@example.com", baseTime)
			require.NoError(t, s.IngestProposal(ctx, p, baseTime))

			// Cannot expire before the deadline.
			changed, err := s.TransitionProposal(ctx, p.ID, models.StatusExpired, baseTime)
			require.NoError(t, err)
			assert.False(t, changed)

			changed, err = s.TransitionProposal(ctx, p.ID, models.StatusAccepted, baseTime)
			require.NoError(t, err)
			assert.True(t, changed)

			// Terminal states never change again.
			for _, to := range []models.Status{models.StatusAccepted, models.StatusDeclined, models.StatusExpired} {
				changed, err = s.TransitionProposal(ctx, p.ID, to, p.ExpiresAt.Add(time.Hour))
				require.NoError(t, err)
				assert.False(t, changed, to)
			}

			got, err := s.GetProposal(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusAccepted, got.Status)

			_, err = s.TransitionProposal(ctx, "prop_missing", models.StatusAccepted, baseTime)
			assert.ErrorIs(t, err, common.ErrNotFound)
		})
	}
}

func TestStore_TransitionRefusesAcceptAfterExpiry(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			alice := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, alice))
			p := newProposal("prop_ffffffffffff", alice, "bob@example.com", baseTime)
			require.NoError(t, s.IngestProposal(ctx, p, baseTime))

			changed, err := s.TransitionProposal(ctx, p.ID, models.StatusAccepted, p.ExpiresAt)
			require.NoError(t, err)
			assert.False(t, changed)

			changed, err = s.TransitionProposal(ctx, p.ID, models.StatusExpired, p.ExpiresAt)
			require.NoError(t, err)
			assert.True(t, changed)
		})
	}
}

func TestStore_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			alice := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, alice))
			p := newProposal("prop_121212121212", alice, "bob@example.com", baseTime)
			require.NoError(t, s.IngestProposal(ctx, p, baseTime))

			const n = 16
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				to := models.StatusAccepted
				if i%2 == 1 {
					to = models.StatusDeclined
				}
				wg.Add(1)
				go func(to models.Status) {
					defer wg.Done()
					changed, err := s.TransitionProposal(ctx, p.ID, to, baseTime)
					if err == nil && changed {
						atomic.AddInt32(&wins, 1)
					}
				}(to)
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins)
		})
	}
}

func TestStore_ExpireProposals(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			alice := newUser("alice@example.com")
			require.NoError(t, s.CreateUser(ctx, alice))

			due := newProposal("prop_000000000010", alice, "bob@example.com", baseTime)
			due.ExpiresAt = baseTime.Add(time.Hour)
			dueOther := newProposal("prop_000000000011", alice, "carol@example.com", baseTime)
			dueOther.ExpiresAt = baseTime.Add(time.Hour)
			later := newProposal("prop_000000000012", alice, "bob@example.com", baseTime)
			for _, p := range []*models.Proposal{due, dueOther, later} {
				require.NoError(t, s.IngestProposal(ctx, p, baseTime))
			}

			now := baseTime.Add(2 * time.Hour)
			expired, err := s.ExpireProposals(ctx, now, "bob@example.com")
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, due.ID, expired[0].ID)
			assert.Equal(t, models.StatusExpired, expired[0].Status)

			expired, err = s.ExpireProposals(ctx, now, "")
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, dueOther.ID, expired[0].ID)

			expired, err = s.ExpireProposals(ctx, now, "")
			require.NoError(t, err)
			assert.Empty(t, expired)

			got, err := s.GetProposal(ctx, later.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, got.Status)
		})
	}
}

func TestStore_Nonces(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.RecordNonce(ctx, "n-old", baseTime.Add(-8*24*time.Hour)))
			require.NoError(t, s.RecordNonce(ctx, "n-new", baseTime))
			assert.ErrorIs(t, s.RecordNonce(ctx, "n-new", baseTime), common.ErrNonceUsed)

			pruned, err := s.PruneNonces(ctx, baseTime.Add(-7*24*time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, pruned)

			require.NoError(t, s.RecordNonce(ctx, "n-old", baseTime))
			assert.ErrorIs(t, s.RecordNonce(ctx, "n-new", baseTime), common.ErrNonceUsed)
		})
	}
}

func TestStore_RecordNonceRace(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			const n = 32
			var (
				wg        sync.WaitGroup
				successes int32
				replays   int32
			)
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := s.RecordNonce(ctx, "contested", baseTime)
					switch {
					case err == nil:
						atomic.AddInt32(&successes, 1)
					case assert.ErrorIs(t, err, common.ErrNonceUsed):
						atomic.AddInt32(&replays, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.EqualValues(t, 1, successes)
			assert.EqualValues(t, n-1, replays)
		})
	}
}

func TestStore_ListIsolation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	alice := newUser("alice@example.com")
	require.NoError(t, s.CreateUser(ctx, alice))
	p := newProposal("prop_131313131313", alice, "bob@example.com", baseTime)
	require.NoError(t, s.IngestProposal(ctx, p, baseTime))

	p.Status = models.StatusDeclined
	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	got.Status = models.StatusAccepted

	again, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status, fmt.Sprintf("%+v", again))
}
