package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"meetd-backend/internal/auth"
	"meetd-backend/internal/calendar"
	"meetd-backend/internal/cryptox"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/models"
	"meetd-backend/internal/repository"
	"meetd-backend/internal/webhook"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// One sealer for the package; argon2 key derivation is slow on purpose.
var (
	sealerOnce sync.Once
	sealer     *cryptox.AESSealer
)

func testSealer(t *testing.T) *cryptox.AESSealer {
	t.Helper()
	sealerOnce.Do(func() {
		var err error
		sealer, err = cryptox.NewAESSealer("test-server-secret", "test-salt")
		if err != nil {
			panic(err)
		}
	})
	return sealer
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type note struct {
	to webhook.Recipient
	ev webhook.Event
}

// recorder is a webhook.Notifier that remembers every event.
type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(ctx context.Context, to webhook.Recipient, ev webhook.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{to: to, ev: ev})
}

// events returns the event types delivered to email, in order.
func (r *recorder) events(email string) []webhook.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []webhook.EventType
	for _, n := range r.notes {
		if n.to.Email == email {
			out = append(out, n.ev.Type())
		}
	}
	return out
}

type fixture struct {
	store     *repository.InMemoryStore
	users     *UserService
	guard     *ReplayGuard
	proposals *ProposalService
	cal       *calendar.Static
	notes     *recorder
	clock     *clock

	alice *models.User
	bob   *models.User
	carol *models.User
}

// base is 2026-02-03T08:00Z, a Tuesday morning.
var base = time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: repository.NewInMemoryStore(),
		cal:   calendar.NewStatic("https://calendar.test"),
		notes: &recorder{},
		clock: &clock{t: base},
	}
	log := logging.Discard()
	links, err := auth.NewLinkTokenService("test-link-secret")
	require.NoError(t, err)

	f.users = NewUserService(f.store, testSealer(t), auth.NewCredentialService(bcrypt.MinCost), log)
	f.users.now = f.clock.Now
	f.guard = NewReplayGuard(f.store, 7*24*time.Hour, log)
	f.guard.now = f.clock.Now
	f.proposals = NewProposalService(ProposalDeps{
		Store:    f.store,
		Users:    f.users,
		Guard:    f.guard,
		Calendar: f.cal,
		Notifier: f.notes,
		Links:    links,
	}, ProposalOptions{MaxLifetime: 7 * 24 * time.Hour, ServerURL: "https://meetd.test"}, log)
	f.proposals.now = f.clock.Now

	f.alice = f.register(t, "alice@example.com")
	f.bob = f.register(t, "bob@example.com")
	f.carol = f.register(t, "carol@example.com")
	return f
}

func (f *fixture) register(t *testing.T, email string) *models.User {
	t.Helper()
	reg, err := f.users.Register(context.Background(), email, "refresh-"+email)
	require.NoError(t, err)
	return reg.User
}

func (f *fixture) create(t *testing.T, from *models.User, to string, in CreateProposalInput) *CreatedProposal {
	t.Helper()
	in.To = to
	if in.SlotStart.IsZero() {
		in.SlotStart = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = 30
	}
	out, err := f.proposals.Create(context.Background(), from, in)
	require.NoError(t, err)
	return out
}
