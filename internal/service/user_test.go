package service

import (
	"context"
	"crypto/ed25519"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meetd-backend/internal/common"
	"meetd-backend/internal/cryptox"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/models"
	"meetd-backend/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterProvisionsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.users.Register(ctx, " Dave@Example.com ", "refresh-1")
	require.NoError(t, err)
	assert.True(t, reg.Created)
	assert.Equal(t, "dave@example.com", reg.User.Email)
	assert.Equal(t, models.VisibilityBusyOnly, reg.User.Visibility)
	assert.NotEmpty(t, reg.User.PublicKey)
	assert.False(t, reg.User.PrivateKey.IsZero())

	user, err := f.users.Authenticate(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, user.ID)

	refresh, err := testSealer(t).Open(user.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", string(refresh))

	again, err := f.users.Register(ctx, "dave@example.com", "refresh-2")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, reg.User.ID, again.User.ID)
	assert.Equal(t, reg.User.PublicKey, again.User.PublicKey)

	_, err = f.users.Authenticate(ctx, reg.APIKey)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	_, err = f.users.Authenticate(ctx, again.APIKey)
	require.NoError(t, err)

	_, err = f.users.Register(ctx, "  ", "x")
	assert.ErrorIs(t, err, common.ErrInvalidRequest)
}

func TestAuthenticateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.users.Register(ctx, "dave@example.com", "")
	require.NoError(t, err)

	for _, token := range []string{"", "garbage", reg.APIKey + "x", "mdk_00000000000000000000000000000000_secret"} {
		_, err := f.users.Authenticate(ctx, token)
		assert.ErrorIs(t, err, common.ErrUnauthorized, "token %q", token)
	}
}

func TestIssueCredentialRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.users.Register(ctx, "dave@example.com", "")
	require.NoError(t, err)

	fresh, err := f.users.IssueCredential(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, reg.APIKey, fresh)

	_, err = f.users.Authenticate(ctx, reg.APIKey)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	_, err = f.users.Authenticate(ctx, fresh)
	assert.NoError(t, err)
}

func TestPublicKeyLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.users.PublicKey(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, f.alice.PublicKey, key)

	_, err = f.users.PublicKey(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSigningKeyMatchesPublicKey(t *testing.T) {
	f := newFixture(t)
	priv, err := f.users.SigningKey(f.alice)
	require.NoError(t, err)
	pub, err := cryptox.DecodePublicKey(f.alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, pub, priv.Public().(ed25519.PublicKey))
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	full := models.VisibilityFull
	cfg, secret, err := f.users.UpdateConfig(ctx, f.alice, ConfigUpdate{Visibility: &full})
	require.NoError(t, err)
	assert.Equal(t, models.VisibilityFull, cfg.Visibility)
	assert.Empty(t, secret)

	hook := "https://hooks.example.com/meetd"
	cfg, secret, err = f.users.UpdateConfig(ctx, f.alice, ConfigUpdate{WebhookURL: &hook})
	require.NoError(t, err)
	assert.Equal(t, hook, cfg.WebhookURL)
	assert.Len(t, secret, 64)

	// Same URL keeps the secret.
	_, again, err := f.users.UpdateConfig(ctx, f.alice, ConfigUpdate{WebhookURL: &hook})
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := f.store.GetUserByID(ctx, f.alice.ID)
	require.NoError(t, err)
	to := f.users.Recipient(ctx, stored)
	assert.Equal(t, hook, to.URL)
	assert.Equal(t, secret, string(to.Secret))

	bad := models.Visibility("everything")
	_, _, err = f.users.UpdateConfig(ctx, f.alice, ConfigUpdate{Visibility: &bad})
	assert.ErrorIs(t, err, common.ErrInvalidRequest)

	ftp := "ftp://hooks.example.com"
	_, _, err = f.users.UpdateConfig(ctx, f.alice, ConfigUpdate{WebhookURL: &ftp})
	assert.ErrorIs(t, err, common.ErrInvalidRequest)

	empty := ""
	cfg, _, err = f.users.UpdateConfig(ctx, stored, ConfigUpdate{WebhookURL: &empty})
	require.NoError(t, err)
	assert.Empty(t, cfg.WebhookURL)
}

func TestSetAndClearWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.users.SetWebhook(ctx, f.alice, "https://hooks.example.com/a")
	require.NoError(t, err)
	second, err := f.users.SetWebhook(ctx, f.alice, "https://hooks.example.com/a")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, f.users.ClearWebhook(ctx, f.alice))
	stored, err := f.store.GetUserByID(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.WebhookURL)
	assert.True(t, stored.WebhookSecret.IsZero())

	to := f.users.Recipient(ctx, stored)
	assert.Empty(t, to.URL)
	assert.Equal(t, f.alice.ID, to.UserID)
}

func TestTestWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var gotSig, gotEvent string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(webhook.SignatureHeader)
		gotEvent = r.Header.Get(webhook.EventHeader)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := webhook.NewDispatcher(webhook.NewChanQueue(1), webhook.Options{Timeout: time.Second}, logging.Discard())

	_, err := f.users.TestWebhook(ctx, f.alice, d)
	assert.ErrorIs(t, err, common.ErrInvalidRequest)

	secret, err := f.users.SetWebhook(ctx, f.alice, srv.URL)
	require.NoError(t, err)

	res, err := f.users.TestWebhook(ctx, f.alice, d)
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, string(webhook.EventTest), gotEvent)
	assert.True(t, webhook.VerifySignature([]byte(secret), body, gotSig))
}
