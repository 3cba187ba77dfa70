package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"time"

	"meetd-backend/internal/auth"
	"meetd-backend/internal/common"
	"meetd-backend/internal/cryptox"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/models"
	"meetd-backend/internal/repository"
	"meetd-backend/internal/webhook"

	"github.com/google/uuid"
)

// UserService is the key custody component: it provisions identities,
// publishes public keys and authenticates bearer credentials.
type UserService struct {
	store  repository.UserStore
	sealer cryptox.Sealer
	creds  *auth.CredentialService
	log    logging.Logger
	now    func() time.Time
}

func NewUserService(store repository.UserStore, sealer cryptox.Sealer, creds *auth.CredentialService, log logging.Logger) *UserService {
	return &UserService{
		store:  store,
		sealer: sealer,
		creds:  creds,
		log:    log,
		now:    time.Now,
	}
}

// Registration is the result of Register. APIKey is shown exactly once.
type Registration struct {
	User    *models.User
	APIKey  string
	Created bool
}

// Register provisions a user on first login. On later logins it refreshes
// the sealed refresh token and re-issues the credential, invalidating the
// previous one.
func (s *UserService) Register(ctx context.Context, email, refreshToken string) (*Registration, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", common.ErrInvalidRequest)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, common.ErrNotFound) {
		user, apiKey, err := s.Provision(ctx, email, refreshToken)
		if err == nil {
			return &Registration{User: user, APIKey: apiKey, Created: true}, nil
		}
		if !errors.Is(err, common.ErrAlreadyExists) {
			return nil, err
		}
		// Lost a race with a concurrent first login.
		user, err = s.store.GetUserByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		return s.reRegister(ctx, user, refreshToken)
	}
	if err != nil {
		return nil, err
	}
	return s.reRegister(ctx, user, refreshToken)
}

func (s *UserService) reRegister(ctx context.Context, user *models.User, refreshToken string) (*Registration, error) {
	if refreshToken != "" {
		sealed, err := s.sealer.Seal([]byte(refreshToken))
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
		user.RefreshToken = sealed
	}
	apiKey, hash, err := s.creds.Issue(user.ID)
	if err != nil {
		return nil, err
	}
	user.CredentialHash = hash
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info(ctx, "user re-registered", "user_id", user.ID)
	return &Registration{User: user, APIKey: apiKey}, nil
}

// Provision creates a user with a fresh Ed25519 key pair and credential.
func (s *UserService) Provision(ctx context.Context, email, refreshToken string) (*models.User, string, error) {
	pub, priv, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	sealedKey, err := s.sealer.Seal(priv.Seed())
	cryptox.Wipe(priv)
	if err != nil {
		return nil, "", fmt.Errorf("seal private key: %w", err)
	}

	user := &models.User{
		ID:         uuid.New(),
		Email:      models.NormalizeEmail(email),
		PublicKey:  cryptox.EncodeKey(pub),
		PrivateKey: sealedKey,
		Visibility: models.VisibilityBusyOnly,
		CreatedAt:  models.NormalizeTime(s.now()),
	}
	if refreshToken != "" {
		if user.RefreshToken, err = s.sealer.Seal([]byte(refreshToken)); err != nil {
			return nil, "", fmt.Errorf("seal refresh token: %w", err)
		}
	}
	apiKey, hash, err := s.creds.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	user.CredentialHash = hash

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}
	s.log.Info(ctx, "user provisioned", "user_id", user.ID)
	return user, apiKey, nil
}

// PublicKey looks up the published key for email. Unknown addresses and
// accounts without a key both report common.ErrNotFound.
func (s *UserService) PublicKey(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return "", fmt.Errorf("public key: %w", common.ErrNotFound)
		}
		return "", err
	}
	if user.PublicKey == "" {
		return "", fmt.Errorf("public key: %w", common.ErrNotFound)
	}
	return user.PublicKey, nil
}

// IssueCredential replaces the user's bearer credential and returns the new
// one. The previous credential stops working immediately.
func (s *UserService) IssueCredential(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	apiKey, hash, err := s.creds.Issue(user.ID)
	if err != nil {
		return "", err
	}
	user.CredentialHash = hash
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return "", err
	}
	s.log.Info(ctx, "credential rotated", "user_id", user.ID)
	return apiKey, nil
}

// Authenticate resolves a bearer credential to its user. Every credential
// problem is reported as common.ErrUnauthorized; only storage failures pass
// through.
func (s *UserService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	id, secret, err := s.creds.Parse(token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrStorage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: invalid credentials", common.ErrUnauthorized)
	}
	if !s.creds.Verify(user.CredentialHash, secret) {
		return nil, fmt.Errorf("%w: invalid credentials", common.ErrUnauthorized)
	}
	return user, nil
}

func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.store.GetUserByEmail(ctx, models.NormalizeEmail(email))
}

func (s *UserService) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.store.GetUserByID(ctx, id)
}

// SigningKey unseals the user's Ed25519 private key.
func (s *UserService) SigningKey(user *models.User) (ed25519.PrivateKey, error) {
	seed, err := s.sealer.Open(user.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("open private key: %w", err)
	}
	defer cryptox.Wipe(seed)
	return cryptox.PrivateKeyFromSeed(seed)
}

// UserConfig is the user-visible part of the account.
type UserConfig struct {
	Email      string            `json:"email"`
	Visibility models.Visibility `json:"visibility"`
	WebhookURL string            `json:"webhook_url"`
	PublicKey  string            `json:"public_key"`
}

func (s *UserService) Config(user *models.User) UserConfig {
	return UserConfig{
		Email:      user.Email,
		Visibility: user.Visibility,
		WebhookURL: user.WebhookURL,
		PublicKey:  user.PublicKey,
	}
}

// ConfigUpdate carries optional changes. Nil fields are left alone.
type ConfigUpdate struct {
	Visibility *models.Visibility
	WebhookURL *string
}

// UpdateConfig applies upd. When the webhook URL changes a new secret is
// generated and returned; otherwise the returned secret is empty.
func (s *UserService) UpdateConfig(ctx context.Context, user *models.User, upd ConfigUpdate) (UserConfig, string, error) {
	if upd.Visibility != nil {
		if !upd.Visibility.Valid() {
			return UserConfig{}, "", fmt.Errorf("%w: unknown visibility %q", common.ErrInvalidRequest, *upd.Visibility)
		}
		user.Visibility = *upd.Visibility
	}

	var secret string
	if upd.WebhookURL != nil && *upd.WebhookURL != user.WebhookURL {
		if *upd.WebhookURL == "" {
			user.WebhookURL = ""
			user.WebhookSecret = cryptox.Sealed{}
		} else {
			var err error
			if secret, err = s.setWebhook(user, *upd.WebhookURL); err != nil {
				return UserConfig{}, "", err
			}
		}
	}

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return UserConfig{}, "", err
	}
	return s.Config(user), secret, nil
}

// SetWebhook registers url and always rotates the signing secret. The
// plaintext secret is returned once.
func (s *UserService) SetWebhook(ctx context.Context, user *models.User, rawURL string) (string, error) {
	secret, err := s.setWebhook(user, rawURL)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return "", err
	}
	s.log.Info(ctx, "webhook registered", "user_id", user.ID, "host", hostOf(rawURL))
	return secret, nil
}

func (s *UserService) setWebhook(user *models.User, rawURL string) (string, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return "", err
	}
	secret, err := cryptox.RandomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	sealed, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("seal webhook secret: %w", err)
	}
	user.WebhookURL = rawURL
	user.WebhookSecret = sealed
	return secret, nil
}

func (s *UserService) ClearWebhook(ctx context.Context, user *models.User) error {
	user.WebhookURL = ""
	user.WebhookSecret = cryptox.Sealed{}
	return s.store.UpdateUser(ctx, user)
}

// Recipient builds the notification target for user. A secret that cannot
// be opened disables webhook delivery but keeps the stream target.
func (s *UserService) Recipient(ctx context.Context, user *models.User) webhook.Recipient {
	to := webhook.Recipient{UserID: user.ID, Email: user.Email}
	if user.WebhookURL == "" || user.WebhookSecret.IsZero() {
		return to
	}
	secret, err := s.sealer.Open(user.WebhookSecret)
	if err != nil {
		s.log.Error(ctx, "open webhook secret", "user_id", user.ID, "error", err)
		return to
	}
	to.URL = user.WebhookURL
	to.Secret = secret
	return to
}

// RecipientByEmail returns the notification target for a local user. ok
// is false when email has no account.
func (s *UserService) RecipientByEmail(ctx context.Context, email string) (webhook.Recipient, *models.User, bool) {
	user, err := s.store.GetUserByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			s.log.Error(ctx, "lookup notification recipient", "error", err)
		}
		return webhook.Recipient{}, nil, false
	}
	return s.Recipient(ctx, user), user, true
}

// WebhookTester performs a single signed delivery.
type WebhookTester interface {
	Render(to webhook.Recipient, ev webhook.Event) (webhook.Delivery, error)
	Deliver(ctx context.Context, del webhook.Delivery) (int, error)
}

type WebhookTestResult struct {
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TestWebhook sends one webhook.test event synchronously, without retries.
func (s *UserService) TestWebhook(ctx context.Context, user *models.User, tester WebhookTester) (*WebhookTestResult, error) {
	to := s.Recipient(ctx, user)
	if to.URL == "" {
		return nil, fmt.Errorf("%w: no webhook configured", common.ErrInvalidRequest)
	}
	del, err := tester.Render(to, webhook.Test{Message: "webhook test from meetd"})
	if err != nil {
		return nil, err
	}
	status, err := tester.Deliver(ctx, del)
	res := &WebhookTestResult{Delivered: err == nil, StatusCode: status}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url must be an absolute http(s) url", common.ErrInvalidRequest)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
