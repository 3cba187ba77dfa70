package api

import (
	"crypto/subtle"
	"net/http"

	"meetd-backend/internal/models"
	"meetd-backend/internal/service"

	"github.com/go-chi/chi/v5"
)

const registrationSecretHeader = "X-Registration-Secret"

// handleRegister (POST /auth/register) is called by the login flow once the
// user has completed OAuth with their calendar provider.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	secret := h.opts.RegistrationSecret
	given := r.Header.Get(registrationSecretHeader)
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(given)) != 1 {
		h.respondWithError(w, http.StatusForbidden, "registration is not permitted")
		return
	}

	var req struct {
		Email        string `json:"email" validate:"required,email"`
		RefreshToken string `json:"refresh_token"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	reg, err := h.users.Register(r.Context(), req.Email, req.RefreshToken)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	code := http.StatusOK
	if reg.Created {
		code = http.StatusCreated
	}
	h.respondWithJSON(w, code, map[string]string{
		"user_id": reg.User.ID.String(),
		"api_key": reg.APIKey,
	})
}

// handleRotateKey (POST /auth/key/rotate)
func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	apiKey, err := h.users.IssueCredential(r.Context(), userFrom(r).ID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

// handleGetPublicKey (GET /v1/agent/pubkey/{email})
func (h *Handler) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	email := models.NormalizeEmail(chi.URLParam(r, "email"))
	key, err := h.users.PublicKey(r.Context(), email)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"email":      email,
		"public_key": key,
	})
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.users.Config(userFrom(r)))
}

type configResponse struct {
	service.UserConfig
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// handleUpdateConfig (PATCH /v1/config)
func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility *string `json:"visibility" validate:"omitempty,oneof=busy_only masked full"`
		WebhookURL *string `json:"webhook_url" validate:"omitempty,url"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var upd service.ConfigUpdate
	if req.Visibility != nil {
		v := models.Visibility(*req.Visibility)
		upd.Visibility = &v
	}
	upd.WebhookURL = req.WebhookURL

	cfg, secret, err := h.users.UpdateConfig(r.Context(), userFrom(r), upd)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, configResponse{UserConfig: cfg, WebhookSecret: secret})
}

// handleSetWebhook (POST /v1/webhooks) always issues a new secret.
func (h *Handler) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url" validate:"required,url"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	secret, err := h.users.SetWebhook(r.Context(), userFrom(r), req.URL)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"webhook_url":    req.URL,
		"webhook_secret": secret,
	})
}

func (h *Handler) handleClearWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.users.ClearWebhook(r.Context(), userFrom(r)); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestWebhook (POST /v1/webhooks/test) delivers once, synchronously.
func (h *Handler) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := h.users.TestWebhook(r.Context(), userFrom(r), h.webhooks)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res)
}
