package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"meetd-backend/internal/common"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Streamer upgrades a request to a live event stream for one user.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error
}

type Options struct {
	// RegistrationSecret guards /auth/register. Empty disables registration.
	RegistrationSecret string
	CORSAllowedOrigins []string
}

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	users        *service.UserService
	proposals    *service.ProposalService
	availability *service.AvailabilityService
	webhooks     service.WebhookTester
	stream       Streamer
	opts         Options
	validate     *validator.Validate
	log          logging.Logger
}

func NewHandler(
	users *service.UserService,
	proposals *service.ProposalService,
	availability *service.AvailabilityService,
	webhooks service.WebhookTester,
	stream Streamer,
	opts Options,
	log logging.Logger,
) *Handler {
	return &Handler{
		users:        users,
		proposals:    proposals,
		availability: availability,
		webhooks:     webhooks,
		stream:       stream,
		opts:         opts,
		validate:     validator.New(),
		log:          log,
	}
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{"error": message})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.log.Error(context.Background(), "encode response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithServiceError maps domain errors to status codes. Upstream and
// unexpected failures are logged and answered with a generic message.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	switch code {
	case http.StatusInternalServerError:
		h.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		h.respondWithError(w, code, "internal error")
	case http.StatusServiceUnavailable:
		h.log.Error(r.Context(), "storage failure", "path", r.URL.Path, "error", err)
		h.respondWithError(w, code, "storage unavailable")
	case http.StatusBadGateway:
		h.log.Warn(r.Context(), "calendar failure", "path", r.URL.Path, "error", err)
		h.respondWithError(w, code, "calendar unavailable")
	default:
		h.respondWithError(w, code, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidSlot),
		errors.Is(err, common.ErrInvalidDuration),
		errors.Is(err, common.ErrInvalidExpiry),
		errors.Is(err, common.ErrInvalidRequest),
		errors.Is(err, common.ErrSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrReplayDetected),
		errors.Is(err, common.ErrNonceUsed),
		errors.Is(err, common.ErrInvalidTransition),
		errors.Is(err, common.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, common.ErrCalendarUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, common.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeAndValidate reads a JSON body into dst and runs the validator on it.
// It writes the 400 response itself and reports whether to continue.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
