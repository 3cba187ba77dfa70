package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	origins := h.opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", registrationSecretHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.handleHealth)

	// One-click accept links carry their own signed token.
	r.Post("/accept/{token}", h.handleAcceptLink)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.With(h.AuthMiddleware).Post("/key/rotate", h.handleRotateKey)
	})

	r.Route("/v1", func(r chi.Router) {
		// Public: remote agents verify signatures without an account here.
		r.Get("/agent/pubkey/{email}", h.handleGetPublicKey)
		r.Post("/proposals/verify", h.handleVerifyProposal)

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Get("/config", h.handleGetConfig)
			r.Patch("/config", h.handleUpdateConfig)

			r.Post("/webhooks", h.handleSetWebhook)
			r.Delete("/webhooks", h.handleClearWebhook)
			r.Post("/webhooks/test", h.handleTestWebhook)

			r.Post("/availability", h.handleAvailability)

			r.Post("/proposals", h.handleCreateProposal)
			r.Get("/proposals/sent", h.handleSentProposals)
			r.Post("/proposals/accept-signed", h.handleAcceptSigned)
			r.Get("/proposals/{id}", h.handleGetProposal)
			r.Post("/proposals/{id}/accept", h.handleAcceptProposal)
			r.Post("/proposals/{id}/decline", h.handleDeclineProposal)

			r.Get("/inbox", h.handleInbox)
			r.Get("/inbox/stream", h.handleInboxStream)
		})
	})

	return r
}
