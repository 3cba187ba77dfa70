package api

import (
	"net/http"
	"time"

	"meetd-backend/internal/availability"
	"meetd-backend/internal/models"
	"meetd-backend/internal/service"

	"github.com/go-chi/chi/v5"
)

type slotJSON struct {
	Start           time.Time `json:"start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes"`
}

// proposalResponse is the API view of a stored proposal. Addresses are
// reported as signed so clients can check the signature against them.
type proposalResponse struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	FromPubkey  string        `json:"from_pubkey"`
	To          string        `json:"to"`
	Slot        slotJSON      `json:"slot"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Status      models.Status `json:"status"`
	ExpiresAt   time.Time     `json:"expires_at"`
	CreatedAt   time.Time     `json:"created_at"`
	Signature   string        `json:"signature"`
}

func toProposalResponse(p *models.Proposal) proposalResponse {
	return proposalResponse{
		ID:          p.ID,
		From:        p.SignedFromEmail(),
		FromPubkey:  p.FromPubkey,
		To:          p.SignedToEmail(),
		Slot:        slotJSON{Start: p.SlotStart, DurationMinutes: p.DurationMinutes},
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   p.CreatedAt,
		Signature:   p.Signature,
	}
}

func toProposalList(ps []*models.Proposal) map[string][]proposalResponse {
	out := make([]proposalResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProposalResponse(p))
	}
	return map[string][]proposalResponse{"proposals": out}
}

// handleAvailability (POST /v1/availability)
func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WithEmail          string    `json:"with_email" validate:"omitempty,email"`
		Start              time.Time `json:"start" validate:"required"`
		End                time.Time `json:"end" validate:"required"`
		DurationMinutes    int       `json:"duration_minutes"`
		GranularityMinutes int       `json:"granularity_minutes" validate:"omitempty,gt=0,lte=1440"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	slots, err := h.availability.Find(r.Context(), userFrom(r), service.AvailabilityQuery{
		WithEmail:          req.WithEmail,
		Start:              req.Start,
		End:                req.End,
		DurationMinutes:    req.DurationMinutes,
		GranularityMinutes: req.GranularityMinutes,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string][]availability.Slot{"slots": slots})
}

// handleCreateProposal (POST /v1/proposals)
func (h *Handler) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To          string     `json:"to" validate:"required,email"`
		Slot        slotJSON   `json:"slot"`
		Title       string     `json:"title" validate:"max=200"`
		Description string     `json:"description" validate:"max=4000"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	out, err := h.proposals.Create(r.Context(), userFrom(r), service.CreateProposalInput{
		To:              req.To,
		SlotStart:       req.Slot.Start,
		DurationMinutes: req.Slot.DurationMinutes,
		Title:           req.Title,
		Description:     req.Description,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, struct {
		ProposalID     string    `json:"proposal_id"`
		SignedProposal string    `json:"signed_proposal"`
		AcceptLink     string    `json:"accept_link"`
		ShareURL       string    `json:"share_url,omitempty"`
		ExpiresAt      time.Time `json:"expires_at"`
	}{
		ProposalID:     out.Proposal.ID,
		SignedProposal: out.Signed,
		AcceptLink:     out.AcceptLink,
		ShareURL:       out.ShareURL,
		ExpiresAt:      out.Proposal.ExpiresAt,
	})
}

func (h *Handler) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.proposals.Get(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, toProposalResponse(p))
}

func (h *Handler) handleSentProposals(w http.ResponseWriter, r *http.Request) {
	ps, err := h.proposals.Sent(r.Context(), userFrom(r), models.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, toProposalList(ps))
}

// handleInbox (GET /v1/inbox?status=)
func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	ps, err := h.proposals.Inbox(r.Context(), userFrom(r), models.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, toProposalList(ps))
}

// handleInboxStream (GET /v1/inbox/stream) upgrades to a websocket.
func (h *Handler) handleInboxStream(w http.ResponseWriter, r *http.Request) {
	if err := h.stream.Serve(w, r, userFrom(r).ID); err != nil {
		// The upgrader has already answered the client.
		h.log.Warn(r.Context(), "inbox stream upgrade failed", "error", err)
	}
}

func (h *Handler) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.proposals.Accept(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, toProposalResponse(p))
}

func (h *Handler) handleDeclineProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.proposals.Decline(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, toProposalResponse(p))
}

type signedProposalRequest struct {
	SignedProposal string `json:"signed_proposal" validate:"required"`
}

// handleAcceptSigned (POST /v1/proposals/accept-signed)
func (h *Handler) handleAcceptSigned(w http.ResponseWriter, r *http.Request) {
	var req signedProposalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	p, err := h.proposals.AcceptSigned(r.Context(), userFrom(r), req.SignedProposal)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, toProposalResponse(p))
}

// handleVerifyProposal (POST /v1/proposals/verify) never consumes the nonce.
func (h *Handler) handleVerifyProposal(w http.ResponseWriter, r *http.Request) {
	var req signedProposalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.proposals.Verify(r.Context(), req.SignedProposal)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, res)
}

// handleAcceptLink (POST /accept/{token})
func (h *Handler) handleAcceptLink(w http.ResponseWriter, r *http.Request) {
	p, err := h.proposals.AcceptByLink(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"proposal_id": p.ID,
		"status":      string(p.Status),
	})
}
