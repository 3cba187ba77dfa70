package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetd-backend/internal/auth"
	"meetd-backend/internal/calendar"
	"meetd-backend/internal/common"
	"meetd-backend/internal/cryptox"
	"meetd-backend/internal/logging"
	"meetd-backend/internal/models"
	"meetd-backend/internal/repository"
	"meetd-backend/internal/signing"
	"meetd-backend/internal/webhook"

	"github.com/google/uuid"
)

const DefaultProposalLifetime = 7 * 24 * time.Hour

type ProposalOptions struct {
	// MaxLifetime bounds how far ahead expires_at may be. Nonce pruning
	// relies on it.
	MaxLifetime time.Duration
	// ServerURL prefixes accept links.
	ServerURL string
}

// ProposalDeps are the collaborators of ProposalService. Publisher may be
// nil, which disables share URLs.
type ProposalDeps struct {
	Store     repository.Store
	Users     *UserService
	Guard     *ReplayGuard
	Calendar  calendar.Provider
	Notifier  webhook.Notifier
	Links     *auth.LinkTokenService
	Publisher Publisher
}

// ProposalService runs the proposal state machine:
// pending -> accepted | declined | expired, all three terminal.
type ProposalService struct {
	ProposalDeps
	opts ProposalOptions
	log  logging.Logger
	now  func() time.Time
}

func NewProposalService(deps ProposalDeps, opts ProposalOptions, log logging.Logger) *ProposalService {
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultProposalLifetime
	}
	return &ProposalService{ProposalDeps: deps, opts: opts, log: log, now: time.Now}
}

type CreateProposalInput struct {
	To              string
	SlotStart       time.Time
	DurationMinutes int
	Title           string
	Description     string
	// ExpiresAt defaults to seven days from now, capped by MaxLifetime.
	ExpiresAt *time.Time
}

// CreatedProposal is returned once to the sender.
type CreatedProposal struct {
	Proposal   *models.Proposal
	Signed     string
	AcceptLink string
	ShareURL   string
}

// Create signs a new proposal with the sender's key and stores it pending.
func (s *ProposalService) Create(ctx context.Context, sender *models.User, in CreateProposalInput) (*CreatedProposal, error) {
	now := models.NormalizeTime(s.now())

	to := models.NormalizeEmail(in.To)
	if to == "" {
		return nil, fmt.Errorf("%w: recipient is required", common.ErrInvalidRequest)
	}
	if to == sender.Email {
		return nil, fmt.Errorf("%w: cannot propose a meeting to yourself", common.ErrInvalidRequest)
	}
	if in.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", common.ErrInvalidSlot)
	}
	slot := models.NormalizeTime(in.SlotStart)
	if !slot.After(now) {
		return nil, fmt.Errorf("%w: slot must start in the future", common.ErrInvalidSlot)
	}
	expires, err := s.expiry(now, in.ExpiresAt)
	if err != nil {
		return nil, err
	}

	priv, err := s.Users.SigningKey(sender)
	if err != nil {
		return nil, err
	}
	payload := signing.Payload{
		Version:         signing.CurrentVersion,
		FromEmail:       sender.Email,
		FromPubkey:      sender.PublicKey,
		ToEmail:         to,
		SlotStart:       slot,
		DurationMinutes: in.DurationMinutes,
		Title:           in.Title,
		Nonce:           uuid.NewString(),
		ExpiresAt:       expires,
	}
	sp, err := signing.Sign(payload, in.Description, priv)
	cryptox.Wipe(priv)
	if err != nil {
		return nil, err
	}

	suffix, err := cryptox.RandomHex(6)
	if err != nil {
		return nil, fmt.Errorf("generate proposal id: %w", err)
	}
	senderID := sender.ID
	p := &models.Proposal{
		ID:              "prop_" + suffix,
		Version:         sp.Version,
		FromUserID:      &senderID,
		FromEmail:       sp.From,
		FromPubkey:      sp.FromPubkey,
		ToEmail:         sp.To,
		SlotStart:       sp.Slot.Start,
		DurationMinutes: sp.Slot.DurationMinutes,
		Title:           sp.Title,
		Description:     sp.Description,
		Nonce:           sp.Nonce,
		ExpiresAt:       sp.ExpiresAt,
		Signature:       sp.Signature,
		SignedFrom:      sp.From,
		SignedTo:        sp.To,
		Status:          models.StatusPending,
		CreatedAt:       now,
	}
	if err := s.Guard.Admit(ctx, p, now); err != nil {
		return nil, err
	}
	s.log.Info(ctx, "proposal created", "proposal_id", p.ID, "from", p.FromEmail, "to", p.ToEmail)

	if rcpt, _, ok := s.Users.RecipientByEmail(ctx, p.ToEmail); ok {
		s.Notifier.Notify(ctx, rcpt, receivedEvent(p))
	}

	encoded, err := signing.Encode(sp)
	if err != nil {
		return nil, err
	}
	token, err := s.Links.NewAcceptToken(p.ID, p.ToEmail, p.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("accept link: %w", err)
	}
	out := &CreatedProposal{
		Proposal:   p,
		Signed:     encoded,
		AcceptLink: s.opts.ServerURL + "/accept/" + token,
	}
	if s.Publisher != nil {
		shareURL, err := s.Publisher.Publish(ctx, p.ID, []byte(encoded), p.ExpiresAt)
		if err != nil {
			s.log.Warn(ctx, "share signed proposal", "proposal_id", p.ID, "error", err)
		} else {
			out.ShareURL = shareURL
		}
	}
	return out, nil
}

func (s *ProposalService) expiry(now time.Time, requested *time.Time) (time.Time, error) {
	limit := now.Add(s.opts.MaxLifetime)
	if requested == nil {
		expires := now.Add(DefaultProposalLifetime)
		if expires.After(limit) {
			expires = limit
		}
		return expires, nil
	}
	expires := models.NormalizeTime(*requested)
	if !expires.After(now) {
		return time.Time{}, fmt.Errorf("%w: expiry must be in the future", common.ErrInvalidExpiry)
	}
	if expires.After(limit) {
		return time.Time{}, fmt.Errorf("%w: expiry exceeds the maximum lifetime of %s", common.ErrInvalidExpiry, s.opts.MaxLifetime)
	}
	return expires, nil
}

// Accept moves a pending proposal addressed to caller to accepted.
// Repeating an accept succeeds without side effects.
func (s *ProposalService) Accept(ctx context.Context, caller *models.User, id string) (*models.Proposal, error) {
	return s.respond(ctx, caller.Email, id, models.StatusAccepted)
}

func (s *ProposalService) Decline(ctx context.Context, caller *models.User, id string) (*models.Proposal, error) {
	return s.respond(ctx, caller.Email, id, models.StatusDeclined)
}

// AcceptByLink accepts on behalf of the recipient named in a link token.
// The recipient does not need an account.
func (s *ProposalService) AcceptByLink(ctx context.Context, token string) (*models.Proposal, error) {
	link, err := s.Links.ParseAcceptToken(token)
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, link.Email, link.ProposalID, models.StatusAccepted)
}

func (s *ProposalService) respond(ctx context.Context, recipient, id string, to models.Status) (*models.Proposal, error) {
	now := s.now()
	p, err := s.Store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ToEmail != models.NormalizeEmail(recipient) {
		return nil, fmt.Errorf("%w: only the recipient can respond to a proposal", common.ErrForbidden)
	}
	if p.Status == models.StatusPending && p.ExpiredAt(now) {
		s.expire(ctx, p, now)
		return nil, fmt.Errorf("%w: proposal has expired", common.ErrInvalidTransition)
	}

	changed, err := s.Store.TransitionProposal(ctx, id, to, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		cur, err := s.Store.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == to {
			return cur, nil
		}
		if cur.Status == models.StatusPending && cur.ExpiredAt(now) {
			s.expire(ctx, cur, now)
			return nil, fmt.Errorf("%w: proposal has expired", common.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("%w: proposal is already %s", common.ErrInvalidTransition, cur.Status)
	}

	p.Status = to
	s.log.Info(ctx, "proposal "+string(to), "proposal_id", p.ID)
	switch to {
	case models.StatusAccepted:
		s.onAccepted(ctx, p)
	case models.StatusDeclined:
		s.notifySender(ctx, p, webhook.ProposalDeclined{ProposalID: p.ID, From: p.FromEmail, To: p.ToEmail})
	}
	return p, nil
}

// onAccepted runs once per proposal, after the call that won the
// transition to accepted.
func (s *ProposalService) onAccepted(ctx context.Context, p *models.Proposal) {
	link := s.createEvents(ctx, p)
	s.notifySender(ctx, p, webhook.ProposalAccepted{
		ProposalID:   p.ID,
		From:         p.FromEmail,
		To:           p.ToEmail,
		Slot:         webhook.Slot{Start: p.SlotStart, DurationMinutes: p.DurationMinutes},
		Title:        p.Title,
		CalendarLink: link,
	})
}

// createEvents asks the calendar provider to book the meeting for every
// local party and returns the sender's event link when there is one.
func (s *ProposalService) createEvents(ctx context.Context, p *models.Proposal) string {
	req := calendar.EventRequest{
		ProposalID:  p.ID,
		Title:       p.Title,
		Description: p.Description,
		Start:       p.SlotStart,
		End:         p.SlotEnd(),
		Attendees:   []string{p.FromEmail, p.ToEmail},
	}

	var parties []*models.User
	if p.FromUserID != nil {
		if u, err := s.Users.GetUserByID(ctx, *p.FromUserID); err == nil {
			parties = append(parties, u)
		}
	}
	if u, err := s.Users.GetUserByEmail(ctx, p.ToEmail); err == nil {
		parties = append(parties, u)
	}

	var link string
	for _, u := range parties {
		ev, err := s.Calendar.CreateEvent(ctx, u, req)
		if err != nil {
			s.log.Error(ctx, "create calendar event", "proposal_id", p.ID, "user_id", u.ID, "error", err)
			continue
		}
		if link == "" {
			link = ev.Link
		}
	}
	return link
}

// expire moves p to expired and tells both parties, unless another caller
// got there first.
func (s *ProposalService) expire(ctx context.Context, p *models.Proposal, now time.Time) {
	changed, err := s.Store.TransitionProposal(ctx, p.ID, models.StatusExpired, now)
	if err != nil {
		s.log.Error(ctx, "expire proposal", "proposal_id", p.ID, "error", err)
		return
	}
	if changed {
		p.Status = models.StatusExpired
		s.notifyExpired(ctx, p)
		return
	}
	if cur, err := s.Store.GetProposal(ctx, p.ID); err == nil {
		p.Status = cur.Status
	}
}

func (s *ProposalService) notifyExpired(ctx context.Context, p *models.Proposal) {
	ev := webhook.ProposalExpired{ProposalID: p.ID, From: p.FromEmail, To: p.ToEmail}
	s.notifySender(ctx, p, ev)
	if rcpt, _, ok := s.Users.RecipientByEmail(ctx, p.ToEmail); ok {
		s.Notifier.Notify(ctx, rcpt, ev)
	}
}

func (s *ProposalService) notifySender(ctx context.Context, p *models.Proposal, ev webhook.Event) {
	if p.FromUserID == nil {
		return
	}
	sender, err := s.Users.GetUserByID(ctx, *p.FromUserID)
	if err != nil {
		s.log.Error(ctx, "lookup proposal sender", "proposal_id", p.ID, "error", err)
		return
	}
	s.Notifier.Notify(ctx, s.Users.Recipient(ctx, sender), ev)
}

func receivedEvent(p *models.Proposal) webhook.ProposalReceived {
	return webhook.ProposalReceived{
		ProposalID: p.ID,
		From:       p.FromEmail,
		FromPubkey: p.FromPubkey,
		To:         p.ToEmail,
		Slot:       webhook.Slot{Start: p.SlotStart, DurationMinutes: p.DurationMinutes},
		Title:      p.Title,
		ExpiresAt:  p.ExpiresAt,
		Signature:  p.Signature,
	}
}

// AcceptSigned materializes a signed proposal received out of band and
// accepts it in one step. The signature, the sender's published key, the
// nonce and the expiry are all checked first; any failure rejects the
// payload for good.
func (s *ProposalService) AcceptSigned(ctx context.Context, caller *models.User, encoded string) (*models.Proposal, error) {
	sp, err := signing.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if models.NormalizeEmail(sp.To) != caller.Email {
		return nil, fmt.Errorf("%w: signed proposal is addressed to someone else", common.ErrForbidden)
	}

	sender, err := s.checkSigned(ctx, sp)
	if err != nil {
		if errors.Is(err, common.ErrSignatureInvalid) {
			s.log.Warn(ctx, "signed proposal rejected", "from", sp.From, "reason", "signature", "error", err)
		}
		return nil, err
	}

	now := models.NormalizeTime(s.now())
	if sp.Slot.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", common.ErrInvalidSlot)
	}
	if !sp.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: signed proposal has expired", common.ErrInvalidExpiry)
	}
	if sp.ExpiresAt.After(now.Add(s.opts.MaxLifetime)) {
		return nil, fmt.Errorf("%w: expiry exceeds the maximum lifetime of %s", common.ErrInvalidExpiry, s.opts.MaxLifetime)
	}

	suffix, err := cryptox.RandomHex(6)
	if err != nil {
		return nil, fmt.Errorf("generate proposal id: %w", err)
	}
	p := &models.Proposal{
		ID:              "prop_" + suffix,
		Version:         sp.Version,
		FromEmail:       models.NormalizeEmail(sp.From),
		FromPubkey:      sp.FromPubkey,
		ToEmail:         caller.Email,
		SlotStart:       models.NormalizeTime(sp.Slot.Start),
		DurationMinutes: sp.Slot.DurationMinutes,
		Title:           sp.Title,
		Description:     sp.Description,
		Nonce:           sp.Nonce,
		ExpiresAt:       models.NormalizeTime(sp.ExpiresAt),
		Signature:       sp.Signature,
		SignedFrom:      sp.From,
		SignedTo:        sp.To,
		Status:          models.StatusAccepted,
		CreatedAt:       now,
	}
	if sender != nil {
		id := sender.ID
		p.FromUserID = &id
	}
	if err := s.Guard.Admit(ctx, p, now); err != nil {
		if errors.Is(err, common.ErrReplayDetected) {
			s.log.Warn(ctx, "signed proposal rejected", "from", sp.From, "reason", "replay", "nonce", sp.Nonce)
		}
		return nil, err
	}
	s.log.Info(ctx, "signed proposal accepted", "proposal_id", p.ID, "from", p.FromEmail)

	s.onAccepted(ctx, p)
	return p, nil
}

// checkSigned verifies the signature and, for a local sender, that the
// embedded key is the one we published. It returns the local sender or nil.
func (s *ProposalService) checkSigned(ctx context.Context, sp signing.SignedProposal) (*models.User, error) {
	if err := signing.Verify(sp); err != nil {
		return nil, err
	}
	sender, err := s.Users.GetUserByEmail(ctx, sp.From)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sender.PublicKey != sp.FromPubkey {
		return nil, fmt.Errorf("%w: key does not match the sender's published key", common.ErrSignatureInvalid)
	}
	return sender, nil
}

// VerifyResult reports on a signed proposal without consuming its nonce.
type VerifyResult struct {
	Valid    bool                    `json:"valid"`
	Proposal *signing.SignedProposal `json:"proposal,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Verify checks a signed proposal and has no side effects.
func (s *ProposalService) Verify(ctx context.Context, encoded string) (*VerifyResult, error) {
	sp, err := signing.Decode(encoded)
	if err != nil {
		return &VerifyResult{Error: err.Error()}, nil
	}
	if _, err := s.checkSigned(ctx, sp); err != nil {
		if errors.Is(err, common.ErrStorage) {
			return nil, err
		}
		return &VerifyResult{Proposal: &sp, Error: err.Error()}, nil
	}
	return &VerifyResult{Valid: true, Proposal: &sp}, nil
}

// Get returns a proposal to its sender or recipient. A pending proposal
// past its expiry is expired before it is returned.
func (s *ProposalService) Get(ctx context.Context, caller *models.User, id string) (*models.Proposal, error) {
	p, err := s.Store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Involves(caller.Email) {
		return nil, fmt.Errorf("%w: not a party to this proposal", common.ErrForbidden)
	}
	s.settle(ctx, p, s.now())
	return p, nil
}

// Inbox lists proposals addressed to caller, newest first.
func (s *ProposalService) Inbox(ctx context.Context, caller *models.User, status models.Status) ([]*models.Proposal, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrInvalidRequest, status)
	}
	expired, err := s.Store.ExpireProposals(ctx, s.now(), caller.Email)
	if err != nil {
		return nil, err
	}
	for _, p := range expired {
		s.notifyExpired(ctx, p)
	}
	return s.Store.ListProposalsTo(ctx, caller.Email, status)
}

// Sent lists proposals caller created, newest first.
func (s *ProposalService) Sent(ctx context.Context, caller *models.User, status models.Status) ([]*models.Proposal, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrInvalidRequest, status)
	}
	now := s.now()
	ps, err := s.Store.ListProposalsFrom(ctx, caller.ID, "")
	if err != nil {
		return nil, err
	}
	out := make([]*models.Proposal, 0, len(ps))
	for _, p := range ps {
		s.settle(ctx, p, now)
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *ProposalService) settle(ctx context.Context, p *models.Proposal, now time.Time) {
	if p.Status == models.StatusPending && p.ExpiredAt(now) {
		s.expire(ctx, p, now)
	}
}

// ExpireDue expires every pending proposal past its expiry.
func (s *ProposalService) ExpireDue(ctx context.Context) (int, error) {
	expired, err := s.Store.ExpireProposals(ctx, s.now(), "")
	if err != nil {
		return 0, err
	}
	for _, p := range expired {
		s.notifyExpired(ctx, p)
	}
	return len(expired), nil
}

// RunSweeper calls ExpireDue every interval until ctx is done.
func (s *ProposalService) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.ExpireDue(ctx)
			if err != nil {
				s.log.Error(ctx, "expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info(ctx, "proposals expired", "count", n)
			}
		}
	}
}
