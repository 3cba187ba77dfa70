package models

import (
	"strings"
	"time"

	"meetd-backend/internal/cryptox"

	"github.com/google/uuid"
)

// Visibility controls how much calendar detail a user exposes to counterparties.
type Visibility string

const (
	VisibilityBusyOnly Visibility = "busy_only"
	VisibilityMasked   Visibility = "masked"
	VisibilityFull     Visibility = "full"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityBusyOnly, VisibilityMasked, VisibilityFull:
		return true
	}
	return false
}

// Status of a proposal. Everything except StatusPending is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusDeclined || s == StatusExpired
}

// User is a registered principal. Secrets are sealed and never serialized.
type User struct {
	ID             uuid.UUID      `json:"id"`
	Email          string         `json:"email"`
	RefreshToken   cryptox.Sealed `json:"-"`
	PublicKey      string         `json:"public_key"`
	PrivateKey     cryptox.Sealed `json:"-"`
	CredentialHash string         `json:"-"`
	Visibility     Visibility     `json:"visibility"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	WebhookSecret  cryptox.Sealed `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Clone returns a copy that shares no mutable state with u.
func (u *User) Clone() *User {
	c := *u
	c.RefreshToken = u.RefreshToken.Clone()
	c.PrivateKey = u.PrivateKey.Clone()
	c.WebhookSecret = u.WebhookSecret.Clone()
	return &c
}

// Proposal is a signed offer to meet. FromUserID is nil when the sender is
// not a local user (proposals materialized from accept-signed).
//
// FromEmail and ToEmail are normalized for lookups and access checks.
// SignedFrom and SignedTo keep the addresses byte for byte as the sender
// signed them.
type Proposal struct {
	ID              string     `json:"id"`
	Version         int        `json:"version"`
	FromUserID      *uuid.UUID `json:"from_user_id,omitempty"`
	FromEmail       string     `json:"from"`
	FromPubkey      string     `json:"from_pubkey"`
	ToEmail         string     `json:"to"`
	SlotStart       time.Time  `json:"slot_start"`
	DurationMinutes int        `json:"duration_minutes"`
	Title           string     `json:"title,omitempty"`
	Description     string     `json:"description,omitempty"`
	Nonce           string     `json:"nonce"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Signature       string     `json:"signature"`
	SignedFrom      string     `json:"-"`
	SignedTo        string     `json:"-"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (p *Proposal) Clone() *Proposal {
	c := *p
	if p.FromUserID != nil {
		id := *p.FromUserID
		c.FromUserID = &id
	}
	return &c
}

// SignedFromEmail is the sender address covered by the signature.
func (p *Proposal) SignedFromEmail() string {
	if p.SignedFrom != "" {
		return p.SignedFrom
	}
	return p.FromEmail
}

// SignedToEmail is the recipient address covered by the signature.
func (p *Proposal) SignedToEmail() string {
	if p.SignedTo != "" {
		return p.SignedTo
	}
	return p.ToEmail
}

func (p *Proposal) SlotEnd() time.Time {
	return p.SlotStart.Add(time.Duration(p.DurationMinutes) * time.Minute)
}

// ExpiredAt reports whether a pending proposal is past its expiry at now.
func (p *Proposal) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Involves reports whether email is the sender or the recipient.
func (p *Proposal) Involves(email string) bool {
	email = NormalizeEmail(email)
	return p.FromEmail == email || p.ToEmail == email
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeTime drops the monotonic reading and sub-second precision and
// moves t to UTC. Every timestamp is stored in this form.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
