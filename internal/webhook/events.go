// Package webhook delivers signed event notifications to user endpoints.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventProposalReceived EventType = "proposal.received"
	EventProposalAccepted EventType = "proposal.accepted"
	EventProposalDeclined EventType = "proposal.declined"
	EventProposalExpired  EventType = "proposal.expired"
	EventTest             EventType = "webhook.test"
)

// Event is a closed union. Only the payload types below implement it.
type Event interface {
	Type() EventType
	isEvent()
}

type Slot struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

// ProposalReceived goes to the recipient of a new proposal.
type ProposalReceived struct {
	ProposalID string    `json:"proposal_id"`
	From       string    `json:"from"`
	FromPubkey string    `json:"from_pubkey"`
	To         string    `json:"to"`
	Slot       Slot      `json:"slot"`
	Title      string    `json:"title,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Signature  string    `json:"signature"`
}

// ProposalAccepted goes to the sender.
type ProposalAccepted struct {
	ProposalID   string `json:"proposal_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Slot         Slot   `json:"slot"`
	Title        string `json:"title,omitempty"`
	CalendarLink string `json:"calendar_link,omitempty"`
}

type ProposalDeclined struct {
	ProposalID string `json:"proposal_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// ProposalExpired goes to both parties.
type ProposalExpired struct {
	ProposalID string `json:"proposal_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// Test is sent on demand to check an endpoint.
type Test struct {
	Message string `json:"message"`
}

func (ProposalReceived) Type() EventType { return EventProposalReceived }
func (ProposalAccepted) Type() EventType { return EventProposalAccepted }
func (ProposalDeclined) Type() EventType { return EventProposalDeclined }
func (ProposalExpired) Type() EventType  { return EventProposalExpired }
func (Test) Type() EventType             { return EventTest }

func (ProposalReceived) isEvent() {}
func (ProposalAccepted) isEvent() {}
func (ProposalDeclined) isEvent() {}
func (ProposalExpired) isEvent()  {}
func (Test) isEvent()             {}

// Envelope is the delivered JSON body.
type Envelope struct {
	Event     EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

func NewEnvelope(ev Event, now time.Time) Envelope {
	return Envelope{Event: ev.Type(), Timestamp: now.UTC().Truncate(time.Second), Data: ev}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Recipient identifies who an event is for and where to deliver it.
// An empty URL means the user has no webhook configured.
type Recipient struct {
	UserID uuid.UUID
	Email  string
	URL    string
	Secret []byte
}
