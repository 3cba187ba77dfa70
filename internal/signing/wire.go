package signing

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"meetd-backend/internal/common"
)

type Slot struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

// SignedProposal is the transport form of a proposal exchanged between
// agents. Description travels alongside but is not covered by Signature.
type SignedProposal struct {
	Version     int       `json:"version"`
	From        string    `json:"from"`
	FromPubkey  string    `json:"from_pubkey"`
	To          string    `json:"to"`
	Slot        Slot      `json:"slot"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Nonce       string    `json:"nonce"`
	ExpiresAt   time.Time `json:"expires_at"`
	Signature   string    `json:"signature"`
}

// Payload extracts the signed portion. Emails are taken verbatim so the
// bytes match what the sender signed.
func (sp SignedProposal) Payload() Payload {
	return Payload{
		Version:         sp.Version,
		FromEmail:       sp.From,
		FromPubkey:      sp.FromPubkey,
		ToEmail:         sp.To,
		SlotStart:       sp.Slot.Start,
		DurationMinutes: sp.Slot.DurationMinutes,
		Title:           sp.Title,
		Nonce:           sp.Nonce,
		ExpiresAt:       sp.ExpiresAt,
	}
}

// Encode returns the base64 JSON form handed to recipients.
func Encode(sp SignedProposal) (string, error) {
	b, err := json.Marshal(sp)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses the base64 JSON form. Both standard and URL-safe alphabets
// are accepted, with or without padding.
func Decode(s string) (SignedProposal, error) {
	raw, err := decodeBase64(strings.TrimSpace(s))
	if err != nil {
		return SignedProposal{}, fmt.Errorf("%w: signed proposal is not valid base64", common.ErrInvalidRequest)
	}

	var sp SignedProposal
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sp); err != nil {
		return SignedProposal{}, fmt.Errorf("%w: signed proposal json: %v", common.ErrInvalidRequest, err)
	}
	if err := sp.validate(); err != nil {
		return SignedProposal{}, err
	}
	return sp, nil
}

func (sp SignedProposal) validate() error {
	var missing []string
	if sp.From == "" {
		missing = append(missing, "from")
	}
	if sp.FromPubkey == "" {
		missing = append(missing, "from_pubkey")
	}
	if sp.To == "" {
		missing = append(missing, "to")
	}
	if sp.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if sp.Signature == "" {
		missing = append(missing, "signature")
	}
	if sp.Slot.Start.IsZero() {
		missing = append(missing, "slot.start")
	}
	if sp.ExpiresAt.IsZero() {
		missing = append(missing, "expires_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: signed proposal missing %s", common.ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.Strict().DecodeString(s)
		if err == nil && enc.EncodeToString(b) == s {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}
