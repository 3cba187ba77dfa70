// Package signing turns proposals into canonical byte strings, signs them
// with the sender's Ed25519 key and verifies them on ingestion.
package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"meetd-backend/internal/common"
)

// CurrentVersion is the only payload version this server signs or accepts.
const CurrentVersion = 1

// TimeLayout is the canonical timestamp form: UTC, second precision.
const TimeLayout = "2006-01-02T15:04:05Z"

// Payload is the exact set of fields covered by a proposal signature.
type Payload struct {
	Version         int
	FromEmail       string
	FromPubkey      string
	ToEmail         string
	SlotStart       time.Time
	DurationMinutes int
	Title           string
	Nonce           string
	ExpiresAt       time.Time
}

// canonicalPayload fixes the serialized field order.
type canonicalPayload struct {
	Version         int    `json:"version"`
	FromEmail       string `json:"from_email"`
	FromPubkey      string `json:"from_pubkey"`
	ToEmail         string `json:"to_email"`
	SlotStart       string `json:"slot_start"`
	DurationMinutes int    `json:"duration_minutes"`
	Title           string `json:"title"`
	Nonce           string `json:"nonce"`
	ExpiresAt       string `json:"expires_at"`
}

// Canonical returns the deterministic compact JSON encoding of p.
func (p Payload) Canonical() ([]byte, error) {
	return json.Marshal(canonicalPayload{
		Version:         p.Version,
		FromEmail:       p.FromEmail,
		FromPubkey:      p.FromPubkey,
		ToEmail:         p.ToEmail,
		SlotStart:       formatTime(p.SlotStart),
		DurationMinutes: p.DurationMinutes,
		Title:           p.Title,
		Nonce:           p.Nonce,
		ExpiresAt:       formatTime(p.ExpiresAt),
	})
}

// ParseCanonical is the inverse of Canonical. Unknown fields and trailing
// data are rejected.
func ParseCanonical(b []byte) (Payload, error) {
	var c canonicalPayload
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Payload{}, fmt.Errorf("%w: canonical payload: %v", common.ErrInvalidRequest, err)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data after canonical payload", common.ErrInvalidRequest)
	}

	start, err := time.Parse(TimeLayout, c.SlotStart)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: slot_start: %v", common.ErrInvalidRequest, err)
	}
	expires, err := time.Parse(TimeLayout, c.ExpiresAt)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: expires_at: %v", common.ErrInvalidRequest, err)
	}

	return Payload{
		Version:         c.Version,
		FromEmail:       c.FromEmail,
		FromPubkey:      c.FromPubkey,
		ToEmail:         c.ToEmail,
		SlotStart:       start,
		DurationMinutes: c.DurationMinutes,
		Title:           c.Title,
		Nonce:           c.Nonce,
		ExpiresAt:       expires,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}
