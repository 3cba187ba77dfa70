// Package calendar is the boundary to a user's calendar provider.
package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meetd-backend/internal/availability"
	"meetd-backend/internal/common"
	"meetd-backend/internal/models"
)

// EventRequest describes the meeting created when a proposal is accepted.
type EventRequest struct {
	ProposalID  string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// Event is a created calendar entry.
type Event struct {
	ID        string    `json:"id"`
	Link      string    `json:"link"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Organizer string    `json:"organizer"`
}

// Provider reads busy time and creates events. Implementations wrap
// upstream failures in common.ErrCalendarUnavailable.
type Provider interface {
	BusyPeriods(ctx context.Context, user *models.User, start, end time.Time) ([]availability.Interval, error)
	CreateEvent(ctx context.Context, user *models.User, req EventRequest) (*Event, error)
}

// Static is an in-process provider. Busy periods are configured per email
// and created events are kept in memory.
type Static struct {
	// BaseURL prefixes synthetic event links.
	BaseURL string

	mu      sync.Mutex
	err     error
	busy    map[string][]availability.Interval
	created []Event
}

func NewStatic(baseURL string) *Static {
	return &Static{BaseURL: baseURL, busy: make(map[string][]availability.Interval)}
}

// SetErr makes every later call fail with err wrapped as unavailable.
// A nil err restores normal operation.
func (s *Static) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetBusy replaces the busy periods reported for email.
func (s *Static) SetBusy(email string, busy ...availability.Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[models.NormalizeEmail(email)] = append([]availability.Interval(nil), busy...)
}

func (s *Static) BusyPeriods(ctx context.Context, user *models.User, start, end time.Time) ([]availability.Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, fmt.Errorf("busy periods: %w: %w", common.ErrCalendarUnavailable, s.err)
	}

	var out []availability.Interval
	for _, iv := range s.busy[user.Email] {
		if iv.End.After(start) && iv.Start.Before(end) {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Static) CreateEvent(ctx context.Context, user *models.User, req EventRequest) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, fmt.Errorf("create event: %w: %w", common.ErrCalendarUnavailable, s.err)
	}

	ev := Event{
		ID:        fmt.Sprintf("%s-%d", req.ProposalID, len(s.created)+1),
		Start:     req.Start,
		End:       req.End,
		Organizer: user.Email,
	}
	ev.Link = fmt.Sprintf("%s/events/%s", s.BaseURL, ev.ID)
	s.created = append(s.created, ev)
	return &ev, nil
}

// Created returns the events created so far, oldest first.
func (s *Static) Created() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.created...)
}
