package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetd-backend/internal/availability"
	"meetd-backend/internal/calendar"
	"meetd-backend/internal/common"
	"meetd-backend/internal/models"
	"meetd-backend/internal/repository"
)

type AvailabilityOptions struct {
	Location     *time.Location
	Granularity  time.Duration
	MinLead      time.Duration
	MaxHorizon   time.Duration
	WorkdayStart int
	WorkdayEnd   int
	// Limit caps the number of returned slots. Zero means no cap.
	Limit int
}

// AvailabilityService feeds calendar busy time into the slot scorer.
type AvailabilityService struct {
	users    repository.UserStore
	calendar calendar.Provider
	opts     AvailabilityOptions
	now      func() time.Time
}

func NewAvailabilityService(users repository.UserStore, cal calendar.Provider, opts AvailabilityOptions) *AvailabilityService {
	return &AvailabilityService{users: users, calendar: cal, opts: opts, now: time.Now}
}

type AvailabilityQuery struct {
	// WithEmail optionally names the counterparty. Only local users
	// contribute busy time.
	WithEmail          string
	Start              time.Time
	End                time.Time
	DurationMinutes    int
	GranularityMinutes int
}

// Find returns the best mutually free slots, best first.
func (s *AvailabilityService) Find(ctx context.Context, caller *models.User, q AvailabilityQuery) ([]availability.Slot, error) {
	if q.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", common.ErrInvalidDuration)
	}
	if !q.End.After(q.Start) {
		return nil, fmt.Errorf("%w: end must be after start", common.ErrInvalidRequest)
	}

	now := s.now()
	window := availability.Interval{Start: q.Start.UTC(), End: q.End.UTC()}
	if s.opts.MaxHorizon > 0 {
		if horizon := now.Add(s.opts.MaxHorizon); window.End.After(horizon) {
			window.End = horizon
		}
	}

	busyA, err := s.calendar.BusyPeriods(ctx, caller, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	var busyB []availability.Interval
	if q.WithEmail != "" {
		other, err := s.users.GetUserByEmail(ctx, models.NormalizeEmail(q.WithEmail))
		switch {
		case err == nil:
			if busyB, err = s.calendar.BusyPeriods(ctx, other, window.Start, window.End); err != nil {
				return nil, err
			}
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}

	opts := availability.Options{
		Granularity:  s.opts.Granularity,
		Location:     s.opts.Location,
		WorkdayStart: s.opts.WorkdayStart,
		WorkdayEnd:   s.opts.WorkdayEnd,
		MinLead:      s.opts.MinLead,
		MaxHorizon:   s.opts.MaxHorizon,
		Now:          now,
	}
	if q.GranularityMinutes > 0 {
		opts.Granularity = time.Duration(q.GranularityMinutes) * time.Minute
	}

	slots, err := availability.FindSlots(busyA, busyB, time.Duration(q.DurationMinutes)*time.Minute, window, opts)
	if err != nil {
		return nil, err
	}
	if s.opts.Limit > 0 && len(slots) > s.opts.Limit {
		slots = slots[:s.opts.Limit]
	}
	return slots, nil
}
