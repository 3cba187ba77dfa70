// Package availability turns busy calendars into ranked meeting slots.
// Everything here is pure and safe for concurrent use.
package availability

import (
	"math"
	"sort"
	"time"

	"meetd-backend/internal/common"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Empty() bool {
	return !i.End.After(i.Start)
}

// Slot is a scored candidate meeting time.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Score float64   `json:"score"`
}

type Options struct {
	// Granularity is the step between candidate starts. Candidates start on
	// multiples of it, which for divisors of an hour means hour-aligned.
	Granularity time.Duration
	// Location is the zone working hours and weekdays are judged in.
	Location     *time.Location
	WorkdayStart int
	WorkdayEnd   int
	// MinLead and MaxHorizon bound the preferred distance from Now.
	MinLead    time.Duration
	MaxHorizon time.Duration
	Now        time.Time
}

const (
	DefaultGranularity = 30 * time.Minute

	weightWorkHours = 0.40
	weightWeekday   = 0.20
	weightLead      = 0.25
	weightAlignment = 0.15
)

func DefaultOptions(now time.Time) Options {
	return Options{
		Granularity:  DefaultGranularity,
		Location:     time.UTC,
		WorkdayStart: 9,
		WorkdayEnd:   17,
		MinLead:      4 * time.Hour,
		MaxHorizon:   14 * 24 * time.Hour,
		Now:          now,
	}
}

func (o Options) withDefaults() Options {
	if o.Granularity <= 0 {
		o.Granularity = DefaultGranularity
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.WorkdayEnd <= o.WorkdayStart {
		o.WorkdayStart, o.WorkdayEnd = 9, 17
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// FindSlots returns every candidate of the given duration that fits in the
// window and overlaps no busy interval of either party, best first.
// Ties keep the earliest start first.
func FindSlots(busyA, busyB []Interval, duration time.Duration, window Interval, opts Options) ([]Slot, error) {
	if duration <= 0 {
		return nil, common.ErrInvalidDuration
	}
	opts = opts.withDefaults()

	if window.Start.Before(opts.Now) {
		window.Start = opts.Now
	}
	slots := []Slot{}
	if window.Empty() {
		return slots, nil
	}

	busy := MergeBusy(busyA, busyB)
	for _, free := range FreeIntervals(busy, window) {
		for t := alignUp(free.Start, opts.Granularity, opts.Location); !t.Add(duration).After(free.End); t = t.Add(opts.Granularity) {
			slots = append(slots, Slot{
				Start: t.UTC(),
				End:   t.Add(duration).UTC(),
				Score: Score(t, duration, opts),
			})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Score != slots[j].Score {
			return slots[i].Score > slots[j].Score
		}
		return slots[i].Start.Before(slots[j].Start)
	})
	return slots, nil
}

// MergeBusy unions any number of busy lists into a sorted list of disjoint
// intervals. Overlapping and touching intervals are coalesced; empty ones
// are dropped.
func MergeBusy(lists ...[]Interval) []Interval {
	var all []Interval
	for _, l := range lists {
		for _, iv := range l {
			if !iv.Empty() {
				all = append(all, iv)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })

	merged := make([]Interval, 0, len(all))
	for _, iv := range all {
		n := len(merged)
		if n > 0 && !iv.Start.After(merged[n-1].End) {
			if iv.End.After(merged[n-1].End) {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// FreeIntervals is the complement of a merged busy list within window.
func FreeIntervals(busy []Interval, window Interval) []Interval {
	var free []Interval
	cursor := window.Start
	for _, b := range busy {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) {
			free = append(free, Interval{Start: cursor, End: b.Start})
		}
		cursor = b.End
	}
	if window.End.After(cursor) {
		free = append(free, Interval{Start: cursor, End: window.End})
	}
	return free
}

// Score rates a candidate in [0,1]. Higher is better.
func Score(start time.Time, duration time.Duration, opts Options) float64 {
	opts = opts.withDefaults()
	local := start.In(opts.Location)

	s := weightWorkHours*workHoursScore(local, duration, opts) +
		weightWeekday*weekdayScore(local) +
		weightLead*leadScore(start.Sub(opts.Now), opts) +
		weightAlignment*alignmentScore(local)

	s = math.Round(s*1e4) / 1e4
	return math.Max(0, math.Min(1, s))
}

func workHoursScore(local time.Time, duration time.Duration, opts Options) float64 {
	startMin := local.Hour()*60 + local.Minute()
	endMin := startMin + int(math.Ceil(duration.Minutes()))
	switch {
	case startMin >= opts.WorkdayStart*60 && endMin <= opts.WorkdayEnd*60:
		return 1
	case startMin >= (opts.WorkdayStart-1)*60 && endMin <= (opts.WorkdayEnd+1)*60:
		return 0.5
	default:
		return 0
	}
}

func weekdayScore(local time.Time) float64 {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return 0
	}
	return 1
}

func leadScore(lead time.Duration, opts Options) float64 {
	switch {
	case lead < opts.MinLead:
		return 0
	case opts.MaxHorizon > 0 && lead > opts.MaxHorizon:
		return 0
	case lead >= 24*time.Hour && lead <= 72*time.Hour:
		return 1
	default:
		return 0.5
	}
}

func alignmentScore(local time.Time) float64 {
	if local.Second() != 0 {
		return 0
	}
	switch local.Minute() {
	case 0:
		return 1
	case 30:
		return 0.5
	}
	return 0
}

// alignUp rounds t up to the next multiple of g on the wall clock of loc,
// so hourly candidates land on local hours even in half-hour offset zones.
func alignUp(t time.Time, g time.Duration, loc *time.Location) time.Time {
	_, offset := t.In(loc).Zone()
	shift := time.Duration(offset) * time.Second
	a := t.Add(shift).Truncate(g).Add(-shift)
	if a.Before(t) {
		a = a.Add(g)
	}
	return a
}
