package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cadence describes when scheduled batches fire. Daily cadences fire at a
// wall-clock time in Location; interval cadences are aligned to the Unix epoch
// plus Offset.
type Cadence struct {
	Interval time.Duration
	Offset   time.Duration
	Location *time.Location
	daily    bool
}

// Daily returns a cadence firing once a day at hh:mm in loc.
func Daily(hour, minute int, loc *time.Location) Cadence {
	if loc == nil {
		loc = time.UTC
	}
	return Cadence{
		Interval: 24 * time.Hour,
		Offset:   time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute,
		Location: loc,
		daily:    true,
	}
}

// Every returns an epoch-aligned cadence.
func Every(interval, offset time.Duration) Cadence {
	return Cadence{Interval: interval, Offset: offset, Location: time.UTC}
}

// ParseCadence accepts "daily@HH:MM", "every:<duration>" and
// "every:<duration>@<offset>".
func ParseCadence(s string, loc *time.Location) (Cadence, error) {
	switch {
	case strings.HasPrefix(s, "daily@"):
		hh, mm, ok := strings.Cut(strings.TrimPrefix(s, "daily@"), ":")
		if !ok {
			return Cadence{}, fmt.Errorf("invalid cadence %q: want daily@HH:MM", s)
		}
		hour, err1 := strconv.Atoi(hh)
		minute, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return Cadence{}, fmt.Errorf("invalid cadence %q: bad time of day", s)
		}
		return Daily(hour, minute, loc), nil

	case strings.HasPrefix(s, "every:"):
		spec, off, hasOffset := strings.Cut(strings.TrimPrefix(s, "every:"), "@")
		interval, err := time.ParseDuration(spec)
		if err != nil || interval <= 0 {
			return Cadence{}, fmt.Errorf("invalid cadence %q: bad interval", s)
		}
		var offset time.Duration
		if hasOffset {
			if offset, err = time.ParseDuration(off); err != nil || offset < 0 || offset >= interval {
				return Cadence{}, fmt.Errorf("invalid cadence %q: offset must be within the interval", s)
			}
		}
		return Every(interval, offset), nil
	}
	return Cadence{}, fmt.Errorf("invalid cadence %q", s)
}

// SlotFor returns the start of the most recent slot at or before t.
func (c Cadence) SlotFor(t time.Time) time.Time {
	if c.daily {
		local := t.In(c.Location)
		h, m := int(c.Offset/time.Hour), int(c.Offset%time.Hour/time.Minute)
		slot := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, c.Location)
		if slot.After(t) {
			slot = time.Date(local.Year(), local.Month(), local.Day()-1, h, m, 0, 0, c.Location)
		}
		return slot
	}
	since := t.Sub(time.Unix(0, 0).Add(c.Offset))
	n := since / c.Interval
	if since < 0 && since%c.Interval != 0 {
		n--
	}
	return time.Unix(0, 0).Add(c.Offset + n*c.Interval).In(c.Location)
}

// Next returns the first slot start strictly after t.
func (c Cadence) Next(t time.Time) time.Time {
	slot := c.SlotFor(t)
	if c.daily {
		h, m := int(c.Offset/time.Hour), int(c.Offset%time.Hour/time.Minute)
		return time.Date(slot.Year(), slot.Month(), slot.Day()+1, h, m, 0, 0, c.Location)
	}
	return slot.Add(c.Interval)
}

// Key is the idempotency key of the slot starting at slot.
func (c Cadence) Key(slot time.Time) string {
	if c.daily {
		return "scheduled:" + slot.In(c.Location).Format("2006-01-02")
	}
	return "scheduled:" + slot.UTC().Format(time.RFC3339)
}

func (c Cadence) String() string {
	if c.daily {
		return fmt.Sprintf("daily@%02d:%02d %s", int(c.Offset/time.Hour), int(c.Offset%time.Hour/time.Minute), c.Location)
	}
	if c.Offset > 0 {
		return fmt.Sprintf("every:%s@%s", c.Interval, c.Offset)
	}
	return fmt.Sprintf("every:%s", c.Interval)
}
