package workflow

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/funnel/internal/funnel"
)

var delayUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDelay parses a delay such as "30s", "15m", "2h", "2d", "1w" or a
// combination like "1d12h". Counts are non-negative integers; m is minutes.
func ParseDelay(s string) (time.Duration, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("empty delay")
	}
	var total time.Duration
	for len(in) > 0 {
		i := 0
		for i < len(in) && in[i] >= '0' && in[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("delay %q: expected a number at %q", s, in)
		}
		if i == len(in) {
			return 0, fmt.Errorf("delay %q: missing unit after %s", s, in[:i])
		}
		n, err := strconv.ParseInt(in[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("delay %q: %w", s, err)
		}
		unit, ok := delayUnits[in[i]]
		if !ok {
			return 0, fmt.Errorf("delay %q: unknown unit %q", s, in[i])
		}
		if n > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("delay %q: %s%c is out of range", s, in[:i], in[i])
		}
		part := time.Duration(n) * unit
		if total > math.MaxInt64-part {
			return 0, fmt.Errorf("delay %q: out of range", s)
		}
		total += part
		in = in[i+1:]
	}
	return total, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// TimeOfDay is a wall-clock time with an optional weekday.
type TimeOfDay struct {
	Hour, Minute int
	Weekday      time.Weekday
	HasWeekday   bool
}

// ParseTimeOfDay parses "18:00", "fri 18:00" or "friday 18:00".
// Anything else is rejected rather than guessed.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	fields := strings.Fields(strings.ToLower(s))
	var t TimeOfDay
	switch len(fields) {
	case 1:
	case 2:
		wd, ok := weekdays[fields[0]]
		if !ok {
			return TimeOfDay{}, fmt.Errorf("time %q: unknown weekday %q", s, fields[0])
		}
		t.Weekday, t.HasWeekday = wd, true
		fields = fields[1:]
	default:
		return TimeOfDay{}, fmt.Errorf("time %q: expected [weekday] HH:MM", s)
	}

	hh, mm, ok := strings.Cut(fields[0], ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time %q: expected HH:MM", s)
	}
	if !digits(hh) || !digits(mm) {
		return TimeOfDay{}, fmt.Errorf("time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || len(hh) > 2 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("time %q: hour out of range", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time %q: minute out of range", s)
	}
	t.Hour, t.Minute = hour, minute
	return t, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (t TimeOfDay) String() string {
	if t.HasWeekday {
		return fmt.Sprintf("%s %02d:%02d", strings.ToLower(t.Weekday.String()[:3]), t.Hour, t.Minute)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Next returns the first occurrence of t strictly after base, in base's
// location. A weekday slot equal to base moves a week ahead; a daily slot
// moves a day ahead.
func (t TimeOfDay) Next(base time.Time) time.Time {
	next := time.Date(base.Year(), base.Month(), base.Day(), t.Hour, t.Minute, 0, 0, base.Location())
	step := 1
	if t.HasWeekday {
		days := (int(t.Weekday) - int(base.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		step = 7
	}
	if !next.After(base) {
		next = next.AddDate(0, 0, step)
	}
	return next
}

// StartTime computes when a successor stage becomes due: now plus delay,
// snapped forward to at when given. at is interpreted in loc.
func StartTime(now time.Time, delay time.Duration, at *TimeOfDay, loc *time.Location) time.Time {
	t := now.Add(delay)
	if at != nil {
		if loc == nil {
			loc = time.UTC
		}
		t = at.Next(t.In(loc))
	}
	return t.UTC()
}

// Schedule is the parsed successor timing of a stage.
type Schedule struct {
	Delay time.Duration
	At    *TimeOfDay
}

// ParseSchedule parses a stage's delay and time fields.
func ParseSchedule(st funnel.Stage) (Schedule, error) {
	var sc Schedule
	if st.Delay != "" {
		d, err := ParseDelay(st.Delay)
		if err != nil {
			return Schedule{}, err
		}
		sc.Delay = d
	}
	if st.Time != "" {
		t, err := ParseTimeOfDay(st.Time)
		if err != nil {
			return Schedule{}, err
		}
		sc.At = &t
	}
	return sc, nil
}

// CheckStage validates a stage's schedule. It is a funnel.StageCheck.
func CheckStage(st funnel.Stage) error {
	_, err := ParseSchedule(st)
	return err
}
