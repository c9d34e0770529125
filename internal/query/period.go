package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout period bounds are rendered with.
const DateLayout = "2006-01-02"

// Period returns the inclusive [from, to] day range named by name, relative
// to now. Weeks start on Monday.
//
//	yesterday     the day before now
//	tomorrow      the day after now
//	now           today
//	week          the seven days up to and including today
//	month         the first of this month through today
//	prev-month    the whole previous calendar month
//	current-week  Monday through Sunday of this week
//	prev-week     Monday through Sunday of last week
//	next-week     Monday through Sunday of next week
//	N-week        Monday through Sunday of the week N weeks ahead
func Period(name string, now time.Time) (from, to time.Time, err error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	key := strings.ToLower(strings.TrimSpace(name))

	switch key {
	case "now":
		return today, today, nil
	case "yesterday":
		d := today.AddDate(0, 0, -1)
		return d, d, nil
	case "tomorrow":
		d := today.AddDate(0, 0, 1)
		return d, d, nil
	case "week":
		return today.AddDate(0, 0, -7), today, nil
	case "month":
		return today.AddDate(0, 0, 1-today.Day()), today, nil
	case "prev-month":
		first := today.AddDate(0, 0, 1-today.Day())
		last := first.AddDate(0, 0, -1)
		return last.AddDate(0, 0, 1-last.Day()), last, nil
	case "current-week":
		return weekOf(today, 0)
	case "prev-week":
		return weekOf(today, -1)
	case "next-week":
		return weekOf(today, 1)
	}

	if n, ok := strings.CutSuffix(key, "-week"); ok {
		weeks, convErr := strconv.Atoi(n)
		if convErr == nil && weeks >= 0 {
			return weekOf(today, weeks)
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", name)
}

func weekOf(day time.Time, offset int) (time.Time, time.Time, error) {
	d := day.AddDate(0, 0, 7*offset)
	// time.Weekday has Sunday = 0.
	back := (int(d.Weekday()) + 6) % 7
	monday := d.AddDate(0, 0, -back)
	return monday, monday.AddDate(0, 0, 6), nil
}
