package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// WeekKey identifies one ISO-8601 week, formatted YYYY-Www. It is the
// partition key of a pipeline run.
type WeekKey string

var weekKeyPattern = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

// WeekKeyFor returns the ISO week containing t (Thursday rule via time.ISOWeek).
func WeekKeyFor(t time.Time) WeekKey {
	year, week := t.ISOWeek()
	return WeekKey(fmt.Sprintf("%04d-W%02d", year, week))
}

// ParseWeekKey validates s and returns it as a WeekKey.
func ParseWeekKey(s string) (WeekKey, error) {
	m := weekKeyPattern.FindStringSubmatch(s)
	if m == nil {
		return "", ValidationError(fmt.Sprintf("invalid week key %q, want YYYY-Www", s), nil)
	}
	year, _ := strconv.Atoi(m[1])
	week, _ := strconv.Atoi(m[2])
	if week < 1 || week > isoWeeksInYear(year) {
		return "", ValidationError(fmt.Sprintf("week %d out of range for %d", week, year), nil)
	}
	return WeekKey(s), nil
}

// Year and Week split the key. They assume a key produced by ParseWeekKey or WeekKeyFor.
func (w WeekKey) Year() int {
	m := weekKeyPattern.FindStringSubmatch(string(w))
	if m == nil {
		return 0
	}
	y, _ := strconv.Atoi(m[1])
	return y
}

func (w WeekKey) Week() int {
	m := weekKeyPattern.FindStringSubmatch(string(w))
	if m == nil {
		return 0
	}
	wk, _ := strconv.Atoi(m[2])
	return wk
}

// Monday returns the Monday (UTC midnight) that starts the week.
func (w WeekKey) Monday() time.Time {
	// Jan 4th is always in ISO week 1.
	jan4 := time.Date(w.Year(), time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	week1Monday := jan4.AddDate(0, 0, -offset)
	return week1Monday.AddDate(0, 0, (w.Week()-1)*7)
}

// Range returns Monday..Sunday of the week as dates.
func (w WeekKey) Range() (Date, Date) {
	mon := w.Monday()
	return DateOf(mon), DateOf(mon.AddDate(0, 0, 6))
}

func (w WeekKey) String() string { return string(w) }

func isoWeeksInYear(year int) int {
	_, wk := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return wk
}
