package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spherical/flyer-offers/internal/domain"
)

// openRangeDays closes an open-ended "ab ..." validity to one week.
const openRangeDays = 6

var (
	// 12.05.-17.05.2025, Mo. 12.05. - Sa. 17.05., 29.12.2024 bis 04.01.2025
	explicitRangePattern = regexp.MustCompile(
		`(\d{1,2})\.(\d{1,2})\.(\d{2,4})?\s*(?:-|–|—|bis)\s*(?:\p{L}{2,10}\.?,?\s*)?(\d{1,2})\.(\d{1,2})\.?(\d{4}|\d{2}(?:\D|$))?`)

	// gültig ab 12.5., gueltig ab Montag, 12.05.2025
	validFromPattern = regexp.MustCompile(
		`(?i)g(?:ü|ue|u)ltig\s+ab\s+(?:\p{L}+\.?,?\s+)?(\d{1,2})\.(\d{1,2})\.(\d{4}|\d{2})?`)

	// ab 12. Mai, ab Montag, 3. März
	fromMonthPattern = regexp.MustCompile(
		`(?i)(?:^|[^\p{L}])ab\s+(?:\p{L}+\.?,?\s+)?(\d{1,2})\.\s*(\p{L}+)\.?`)
)

var germanMonths = map[string]time.Month{
	"januar": time.January, "jan": time.January, "jänner": time.January,
	"februar": time.February, "feb": time.February,
	"märz": time.March, "maerz": time.March, "mär": time.March, "mrz": time.March,
	"april": time.April, "apr": time.April,
	"mai":  time.May,
	"juni": time.June, "jun": time.June,
	"juli": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"oktober": time.October, "okt": time.October,
	"november": time.November, "nov": time.November,
	"dezember": time.December, "dez": time.December,
}

// InferValidity looks for a validity period in free flyer text. Patterns are
// tried in order: explicit range, "gültig ab <d>.<m>.", "ab <d>. <Monat>".
// Missing years are taken from ref.
func InferValidity(text string, ref time.Time) (from, to domain.Date, ok bool) {
	if text == "" {
		return domain.Date{}, domain.Date{}, false
	}

	for _, m := range explicitRangePattern.FindAllStringSubmatch(text, -1) {
		if from, to, ok := explicitRange(m, ref); ok {
			return from, to, true
		}
	}

	if m := validFromPattern.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, hasYear := parseYear(m[3])
		if !hasYear {
			year = nearestYear(time.Month(month), day, ref)
		}
		if d, valid := makeDate(year, time.Month(month), day); valid {
			return d, d.AddDays(openRangeDays), true
		}
	}

	for _, m := range fromMonthPattern.FindAllStringSubmatch(text, -1) {
		month, known := germanMonths[strings.ToLower(m[2])]
		if !known {
			continue
		}
		day, _ := strconv.Atoi(m[1])
		year := nearestYear(month, day, ref)
		if d, valid := makeDate(year, month, day); valid {
			return d, d.AddDays(openRangeDays), true
		}
	}

	return domain.Date{}, domain.Date{}, false
}

// WeekDefault returns Monday..Sunday of the run's ISO week.
func WeekDefault(week domain.WeekKey) (domain.Date, domain.Date) {
	return week.Range()
}

func explicitRange(m []string, ref time.Time) (domain.Date, domain.Date, bool) {
	d1, _ := strconv.Atoi(m[1])
	m1, _ := strconv.Atoi(m[2])
	d2, _ := strconv.Atoi(m[4])
	m2, _ := strconv.Atoi(m[5])
	y1, hasY1 := parseYear(m[3])
	y2, hasY2 := parseYear(strings.TrimRightFunc(m[6], func(r rune) bool { return r < '0' || r > '9' }))

	wraps := m1 > m2 || (m1 == m2 && d1 > d2)

	switch {
	case hasY2 && !hasY1:
		y1 = y2
		if wraps {
			y1 = y2 - 1
		}
	case hasY1 && !hasY2:
		y2 = y1
		if wraps {
			y2 = y1 + 1
		}
	case !hasY1 && !hasY2:
		y1, y2 = ref.Year(), ref.Year()
		if wraps {
			// A range across new year belongs to the turn of the year nearest ref.
			if ref.Month() >= time.July {
				y2++
			} else {
				y1--
			}
		}
	}

	from, ok1 := makeDate(y1, time.Month(m1), d1)
	to, ok2 := makeDate(y2, time.Month(m2), d2)
	if !ok1 || !ok2 || from.After(to) {
		return domain.Date{}, domain.Date{}, false
	}
	return from, to, true
}

func parseYear(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if len(s) == 2 {
		y += 2000
	}
	return y, true
}

// nearestYear picks the year (ref's, or the one before/after) that puts
// day.month closest to ref.
func nearestYear(month time.Month, day int, ref time.Time) int {
	best := ref.Year()
	bestDist := time.Duration(-1)
	for _, y := range []int{ref.Year() - 1, ref.Year(), ref.Year() + 1} {
		t := time.Date(y, month, day, 0, 0, 0, 0, time.UTC)
		dist := t.Sub(ref)
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = y, dist
		}
	}
	return best
}

// makeDate rejects impossible dates such as 31.02.
func makeDate(year int, month time.Month, day int) (domain.Date, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return domain.Date{}, false
	}
	d := domain.NewDate(year, month, day)
	if d.Month != month || d.Day != day {
		return domain.Date{}, false
	}
	return d, true
}
