package temporal

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateStrategy parses a date-only string. Strategies run in order and
// the first success wins.
type DateStrategy struct {
	Name  string
	Parse func(s string, now time.Time) (time.Time, bool)
}

// Day-first layouts are tried before month-first ones, so 03/04/2025 is
// 3 April. Month-first still catches values like 09/17/2025.
var (
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02", "2006-1-2", "2006/1/2",
		"2/1/2006", "02/01/2006", "2-1-2006", "02-01-2006", "2.1.2006", "02.01.2006",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
		"20060102",
		"2006年1月2日", "2006年01月02日",
	}
	textualLayouts = []string{
		"Jan 2, 2006", "Jan 2 2006", "2 Jan 2006", "02 Jan 2006", "2-Jan-2006", "02-Jan-2006",
		"January 2, 2006", "2 January 2006",
		"Mon, 02 Jan 2006", "Mon Jan 2 2006",
	}
)

var shortDateRe = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{1,2})$`)

var serialRe = regexp.MustCompile(`^\d{5}(\.\d+)?$`)

// Excel serial numbers accepted as dates: 1970-01-01 through 2099-12-31.
const (
	minExcelSerial = 25569
	maxExcelSerial = 73050
)

var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// DateStrategies returns the date-only parse order.
func DateStrategies() []DateStrategy {
	return dateStrategies
}

var dateStrategies = []DateStrategy{
	{"layout", parseLayouts(fourDigitYearLayouts)},
	{"short_year", parseShortYear},
	{"excel_serial", parseSerialString},
	{"textual", parseLayouts(textualLayouts)},
}

// ParseDate parses a date-only value using the strategy list.
func ParseDate(s string, now time.Time) (time.Time, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), `\`, "/")
	if s == "" {
		return time.Time{}, false
	}
	for _, st := range dateStrategies {
		if d, ok := st.Parse(s, now); ok {
			return d, true
		}
	}
	return time.Time{}, false
}

func parseLayouts(layouts []string) func(string, time.Time) (time.Time, bool) {
	return func(s string, _ time.Time) (time.Time, bool) {
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return dateOf(t), true
			}
		}
		return time.Time{}, false
	}
}

// parseShortYear reads a, b, c from a/b/c with one or two digits each.
// It tries day/month/year first and year/month/day second, keeping the
// first interpretation whose year is at most one year ahead of now.
func parseShortYear(s string, now time.Time) (time.Time, bool) {
	m := shortDateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	c, _ := strconv.Atoi(m[3])
	limit := now.Year() + 1

	if d, ok := civilDate(expandYear(c), b, a); ok && d.Year() <= limit {
		return d, true
	}
	if d, ok := civilDate(expandYear(a), b, c); ok && d.Year() <= limit {
		return d, true
	}
	return time.Time{}, false
}

// expandYear maps a two-digit year to 2000-2049 or 1950-1999.
func expandYear(y int) int {
	if y >= 100 {
		return y
	}
	if y < 50 {
		return 2000 + y
	}
	return 1900 + y
}

// civilDate builds a date, rejecting out-of-range components instead of
// normalizing them the way time.Date does.
func civilDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Month() != time.Month(month) || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

func parseSerialString(s string, _ time.Time) (time.Time, bool) {
	if !serialRe.MatchString(s) {
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, false
	}
	return fromExcelSerial(f)
}

func fromExcelSerial(f float64) (time.Time, bool) {
	if f < minExcelSerial || f > maxExcelSerial {
		return time.Time{}, false
	}
	return excelEpoch.AddDate(0, 0, int(f)), true
}
