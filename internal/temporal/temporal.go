// Package temporal derives the reporting period of a row from whatever
// date or date-range field the export happens to carry.
//
// Matching and parsing are both ordered strategy lists: candidate field
// names are tried in priority order, each against the row's keys by exact
// and then substring match, and each value is parsed by the first date
// strategy that accepts it. When nothing parses, the period collapses to
// the ingestion date so NOT NULL date columns are always satisfied.
package temporal

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/factingest/internal/record"
)

// Candidates lists the field names searched for a period, highest
// priority first.
var Candidates = []string{
	"日期期间", "date_period", "period", "日期范围", "date_range",
	"日期", "date", "metric_date", "order_date", "下单日期",
	"订单日期", "data_date", "统计日期", "时间", "time",
}

// RangeSeparators split a value into start and end. Only the first
// occurrence of a separator splits.
var RangeSeparators = []string{" - ", "~", " 至 ", " to ", " 到 "}

// Period is the extracted reporting period. StartTime and EndTime are set
// only when the source value carried a time of day.
type Period struct {
	StartDate time.Time
	EndDate   time.Time
	StartTime *time.Time
	EndTime   *time.Time
	// Field is the row key the period came from; empty when defaulted.
	Field string
}

// Defaulted reports whether no field parsed and the period fell back to
// the ingestion date.
func (p Period) Defaulted() bool { return p.Field == "" }

// Extract searches row for a period. headers are the file's original
// headers; they extend the substring search when a row omits a key.
// today is the ingestion date used as the fallback.
func Extract(row record.Row, headers []string, today time.Time) Period {
	keys := searchKeys(row, headers)
	for _, field := range Candidates {
		for _, m := range fieldMatchers {
			for _, key := range keys {
				if !m.match(field, key) {
					continue
				}
				v, ok := row.Get(key)
				if !ok || isEmpty(v) {
					continue
				}
				if p, ok := ParseValue(v, today); ok {
					p.Field = key
					return p
				}
			}
		}
	}
	d := dateOf(today)
	return Period{StartDate: d, EndDate: d}
}

type fieldMatcher struct {
	name  string
	match func(field, key string) bool
}

// fieldMatchers are tried in order for each candidate field.
var fieldMatchers = []fieldMatcher{
	{"exact", func(field, key string) bool { return field == key }},
	{"substring", func(field, key string) bool {
		f, k := strings.ToLower(field), strings.ToLower(key)
		return strings.Contains(k, f) || strings.Contains(f, k)
	}},
}

// searchKeys returns the row keys followed by headers the row lacks.
func searchKeys(row record.Row, headers []string) []string {
	keys := make([]string, 0, row.Len()+len(headers))
	seen := make(map[string]bool, row.Len())
	for _, k := range row.Keys() {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	for _, h := range headers {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		keys = append(keys, h)
	}
	return keys
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case json.Number:
		return x == "" || x == "0"
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	}
	return false
}

// ParseValue parses one field value into a period: a date, a datetime,
// an Excel serial number or a range of any of those.
func ParseValue(v any, now time.Time) (Period, bool) {
	switch x := v.(type) {
	case time.Time:
		d := dateOf(x)
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return Period{StartDate: d, EndDate: d}, true
		}
		ts := x
		return Period{StartDate: d, EndDate: d, StartTime: &ts, EndTime: &ts}, true
	case json.Number:
		return parseString(x.String(), now)
	case float64:
		return periodFromSerial(x)
	case int:
		return periodFromSerial(float64(x))
	case int64:
		return periodFromSerial(float64(x))
	case string:
		return parseString(x, now)
	}
	return Period{}, false
}

func periodFromSerial(f float64) (Period, bool) {
	d, ok := fromExcelSerial(f)
	if !ok {
		return Period{}, false
	}
	return Period{StartDate: d, EndDate: d}, true
}

func parseString(s string, now time.Time) (Period, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), `\`, "/")
	if s == "" {
		return Period{}, false
	}

	for _, sep := range RangeSeparators {
		start, end, found := strings.Cut(s, sep)
		if !found {
			continue
		}
		sd, st, ok1 := ParseSingle(strings.TrimSpace(start), now)
		ed, et, ok2 := ParseSingle(strings.TrimSpace(end), now)
		if ok1 && ok2 {
			return Period{StartDate: sd, EndDate: ed, StartTime: st, EndTime: et}, true
		}
	}

	d, t, ok := ParseSingle(s, now)
	if !ok {
		return Period{}, false
	}
	return Period{StartDate: d, EndDate: d, StartTime: t, EndTime: t}, true
}

var (
	timeRe     = regexp.MustCompile(`(\d{1,2}:\d{2}(?::\d{2})?)`)
	dateTimeRe = regexp.MustCompile(`^(\d{1,4}[/-]\d{1,2}[/-]\d{1,4})\s*[/\s]*(\d{1,2}:\d{2}(?::\d{2})?)`)
)

// isoDateTimeLayouts cover machine timestamps with a "T" separator.
var isoDateTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"}

// ParseSingle parses one endpoint: a date optionally followed by a time
// of day. The time is nil when the value has none.
func ParseSingle(s string, now time.Time) (time.Time, *time.Time, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), `\`, "/")
	if s == "" {
		return time.Time{}, nil, false
	}

	for _, layout := range isoDateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
			return dateOf(ts), &ts, true
		}
	}

	datePart, timePart := s, ""
	if timeRe.MatchString(s) {
		if m := dateTimeRe.FindStringSubmatch(s); m != nil {
			datePart, timePart = m[1], m[2]
		} else if i := strings.LastIndex(s, "/"); i >= 0 && strings.Contains(s[i+1:], ":") {
			// 19/9/25/19:27:25
			datePart, timePart = s[:i], s[i+1:]
		}
	}

	d, ok := ParseDate(datePart, now)
	if !ok {
		return time.Time{}, nil, false
	}
	if timePart == "" {
		return d, nil, true
	}
	h, m, sec, ok := parseClock(timePart)
	if !ok {
		return d, nil, true
	}
	ts := time.Date(d.Year(), d.Month(), d.Day(), h, m, sec, 0, time.UTC)
	return d, &ts, true
}

func parseClock(s string) (h, m, sec int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, false
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, false
		}
		vals[i] = n
	}
	if vals[0] > 23 || vals[1] > 59 || vals[2] > 59 {
		return 0, 0, 0, false
	}
	return vals[0], vals[1], vals[2], true
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
