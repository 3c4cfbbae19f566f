package temporal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/factingest/internal/record"
)

var now = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestExtract_DateRange(t *testing.T) {
	row := record.NewRow("Date Range", "16/09/2025 - 20/09/2025", "GMV", "10")

	p := Extract(row, nil, now)
	assert.Equal(t, day(2025, 9, 16), p.StartDate)
	assert.Equal(t, day(2025, 9, 20), p.EndDate)
	assert.Nil(t, p.StartTime)
	assert.Nil(t, p.EndTime)
	assert.Equal(t, "Date Range", p.Field)
	assert.False(t, p.Defaulted())
}

func TestExtract_NoDateDefaultsToToday(t *testing.T) {
	row := record.NewRow("Order ID", "A1", "Date", "not a date", "Qty", 3)

	p := Extract(row, []string{"Order ID", "Date", "Qty"}, now)
	assert.True(t, p.Defaulted())
	assert.Equal(t, day(2026, 10, 17), p.StartDate)
	assert.Equal(t, p.StartDate, p.EndDate)
	assert.Nil(t, p.StartTime)
}

func TestExtract_CandidatePriority(t *testing.T) {
	// "period" outranks "统计日期" regardless of key order.
	row := record.NewRow("统计日期", "2025-01-01", "period", "2025-02-01 ~ 2025-02-07")

	p := Extract(row, nil, now)
	assert.Equal(t, "period", p.Field)
	assert.Equal(t, day(2025, 2, 1), p.StartDate)
	assert.Equal(t, day(2025, 2, 7), p.EndDate)
}

func TestExtract_SubstringMatch(t *testing.T) {
	row := record.NewRow("Order ID", "A1", "Order Date (local)", "2025-03-03")

	p := Extract(row, nil, now)
	assert.Equal(t, "Order Date (local)", p.Field)
	assert.Equal(t, day(2025, 3, 3), p.StartDate)
}

func TestExtract_HeaderOnlyKeyIgnored(t *testing.T) {
	// Headers the row lacks contribute no value.
	row := record.NewRow("Qty", 1)

	p := Extract(row, []string{"Date", "Qty"}, now)
	assert.True(t, p.Defaulted())
}

func TestExtract_SkipsEmptyAndUnparsable(t *testing.T) {
	row := record.NewRow("日期", "", "统计日期", "2025年9月17日")

	p := Extract(row, nil, now)
	assert.Equal(t, "统计日期", p.Field)
	assert.Equal(t, day(2025, 9, 17), p.StartDate)
}

func TestParseValue(t *testing.T) {
	ts := func(y int, m time.Month, d, h, mi, s int) *time.Time {
		v := time.Date(y, m, d, h, mi, s, 0, time.UTC)
		return &v
	}

	tests := []struct {
		name  string
		in    any
		start time.Time
		end   time.Time
		st    *time.Time
		et    *time.Time
	}{
		{"iso date", "2025-09-17", day(2025, 9, 17), day(2025, 9, 17), nil, nil},
		{"day first", "03/04/2025", day(2025, 4, 3), day(2025, 4, 3), nil, nil},
		{"month first fallback", "09/17/2025", day(2025, 9, 17), day(2025, 9, 17), nil, nil},
		{"datetime range", "2025-08-25 17:01~2025-08-26 11:02",
			day(2025, 8, 25), day(2025, 8, 26), ts(2025, 8, 25, 17, 1, 0), ts(2025, 8, 26, 11, 2, 0)},
		{"datetime", "2025/09/17 19:27:25", day(2025, 9, 17), day(2025, 9, 17),
			ts(2025, 9, 17, 19, 27, 25), ts(2025, 9, 17, 19, 27, 25)},
		{"backslash", `19\9\25`, day(2025, 9, 19), day(2025, 9, 19), nil, nil},
		{"slash before time", "19/9/25/19:27:25", day(2025, 9, 19), day(2025, 9, 19),
			ts(2025, 9, 19, 19, 27, 25), ts(2025, 9, 19, 19, 27, 25)},
		{"chinese range", "2025-09-01 至 2025-09-30", day(2025, 9, 1), day(2025, 9, 30), nil, nil},
		{"to range", "2025-09-01 to 2025-09-07", day(2025, 9, 1), day(2025, 9, 7), nil, nil},
		{"excel serial string", "45917", day(2025, 9, 17), day(2025, 9, 17), nil, nil},
		{"excel serial number", float64(45917), day(2025, 9, 17), day(2025, 9, 17), nil, nil},
		{"json number", json.Number("45917"), day(2025, 9, 17), day(2025, 9, 17), nil, nil},
		{"rfc3339", "2025-09-17T08:15:00Z", day(2025, 9, 17), day(2025, 9, 17),
			ts(2025, 9, 17, 8, 15, 0), ts(2025, 9, 17, 8, 15, 0)},
		{"textual", "Sep 17, 2025", day(2025, 9, 17), day(2025, 9, 17), nil, nil},
		{"time value", time.Date(2025, 9, 17, 0, 0, 0, 0, time.UTC), day(2025, 9, 17), day(2025, 9, 17), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := ParseValue(tt.in, now)
			require.True(t, ok)
			assert.Equal(t, tt.start, p.StartDate)
			assert.Equal(t, tt.end, p.EndDate)
			assert.Equal(t, tt.st, p.StartTime)
			assert.Equal(t, tt.et, p.EndTime)
		})
	}
}

func TestParseValue_Rejects(t *testing.T) {
	for _, in := range []any{"", "abc", "2025", "42", float64(12), "31/31/31", nil, true} {
		_, ok := ParseValue(in, now)
		assert.False(t, ok, "%v", in)
	}
}

func TestParseValue_HalfRangeFallsBackToSingle(t *testing.T) {
	// An unparsable end keeps the range from applying; the whole value
	// is then not a single date either.
	_, ok := ParseValue("2025-09-01 - soon", now)
	assert.False(t, ok)
}

func TestParseShortYear(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"19/9/25", day(2025, 9, 19), true},
		// 25/9/30 as day-first is 2030, too far ahead; year-first wins.
		{"25/9/30", day(2025, 9, 30), true},
		{"1-2-3", day(2003, 2, 1), true},
		{"31/2/99", time.Time{}, false},
		{"2025/9/1", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseShortYear(tt.in, now)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExpandYear(t *testing.T) {
	assert.Equal(t, 2049, expandYear(49))
	assert.Equal(t, 1950, expandYear(50))
	assert.Equal(t, 2025, expandYear(2025))
}

func TestDateStrategies_Order(t *testing.T) {
	var names []string
	for _, s := range DateStrategies() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"layout", "short_year", "excel_serial", "textual"}, names)
}
