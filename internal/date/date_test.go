package date

import (
	"testing"
	"time"
)

var testNow = time.Date(2025, 11, 30, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"2025-11-01", "2025-11-01", true},
		{"2025-1-5", "2025-01-05", true},
		{"2025/11/01", "2025-11-01", true},
		{"2025年11月01日", "2025-11-01", true},
		{"2025年11月1日", "2025-11-01", true},
		{"2025年10月31日（金）", "2025-10-31", true},
		{"2025/11/25(火)", "2025-11-25", true},
		{"令和7年11月25日", "2025-11-25", true},
		{"令和元年5月1日", "2019-05-01", true},
		{"11/25", "2025-11-25", true},
		{"11月25日", "2025-11-25", true},
		{" 2025-11-01 ", "2025-11-01", true},
		{"2025　年11月01日", "2025-11-01", true},
		{"合計", "", false},
		{"", "", false},
		{"2025-13-01", "", false},
		{"2025-02-30", "", false},
		{"abc/de/fg", "", false},
	}
	for _, tc := range tests {
		got, ok := Parse(tc.input, testNow)
		if ok != tc.ok {
			t.Errorf("Parse(%q): ok = %v, want %v", tc.input, ok, tc.ok)
			continue
		}
		if ok && got.Format(Canonical) != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.input, got.Format(Canonical), tc.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	// parsing the canonical form of a parsed date must yield the same date
	inputs := []string{"2025/11/01", "2025年11月1日", "2025-11-01", "令和7年1月31日"}
	for _, in := range inputs {
		first, ok := Parse(in, testNow)
		if !ok {
			t.Fatalf("Parse(%q) failed", in)
		}
		second, ok := Parse(first.Format(Canonical), testNow)
		if !ok || !first.Equal(second) {
			t.Errorf("round trip of %q: got %v then %v", in, first, second)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		input string
		year  int
		month time.Month
		ok    bool
	}{
		{"2025-01", 2025, time.January, true},
		{"2025/01", 2025, time.January, true},
		{"2025年1月", 2025, time.January, true},
		{"202501", 2025, time.January, true},
		{"2025年13月", 0, 0, false},
		{"01月", 0, 0, false},
		{"合計", 0, 0, false},
	}
	for _, tc := range tests {
		y, m, ok := ParsePeriod(tc.input)
		if ok != tc.ok || y != tc.year || m != tc.month {
			t.Errorf("ParsePeriod(%q) = (%d, %v, %v), want (%d, %v, %v)", tc.input, y, m, ok, tc.year, tc.month, tc.ok)
		}
	}
}

func TestMonthEnd(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		want  string
	}{
		{2025, time.January, "2025-01-31"},
		{2025, time.February, "2025-02-28"},
		{2024, time.February, "2024-02-29"},
		{2025, time.December, "2025-12-31"},
	}
	for _, tc := range tests {
		if got := MonthEnd(tc.year, tc.month).Format(Canonical); got != tc.want {
			t.Errorf("MonthEnd(%d, %v) = %s, want %s", tc.year, tc.month, got, tc.want)
		}
	}
}

func TestIsWeekdayToken(t *testing.T) {
	for _, s := range []string{"月", "(火)", "（水）", "金曜日", "Sat"} {
		if !IsWeekdayToken(s) {
			t.Errorf("IsWeekdayToken(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"2025/11/25", "月別", "合計", ""} {
		if IsWeekdayToken(s) {
			t.Errorf("IsWeekdayToken(%q) = true, want false", s)
		}
	}
}
