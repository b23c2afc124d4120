// Package date parses the date and period spellings found on Japanese
// affiliate portals and normalizes them to time.Time values.
package date

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goodsign/monday"
)

// Canonical is the normalized date layout used everywhere downstream.
const Canonical = "2006-01-02"

var (
	isoRe      = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	slashRe    = regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})$`)
	jpRe       = regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日?$`)
	eraRe      = regexp.MustCompile(`^(令和|平成)(\d{1,2}|元)年(\d{1,2})月(\d{1,2})日?$`)
	monthDayRe = regexp.MustCompile(`^(\d{1,2})[/月](\d{1,2})日?$`)

	periodIsoRe   = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})$`)
	periodJpRe    = regexp.MustCompile(`^(\d{4})年(\d{1,2})月$`)
	periodBareRe  = regexp.MustCompile(`^(\d{4})(\d{2})$`)
	weekdaySuffRe = regexp.MustCompile(`[(（][日月火水木金土][)）]\s*$`)

	weekdayTokens = map[string]bool{
		"日": true, "月": true, "火": true, "水": true, "木": true, "金": true, "土": true,
		"日曜日": true, "月曜日": true, "火曜日": true, "水曜日": true, "木曜日": true, "金曜日": true, "土曜日": true,
		"Sun": true, "Mon": true, "Tue": true, "Wed": true, "Thu": true, "Fri": true, "Sat": true,
	}

	// last-resort layouts for portals that spell dates with localized
	// month or weekday names
	mondayLayouts = []struct {
		layout string
		locale monday.Locale
	}{
		{"2006年1月2日 Monday", monday.LocaleJaJP},
		{"January 2, 2006", monday.LocaleEnUS},
		{"2 January 2006", monday.LocaleEnUS},
	}
)

// StripWeekday removes a trailing parenthesized weekday marker, e.g.
// "2025/11/25(火)" -> "2025/11/25".
func StripWeekday(s string) string {
	return strings.TrimSpace(weekdaySuffRe.ReplaceAllString(s, ""))
}

// IsWeekdayToken reports whether the cell holds nothing but a weekday
// marker. Such cells are sub-header noise unless a second column carries
// the real date.
func IsWeekdayToken(s string) bool {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "()（）")
	return weekdayTokens[s]
}

// Parse converts one of the supported date spellings to a time.Time.
// now supplies the year for month-only spellings. Unsupported input
// yields ok=false, never a guessed date.
func Parse(s string, now time.Time) (time.Time, bool) {
	trimmed := StripWeekday(strings.TrimSpace(s))
	compact := normalize(trimmed)
	if compact == "" {
		return time.Time{}, false
	}

	for _, re := range []*regexp.Regexp{isoRe, slashRe, jpRe} {
		if m := re.FindStringSubmatch(compact); m != nil {
			return makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
		}
	}
	if m := eraRe.FindStringSubmatch(compact); m != nil {
		yr := eraYear(m[1], m[2])
		if yr == 0 {
			return time.Time{}, false
		}
		return makeDate(yr, atoi(m[3]), atoi(m[4]))
	}
	if m := monthDayRe.FindStringSubmatch(compact); m != nil {
		return makeDate(now.Year(), atoi(m[1]), atoi(m[2]))
	}
	for _, ml := range mondayLayouts {
		if t, err := monday.Parse(ml.layout, trimmed, ml.locale); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParsePeriod converts a year-month spelling (YYYY-MM, YYYY/MM, YYYY年MM月,
// bare YYYYMM) into its year and month.
func ParsePeriod(s string) (int, time.Month, bool) {
	s = normalize(s)
	for _, re := range []*regexp.Regexp{periodIsoRe, periodJpRe, periodBareRe} {
		if m := re.FindStringSubmatch(s); m != nil {
			y, mo := atoi(m[1]), atoi(m[2])
			if mo < 1 || mo > 12 {
				return 0, 0, false
			}
			return y, time.Month(mo), true
		}
	}
	return 0, 0, false
}

// MonthEnd returns the last calendar day of the given month.
func MonthEnd(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "　", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func eraYear(era, year string) int {
	n := 1
	if year != "元" {
		n = atoi(year)
	}
	switch era {
	case "令和":
		return 2018 + n
	case "平成":
		return 1988 + n
	}
	return 0
}

func makeDate(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// reject spellings like 2025-02-30 that time.Date would roll over
	if t.Day() != d || t.Month() != time.Month(m) {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
