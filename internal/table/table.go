// Package table turns rendered report tables into revenue records. Portals
// disagree on header wording, date spelling and table orientation, so the
// extractor works heuristically: candidate tables are processed in document
// order and the first one yielding at least one valid record wins.
package table

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/agnivade/levenshtein"
	"github.com/rere-dev/aspagent/internal/date"
	"github.com/rere-dev/aspagent/internal/types"
)

// knownAmountHeaders are tried, in order, when no hint is given and the
// magnitude heuristic does not apply. Substring match on normalized text.
var knownAmountHeaders = []string{
	"確定報酬額",
	"発生報酬",
	"報酬合計",
	"承認報酬",
	"成果報酬額",
	"報酬額",
}

// magnitudeSampleRows is how many data rows the value-magnitude heuristic
// samples when picking the amount column.
const magnitudeSampleRows = 5

var (
	amountStripRe = regexp.MustCompile(`[¥￥$円,，\s　\\]`)
	numericRe     = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	yearMarkerRe  = regexp.MustCompile(`^(\d{4})年?$`)
	monthCellRe   = regexp.MustCompile(`^(\d{1,2})月?$`)
)

// Options steer extraction for one action invocation.
type Options struct {
	Target       types.TargetTable
	AmountHeader string
	Horizontal   bool
	// Now supplies the year for month-only date cells. Zero means time.Now().
	Now time.Time
}

// ParseAmount converts an amount cell to integer minor units. Currency
// glyphs, thousands separators and whitespace are stripped; fractional
// values are truncated. Malformed input yields 0, never an error.
func ParseAmount(s string) int64 {
	cleaned := amountStripRe.ReplaceAllString(s, "")
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f)
}

// Extract parses htmlStr, walks the elements matching selector (all tables
// when empty) in document order and returns the records of the first one
// that yields any. Later candidates are never merged in. Zero records is a
// valid outcome, not an error.
func Extract(htmlStr, selector string, opts Options) ([]types.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil, err
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if selector == "" {
		selector = "table"
	}

	var records []types.Record
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		candidate := s
		if !s.Is("table") {
			// the selector may address a container around the table
			if t := s.Find("table").First(); t.Length() > 0 {
				candidate = t
			}
		}
		records = parseTable(candidate, opts)
		return len(records) == 0 // stop at first success
	})
	return records, nil
}

func parseTable(s *goquery.Selection, opts Options) []types.Record {
	rows := tableRows(s)
	if len(rows) == 0 {
		return nil
	}
	if opts.Horizontal {
		return parseHorizontal(rows)
	}
	return parseVertical(rows, opts)
}

// tableRows flattens a table selection into trimmed cell text.
func tableRows(s *goquery.Selection) [][]string {
	var rows [][]string
	s.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	return rows
}

type rowClass struct {
	index   int
	dateCol int
}

// classifyRows finds the data rows of a vertical table: rows whose date
// cell matches a supported date or period pattern. A first cell holding
// only a weekday token is tolerated when the second column carries the
// real date (weekday+date two-column layouts).
func classifyRows(rows [][]string, opts Options) []rowClass {
	var data []rowClass
	for i, row := range rows {
		if len(row) == 0 || strings.Contains(row[0], "合計") {
			continue
		}
		if cellHasTemporal(row[0], opts) {
			data = append(data, rowClass{index: i, dateCol: 0})
			continue
		}
		if date.IsWeekdayToken(row[0]) && len(row) > 1 && cellHasTemporal(row[1], opts) {
			data = append(data, rowClass{index: i, dateCol: 1})
		}
	}
	return data
}

func cellHasTemporal(cell string, opts Options) bool {
	if opts.Target == types.TargetMonthly {
		if _, _, ok := date.ParsePeriod(cell); ok {
			return true
		}
	}
	_, ok := date.Parse(cell, opts.Now)
	return ok
}

func parseVertical(rows [][]string, opts Options) []types.Record {
	data := classifyRows(rows, opts)
	if len(data) == 0 {
		return nil
	}
	headerRows := rows[:data[0].index]

	amountCol := detectAmountColumn(rows, headerRows, data, opts)
	if amountCol < 0 {
		return nil
	}

	var records []types.Record
	for _, rc := range data {
		row := rows[rc.index]
		if amountCol >= len(row) {
			continue
		}
		d, ok := temporalValue(row[rc.dateCol], opts)
		if !ok {
			continue // unparseable temporal key: drop, never default
		}
		records = append(records, types.Record{Date: d, Amount: ParseAmount(row[amountCol])})
	}
	return records
}

func temporalValue(cell string, opts Options) (time.Time, bool) {
	if opts.Target == types.TargetMonthly {
		if y, m, ok := date.ParsePeriod(cell); ok {
			return date.MonthEnd(y, m), true
		}
		// some portals render full dates even on monthly reports
	}
	return date.Parse(cell, opts.Now)
}

// detectAmountColumn locates the amount column, in priority order: the
// caller's header hint, the value-magnitude heuristic (daily tables only)
// and finally the list of known header phrases. Returns -1 when nothing
// matches.
func detectAmountColumn(rows [][]string, headerRows [][]string, data []rowClass, opts Options) int {
	if opts.AmountHeader != "" {
		if col := matchHeader(headerRows, opts.AmountHeader); col >= 0 {
			return col
		}
	}
	if opts.Target == types.TargetDaily && opts.AmountHeader == "" {
		if col := largestNumericColumn(rows, data); col >= 0 {
			return col
		}
	}
	for _, phrase := range knownAmountHeaders {
		if col := matchHeader(headerRows, phrase); col >= 0 {
			return col
		}
	}
	// as a last resort the magnitude heuristic also decides monthly tables
	if opts.Target == types.TargetMonthly {
		return largestNumericColumn(rows, data)
	}
	return -1
}

// matchHeader finds a header cell for the wanted text: exact match on
// normalized text first, then substring, then a small Levenshtein distance
// for near misses.
func matchHeader(headerRows [][]string, want string) int {
	want = normalizeHeader(want)
	if want == "" {
		return -1
	}
	type matcher func(header string) bool
	matchers := []matcher{
		func(h string) bool { return h == want },
		func(h string) bool { return strings.Contains(h, want) },
		func(h string) bool { return levenshtein.ComputeDistance(h, want) <= 2 },
	}
	for _, match := range matchers {
		for _, row := range headerRows {
			for col, cell := range row {
				if h := normalizeHeader(cell); h != "" && match(h) {
					return col
				}
			}
		}
	}
	return -1
}

func normalizeHeader(s string) string {
	s = strings.ReplaceAll(s, "　", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}

// largestNumericColumn samples the first few data rows, sums every numeric
// column except the date column and picks the column with the largest sum.
// The reward-total column is reliably the largest numeric column even when
// header wording varies by portal.
func largestNumericColumn(rows [][]string, data []rowClass) int {
	sums := map[int]int64{}
	sampled := 0
	for _, rc := range data {
		if sampled >= magnitudeSampleRows {
			break
		}
		row := rows[rc.index]
		for col, cell := range row {
			if col == rc.dateCol {
				continue
			}
			cleaned := amountStripRe.ReplaceAllString(cell, "")
			if !numericRe.MatchString(cleaned) {
				continue
			}
			sums[col] += ParseAmount(cell)
		}
		sampled++
	}
	best, bestSum := -1, int64(-1)
	for col, sum := range sums {
		if sum > bestSum || (sum == bestSum && col < best) {
			best, bestSum = col, sum
		}
	}
	return best
}

// parseHorizontal reads the year-row / month-row / amount-row layout some
// portals use for monthly reports: locate the row holding a year marker,
// then read the following two rows as paired month and amount series,
// column by column.
func parseHorizontal(rows [][]string) []types.Record {
	for i, row := range rows {
		year := 0
		for _, cell := range row {
			if m := yearMarkerRe.FindStringSubmatch(strings.TrimSpace(cell)); m != nil {
				year, _ = strconv.Atoi(m[1])
				break
			}
		}
		if year == 0 || i+2 >= len(rows) {
			continue
		}
		monthRow, amountRow := rows[i+1], rows[i+2]
		var records []types.Record
		for col, cell := range monthRow {
			m := monthCellRe.FindStringSubmatch(strings.TrimSpace(cell))
			if m == nil || col >= len(amountRow) {
				continue
			}
			mo, _ := strconv.Atoi(m[1])
			if mo < 1 || mo > 12 {
				continue
			}
			records = append(records, types.Record{
				Date:   date.MonthEnd(year, time.Month(mo)),
				Amount: ParseAmount(amountRow[col]),
			})
		}
		if len(records) > 0 {
			return records
		}
	}
	return nil
}
