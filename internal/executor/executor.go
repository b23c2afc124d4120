// Package executor runs structured browser actions against a session and
// persists what the extract actions find. It owns the per-click fallback
// chain and the selector dialect cleanup for model-produced selectors.
package executor

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rere-dev/aspagent/internal/browser"
	"github.com/rere-dev/aspagent/internal/date"
	"github.com/rere-dev/aspagent/internal/log"
	"github.com/rere-dev/aspagent/internal/table"
	"github.com/rere-dev/aspagent/internal/types"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// clickSettleMS is how long the page gets to react after a click, unless
// the action opts out.
const clickSettleMS = 2000

var (
	secretRe      = regexp.MustCompile(`\{SECRET:([A-Za-z0-9_]+)\}`)
	containsRe    = regexp.MustCompile(`:contains\(["']([^"']*)["']\)`)
	firstOfTypeRe = regexp.MustCompile(`:first-of-type|:nth-of-type\(1\)`)
	cssMetaRe     = regexp.MustCompile(`[#.\[\]>:+~*=()"' ]`)
	bareTagRe     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)
	utf8BOM       = "\xef\xbb\xbf"
)

// Session is the browser surface the executor drives. *browser.Session
// satisfies it; tests use a stub.
type Session interface {
	Navigate(url string) error
	Content() (string, error)
	SaveScreenshot(path string) error
	Click(sel string, opts browser.ClickOpts) error
	Fill(sel, value string) error
	Hover(sel string) error
	PressKey(key string) error
	Scroll(pixels int) error
	Wait(ms int) error
	SelectOption(sel, value string) error
	ExpectDownload(sel string, timeoutMS int) (string, error)
}

// RecordStore persists extracted records.
type RecordStore interface {
	SaveRecords(ctx context.Context, rc types.RunContext, records []types.Record) (int, error)
}

// SecretSource resolves {SECRET:KEY} placeholders. ok=false leaves the
// placeholder untouched.
type SecretSource interface {
	Resolve(ctx context.Context, key string) (string, bool)
}

// Executor executes one action at a time. It is not safe for concurrent
// use; each run owns its own executor.
type Executor struct {
	Session       Session
	Records       RecordStore
	Secrets       SecretSource
	ScreenshotDir string

	// lastDownload is the most recent download's local path, consumed by
	// extract_csv actions that do not name a file.
	lastDownload string
	// sleep is swappable in tests
	sleep func(time.Duration)
	now   func() time.Time
}

func New(session Session, records RecordStore, secrets SecretSource, screenshotDir string) *Executor {
	return &Executor{
		Session:       session,
		Records:       records,
		Secrets:       secrets,
		ScreenshotDir: screenshotDir,
		sleep:         time.Sleep,
		now:           time.Now,
	}
}

// SetSleep overrides the pacing function used for settle waits.
func (e *Executor) SetSleep(f func(time.Duration)) {
	e.sleep = f
}

// NormalizeSelector rewrites the selector dialects models tend to produce
// into what the session understands: positional pseudo-classes are dropped,
// :contains("x") becomes a text match, and bare prose becomes a text match.
func NormalizeSelector(sel string) string {
	sel = strings.TrimSpace(sel)
	if sel == "" || strings.HasPrefix(sel, browser.TextPrefix) {
		return sel
	}
	if m := containsRe.FindStringSubmatch(sel); m != nil {
		return browser.TextPrefix + m[1]
	}
	sel = strings.TrimSpace(firstOfTypeRe.ReplaceAllString(sel, ""))
	if cssMetaRe.MatchString(sel) || bareTagRe.MatchString(sel) {
		return sel
	}
	// anything left is prose like ログイン, not CSS
	return browser.TextPrefix + sel
}

// Execute runs a single action and reports the outcome. The action itself
// is never mutated.
func (e *Executor) Execute(ctx context.Context, a types.Action, rc types.RunContext) types.ExecResult {
	logger := log.LoggerFromContext(ctx)
	logger.Debug("executing action", slog.String("type", string(a.Type)), slog.String("selector", a.Selector))

	var err error
	result := types.ExecResult{}
	switch a.Type {
	case types.ActionNavigate:
		err = e.Session.Navigate(a.URL)
	case types.ActionClick:
		err = e.click(ctx, a)
		if err == nil && !a.NoWaitAfter {
			e.sleep(clickSettleMS * time.Millisecond)
		}
	case types.ActionFill:
		err = e.Session.Fill(NormalizeSelector(a.Selector), e.resolveSecrets(ctx, a.Value))
	case types.ActionHover:
		err = e.Session.Hover(NormalizeSelector(a.Selector))
	case types.ActionScroll:
		err = e.Session.Scroll(a.Pixels)
	case types.ActionWait:
		err = e.Session.Wait(a.DurationMS)
	case types.ActionKeyboard:
		err = e.Session.PressKey(a.Key)
	case types.ActionScreenshot:
		err = e.Session.SaveScreenshot(e.screenshotPath(a.Path, rc))
	case types.ActionSelect:
		err = e.Session.SelectOption(NormalizeSelector(a.Selector), a.Value)
	case types.ActionDownload:
		var path string
		path, err = e.Session.ExpectDownload(NormalizeSelector(a.Selector), a.TimeoutMS)
		if err == nil && a.Path != "" {
			if mvErr := os.Rename(path, a.Path); mvErr == nil {
				path = a.Path
			} else {
				logger.Warn("could not move download", slog.String("error", mvErr.Error()))
			}
		}
		if err == nil {
			e.lastDownload = path
			logger.Debug("download finished", slog.String("path", path))
		}
	case types.ActionExtract:
		return e.extract(ctx, a, rc)
	case types.ActionExtractCSV:
		return e.extractCSV(ctx, a, rc)
	case types.ActionError:
		err = fmt.Errorf("%w: %s", types.ErrInterpretation, a.Message)
	default:
		err = types.Fatal(fmt.Errorf("unknown action type %q", a.Type))
	}

	if err != nil {
		result.Err = classify(err)
		result.ErrorType = types.ErrorClass(result.Err)
		return result
	}
	result.Success = true
	return result
}

// classify wraps raw session errors into the transient/fatal taxonomy
// unless they already carry a class.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case types.ErrorClass(err) != "fatal":
		return err
	case types.IsTransient(err):
		return types.Transient(err)
	default:
		return types.Fatal(err)
	}
}

// click walks the fallback chain: first visible match, then the last
// match, then a forced click. Only visibility and timeout failures
// escalate to the next tier; anything else aborts immediately.
func (e *Executor) click(ctx context.Context, a types.Action) error {
	logger := log.LoggerFromContext(ctx)
	sel := NormalizeSelector(a.Selector)

	err := e.Session.Click(sel, browser.ClickOpts{TimeoutMS: a.TimeoutMS})
	if err == nil {
		return nil
	}
	if !types.IsTransient(err) {
		return types.Fatal(err)
	}
	logger.Warn("click failed, trying last match", slog.String("selector", sel), slog.String("error", err.Error()))

	err = e.Session.Click(sel, browser.ClickOpts{TimeoutMS: a.TimeoutMS, Last: true})
	if err == nil {
		return nil
	}
	if !types.IsTransient(err) {
		return types.Fatal(err)
	}
	logger.Warn("click on last match failed, forcing", slog.String("selector", sel), slog.String("error", err.Error()))

	err = e.Session.Click(sel, browser.ClickOpts{TimeoutMS: a.TimeoutMS, Force: true})
	if err == nil {
		return nil
	}
	return types.Transient(err)
}

// resolveSecrets substitutes {SECRET:KEY} placeholders. Unresolvable keys
// stay literal so the failure is visible at the form, not swallowed here.
func (e *Executor) resolveSecrets(ctx context.Context, value string) string {
	return secretRe.ReplaceAllStringFunc(value, func(m string) string {
		key := secretRe.FindStringSubmatch(m)[1]
		if e.Secrets != nil {
			if v, ok := e.Secrets.Resolve(ctx, key); ok {
				return v
			}
		}
		log.LoggerFromContext(ctx).Warn("unresolved secret placeholder", slog.String("key", key))
		return m
	})
}

func (e *Executor) extract(ctx context.Context, a types.Action, rc types.RunContext) types.ExecResult {
	html, err := e.Session.Content()
	if err != nil {
		err = classify(err)
		return types.ExecResult{Err: err, ErrorType: types.ErrorClass(err)}
	}
	records, err := table.Extract(html, a.Selector, table.Options{
		Target:       a.Target,
		AmountHeader: a.AmountHeader,
		Horizontal:   a.Horizontal,
		Now:          e.now(),
	})
	if err != nil {
		err = types.Fatal(err)
		return types.ExecResult{Err: err, ErrorType: types.ErrorClass(err)}
	}
	return e.save(ctx, rc, a.Target, records)
}

func (e *Executor) extractCSV(ctx context.Context, a types.Action, rc types.RunContext) types.ExecResult {
	path := a.Path
	if path == "" {
		path = e.lastDownload
	}
	if path == "" {
		err := types.Fatal(fmt.Errorf("extract_csv without a file: no prior download"))
		return types.ExecResult{Err: err, ErrorType: types.ErrorClass(err)}
	}
	records, err := ParseCSVFile(path, a.DateColumn, a.AmountColumn, a.Target, e.now())
	if err != nil {
		err = types.Fatal(err)
		return types.ExecResult{Err: err, ErrorType: types.ErrorClass(err)}
	}
	return e.save(ctx, rc, a.Target, records)
}

// save persists extracted records. A store failure is reported as a
// persistence error but the action still counts as executed; the caller
// decides whether that degrades the run.
func (e *Executor) save(ctx context.Context, rc types.RunContext, target types.TargetTable, records []types.Record) types.ExecResult {
	logger := log.LoggerFromContext(ctx)
	if len(records) == 0 {
		logger.Warn("extraction yielded no records")
		return types.ExecResult{Success: true}
	}
	if target != "" {
		rc.ExecutionType = target
	}
	saved, err := e.Records.SaveRecords(ctx, rc, records)
	if err != nil {
		logger.Error("failed to persist records", slog.String("error", err.Error()))
		return types.ExecResult{Success: true, RecordsSaved: 0, Err: err, ErrorType: types.ErrorClass(err)}
	}
	logger.Info("records saved", slog.Int("count", saved), slog.String("target", string(rc.ExecutionType)))
	return types.ExecResult{Success: true, RecordsSaved: saved}
}

func (e *Executor) screenshotPath(explicit string, rc types.RunContext) string {
	if explicit != "" {
		return explicit
	}
	name := fmt.Sprintf("%s_%s.png", rc.ASPName, e.now().Format("20060102_150405"))
	return filepath.Join(e.ScreenshotDir, name)
}

// ParseCSVFile reads a downloaded report CSV and extracts records from the
// given 0-based date and amount columns. UTF-8 (with or without BOM) and
// Shift_JIS files are supported; rows whose date cell does not parse are
// skipped. Monthly targets also accept year-month periods, stored under
// the month's last day like the HTML extraction path.
func ParseCSVFile(path string, dateCol, amountCol int, target types.TargetTable, now time.Time) ([]types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSV(f, dateCol, amountCol, target, now)
}

func parseCSV(r io.Reader, dateCol, amountCol int, target types.TargetTable, now time.Time) ([]types.Record, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.TrimPrefix(string(raw), utf8BOM)
	if !utf8.ValidString(text) {
		decoded, _, err := transform.String(japanese.ShiftJIS.NewDecoder(), text)
		if err != nil {
			return nil, fmt.Errorf("csv is neither UTF-8 nor Shift_JIS: %w", err)
		}
		text = decoded
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records []types.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if dateCol >= len(row) || amountCol >= len(row) {
			continue
		}
		d, ok := csvDate(row[dateCol], target, now)
		if !ok {
			continue // header or summary row
		}
		records = append(records, types.Record{Date: d, Amount: table.ParseAmount(row[amountCol])})
	}
	return records, nil
}

// csvDate parses a temporal cell. Monthly reports may carry year-month
// periods instead of full dates; those map to the month's last day.
func csvDate(cell string, target types.TargetTable, now time.Time) (time.Time, bool) {
	if target == types.TargetMonthly {
		if y, m, ok := date.ParsePeriod(cell); ok {
			return date.MonthEnd(y, m), true
		}
	}
	return date.Parse(cell, now)
}
