package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rere-dev/aspagent/internal/browser"
	"github.com/rere-dev/aspagent/internal/types"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

var testNow = time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)

type clickCall struct {
	sel  string
	opts browser.ClickOpts
}

// stubSession scripts per-method behavior and records calls.
type stubSession struct {
	clickErrs   []error
	clickCalls  []clickCall
	fills       map[string]string
	content     string
	contentErr  error
	downloaded  string
	downloadErr error
}

func newStubSession() *stubSession {
	return &stubSession{fills: map[string]string{}}
}

func (s *stubSession) Navigate(string) error          { return nil }
func (s *stubSession) Content() (string, error)       { return s.content, s.contentErr }
func (s *stubSession) SaveScreenshot(string) error    { return nil }
func (s *stubSession) Hover(string) error             { return nil }
func (s *stubSession) PressKey(string) error          { return nil }
func (s *stubSession) Scroll(int) error               { return nil }
func (s *stubSession) Wait(int) error                 { return nil }
func (s *stubSession) SelectOption(_, _ string) error { return nil }

func (s *stubSession) Click(sel string, opts browser.ClickOpts) error {
	s.clickCalls = append(s.clickCalls, clickCall{sel: sel, opts: opts})
	if n := len(s.clickCalls) - 1; n < len(s.clickErrs) {
		return s.clickErrs[n]
	}
	return nil
}

func (s *stubSession) Fill(sel, value string) error {
	s.fills[sel] = value
	return nil
}

func (s *stubSession) ExpectDownload(string, int) (string, error) {
	return s.downloaded, s.downloadErr
}

type fakeRecords struct {
	saved []types.Record
	rc    types.RunContext
	err   error
}

func (f *fakeRecords) SaveRecords(_ context.Context, rc types.RunContext, records []types.Record) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.rc = rc
	f.saved = append(f.saved, records...)
	return len(records), nil
}

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func newTestExecutor(s *stubSession, records *fakeRecords, secrets SecretSource) *Executor {
	e := New(s, records, secrets, "screenshots")
	e.sleep = func(time.Duration) {}
	e.now = func() time.Time { return testNow }
	return e
}

func TestNormalizeSelector(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"#login", "#login"},
		{"button[type=submit]", "button[type=submit]"},
		{"table", "table"},
		{"tr:first-of-type", "tr"},
		{"tr:nth-of-type(1)", "tr"},
		{"ul li", "ul li"},
		{"table tr", "table tr"},
		{"form input", "form input"},
		{`a:contains("レポート")`, "text=レポート"},
		{"text=ログイン", "text=ログイン"},
		{"ログイン", "text=ログイン"},
		{"確定報酬を見る", "text=確定報酬を見る"},
		{" .menu > li ", ".menu > li"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeSelector(tc.input); got != tc.want {
			t.Errorf("NormalizeSelector(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestClickFallbackTiers(t *testing.T) {
	timeout := errors.New("timeout waiting for element")
	s := newStubSession()
	s.clickErrs = []error{timeout, timeout, nil}
	e := newTestExecutor(s, &fakeRecords{}, nil)

	result := e.Execute(context.Background(), types.Action{Type: types.ActionClick, Selector: "#btn"}, types.RunContext{})
	if !result.Success {
		t.Fatalf("expected success after the force tier: %+v", result)
	}
	if len(s.clickCalls) != 3 {
		t.Fatalf("expected 3 click attempts, got %d", len(s.clickCalls))
	}
	if s.clickCalls[0].opts.Last || s.clickCalls[0].opts.Force {
		t.Error("tier 1 must be a plain click")
	}
	if !s.clickCalls[1].opts.Last || s.clickCalls[1].opts.Force {
		t.Error("tier 2 must target the last match")
	}
	if !s.clickCalls[2].opts.Force {
		t.Error("tier 3 must force")
	}
}

func TestClickFatalErrorDoesNotEscalate(t *testing.T) {
	s := newStubSession()
	s.clickErrs = []error{errors.New("net::ERR_CONNECTION_REFUSED")}
	e := newTestExecutor(s, &fakeRecords{}, nil)

	result := e.Execute(context.Background(), types.Action{Type: types.ActionClick, Selector: "#btn"}, types.RunContext{})
	if result.Success {
		t.Fatal("expected failure")
	}
	if len(s.clickCalls) != 1 {
		t.Errorf("fatal error must not trigger fallback tiers, got %d attempts", len(s.clickCalls))
	}
	if result.ErrorType != "fatal" {
		t.Errorf("error type = %q, want fatal", result.ErrorType)
	}
}

func TestClickExhaustedTiersIsTransient(t *testing.T) {
	timeout := errors.New("element is not visible")
	s := newStubSession()
	s.clickErrs = []error{timeout, timeout, timeout}
	e := newTestExecutor(s, &fakeRecords{}, nil)

	result := e.Execute(context.Background(), types.Action{Type: types.ActionClick, Selector: "#btn"}, types.RunContext{})
	if result.Success || result.ErrorType != "transient" {
		t.Errorf("got %+v, want a transient failure", result)
	}
}

func TestFillResolvesSecrets(t *testing.T) {
	s := newStubSession()
	e := newTestExecutor(s, &fakeRecords{}, mapSecrets{"A8_USERNAME": "alice"})

	e.Execute(context.Background(), types.Action{
		Type:     types.ActionFill,
		Selector: "#username",
		Value:    "{SECRET:A8_USERNAME}",
	}, types.RunContext{})

	if got := s.fills["#username"]; got != "alice" {
		t.Errorf("filled %q, want alice", got)
	}
}

func TestFillLeavesUnresolvedSecretLiteral(t *testing.T) {
	s := newStubSession()
	e := newTestExecutor(s, &fakeRecords{}, mapSecrets{})

	e.Execute(context.Background(), types.Action{
		Type:     types.ActionFill,
		Selector: "#username",
		Value:    "{SECRET:MISSING_KEY}",
	}, types.RunContext{})

	if got := s.fills["#username"]; got != "{SECRET:MISSING_KEY}" {
		t.Errorf("filled %q, want the literal placeholder", got)
	}
}

func TestExtractSavesRecords(t *testing.T) {
	s := newStubSession()
	s.content = `
		<table>
		  <tr><th>日付</th><th>発生報酬</th></tr>
		  <tr><td>2025/11/01</td><td>¥1,200</td></tr>
		  <tr><td>2025/11/02</td><td>2,300円</td></tr>
		</table>`
	records := &fakeRecords{}
	e := newTestExecutor(s, records, nil)

	rc := types.RunContext{ASPID: "asp-1", MediaID: "m-1", AccountItemID: "ai-1"}
	result := e.Execute(context.Background(), types.Action{
		Type:     types.ActionExtract,
		Selector: "table",
		Target:   types.TargetDaily,
	}, rc)

	if !result.Success || result.RecordsSaved != 2 {
		t.Fatalf("got %+v", result)
	}
	if records.rc.ExecutionType != types.TargetDaily {
		t.Errorf("run context target = %q", records.rc.ExecutionType)
	}
	if records.saved[0].Amount != 1200 || records.saved[1].Amount != 2300 {
		t.Errorf("saved %+v", records.saved)
	}
}

func TestExtractNoRecordsIsSuccess(t *testing.T) {
	s := newStubSession()
	s.content = "<html><body>メンテナンス中</body></html>"
	e := newTestExecutor(s, &fakeRecords{}, nil)

	result := e.Execute(context.Background(), types.Action{Type: types.ActionExtract, Target: types.TargetDaily}, types.RunContext{})
	if !result.Success || result.RecordsSaved != 0 {
		t.Errorf("got %+v", result)
	}
}

func TestExtractPersistenceFailureDoesNotAbort(t *testing.T) {
	s := newStubSession()
	s.content = `<table><tr><th>日付</th><th>報酬額</th></tr><tr><td>2025/11/01</td><td>100</td></tr></table>`
	records := &fakeRecords{err: types.ErrPersistence}
	e := newTestExecutor(s, records, nil)

	result := e.Execute(context.Background(), types.Action{Type: types.ActionExtract, Target: types.TargetDaily}, types.RunContext{})
	if !result.Success {
		t.Fatal("persistence failure must not fail the action")
	}
	if result.ErrorType != "persistence" || result.RecordsSaved != 0 {
		t.Errorf("got %+v", result)
	}
}

func TestErrorActionFails(t *testing.T) {
	e := newTestExecutor(newStubSession(), &fakeRecords{}, nil)
	result := e.Execute(context.Background(), types.Action{Type: types.ActionError, Message: "could not parse"}, types.RunContext{})
	if result.Success || result.ErrorType != "interpretation" {
		t.Errorf("got %+v", result)
	}
}

func TestUnknownActionIsFatal(t *testing.T) {
	e := newTestExecutor(newStubSession(), &fakeRecords{}, nil)
	result := e.Execute(context.Background(), types.Action{Type: "teleport"}, types.RunContext{})
	if result.Success || result.ErrorType != "fatal" {
		t.Errorf("got %+v", result)
	}
}

func TestClickSettleWait(t *testing.T) {
	slept := 0
	s := newStubSession()
	e := newTestExecutor(s, &fakeRecords{}, nil)
	e.sleep = func(time.Duration) { slept++ }

	e.Execute(context.Background(), types.Action{Type: types.ActionClick, Selector: "#a"}, types.RunContext{})
	if slept != 1 {
		t.Errorf("expected one settle wait, got %d", slept)
	}

	e.Execute(context.Background(), types.Action{Type: types.ActionClick, Selector: "#a", NoWaitAfter: true}, types.RunContext{})
	if slept != 1 {
		t.Errorf("no_wait_after must skip the settle wait, got %d sleeps", slept)
	}
}

func writeTempCSV(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseCSVFileUTF8BOM(t *testing.T) {
	csv := "\xef\xbb\xbf日付,発生報酬\n2025/11/01,\"1,200\"\n2025/11/02,2300\n合計,3500\n"
	path := writeTempCSV(t, "report.csv", []byte(csv))

	records, err := ParseCSVFile(path, 0, 1, types.TargetDaily, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Amount != 1200 || records[1].Amount != 2300 {
		t.Errorf("got %+v", records)
	}
}

func TestParseCSVFileShiftJIS(t *testing.T) {
	utf := "日付,報酬額\n2025/11/01,500\n"
	encoded, _, err := transform.String(japanese.ShiftJIS.NewEncoder(), utf)
	if err != nil {
		t.Fatal(err)
	}
	path := writeTempCSV(t, "sjis.csv", []byte(encoded))

	records, err := ParseCSVFile(path, 0, 1, types.TargetDaily, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Amount != 500 {
		t.Errorf("got %+v", records)
	}
}

func TestParseCSVFileMonthlyPeriods(t *testing.T) {
	csv := "月,確定報酬額\n2025/01,\"10,000\"\n2025/02,12000\n合計,22000\n"
	path := writeTempCSV(t, "monthly.csv", []byte(csv))

	records, err := ParseCSVFile(path, 0, 1, types.TargetMonthly, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %+v", records)
	}
	if records[0].Date.Format("2006-01-02") != "2025-01-31" || records[0].Amount != 10000 {
		t.Errorf("period rows must land on the month's last day: %+v", records[0])
	}
	if records[1].Date.Format("2006-01-02") != "2025-02-28" {
		t.Errorf("got %+v", records[1])
	}

	// the same file under a daily target has no parseable dates
	daily, err := ParseCSVFile(path, 0, 1, types.TargetDaily, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 0 {
		t.Errorf("daily target must not accept periods: %+v", daily)
	}
}

func TestExtractCSVUsesLastDownload(t *testing.T) {
	csvPath := writeTempCSV(t, "dl.csv", []byte("2025/11/01,100\n"))
	s := newStubSession()
	s.downloaded = csvPath
	records := &fakeRecords{}
	e := newTestExecutor(s, records, nil)

	if r := e.Execute(context.Background(), types.Action{Type: types.ActionDownload, Selector: "#csv"}, types.RunContext{}); !r.Success {
		t.Fatalf("download failed: %+v", r)
	}
	result := e.Execute(context.Background(), types.Action{
		Type:         types.ActionExtractCSV,
		Target:       types.TargetDaily,
		DateColumn:   0,
		AmountColumn: 1,
	}, types.RunContext{})
	if !result.Success || result.RecordsSaved != 1 {
		t.Errorf("got %+v", result)
	}
}

func TestExtractCSVWithoutFileIsFatal(t *testing.T) {
	e := newTestExecutor(newStubSession(), &fakeRecords{}, nil)
	result := e.Execute(context.Background(), types.Action{Type: types.ActionExtractCSV}, types.RunContext{})
	if result.Success || result.ErrorType != "fatal" {
		t.Errorf("got %+v", result)
	}
}
