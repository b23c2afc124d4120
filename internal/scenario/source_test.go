package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rere-dev/aspagent/internal/types"
)

const sampleScenarioYAML = `
display_name: Example ASP
asp_name: example
daily:
  - ログインページを開く
  - action: fill
    selector: "#username"
    value: "{SECRET:EXAMPLE_USERNAME}"
  - action: click
    selector: "button[type=submit]"
  - action: extract
    selector: "table.report"
    target: daily
retry:
  max_attempts: 2
  delay_ms: 500
  retry_on: [timeout]
monthly:
  - action: navigate
    url: https://example.test/monthly
  - action: extract
    selector: table
    target: monthly
`

func writeScenario(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "example.yaml", sampleScenarioYAML)

	def, err := Load(filepath.Join(dir, "example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if def.ASPName != "example" || def.DisplayName != "Example ASP" {
		t.Errorf("unexpected names: %q / %q", def.ASPName, def.DisplayName)
	}

	daily := def.Steps(types.TargetDaily)
	if len(daily) != 4 {
		t.Fatalf("got %d daily steps, want 4", len(daily))
	}
	if !daily[0].IsText() || daily[0].Instruction != "ログインページを開く" {
		t.Errorf("step 0 should be a text instruction: %+v", daily[0])
	}
	if daily[1].IsText() || daily[1].Action.Type != types.ActionFill {
		t.Errorf("step 1 should be a fill action: %+v", daily[1])
	}
	if daily[3].Action.Target != types.TargetDaily {
		t.Errorf("extract target = %q, want daily", daily[3].Action.Target)
	}

	monthly := def.Steps(types.TargetMonthly)
	if len(monthly) != 2 || monthly[0].Action.Type != types.ActionNavigate {
		t.Errorf("unexpected monthly steps: %+v", monthly)
	}

	policy := def.RetryPolicy()
	if policy.MaxAttempts != 2 || policy.DelayMS != 500 {
		t.Errorf("retry policy not honored: %+v", policy)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	def := &Definition{}
	if got, want := def.RetryPolicy(), types.DefaultRetryPolicy(); got.MaxAttempts != want.MaxAttempts || got.DelayMS != want.DelayMS {
		t.Errorf("defaults not applied: %+v", got)
	}
}

type fakeFreeText struct {
	text string
	err  error
}

func (f fakeFreeText) ScenarioText(context.Context, string) (string, error) {
	return f.text, f.err
}

func TestResolvePrefersDeclarative(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "example.yaml", sampleScenarioYAML)

	src := &Source{Dir: dir, Fallback: fakeFreeText{text: "1. should not be used"}}
	steps, _, err := src.Resolve(context.Background(), "asp-1", "example", types.TargetDaily)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 4 {
		t.Errorf("expected the declarative scenario, got %d steps", len(steps))
	}
}

func TestResolveFreeTextFallback(t *testing.T) {
	src := &Source{Dir: t.TempDir(), Fallback: fakeFreeText{text: "1. ログインする\n2) レポートを開く\n\n報酬テーブルを抽出する"}}
	steps, policy, err := src.Resolve(context.Background(), "asp-1", "unknown", types.TargetDaily)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ログインする", "レポートを開く", "報酬テーブルを抽出する"}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(steps), len(want))
	}
	for i, w := range want {
		if steps[i].Instruction != w {
			t.Errorf("step %d = %q, want %q", i, steps[i].Instruction, w)
		}
	}
	if policy.MaxAttempts != types.DefaultRetryPolicy().MaxAttempts {
		t.Errorf("fallback should use the default retry policy, got %+v", policy)
	}
}

func TestResolveMissingScenario(t *testing.T) {
	src := &Source{Dir: t.TempDir(), Fallback: fakeFreeText{text: "  "}}
	_, _, err := src.Resolve(context.Background(), "asp-1", "unknown", types.TargetMonthly)
	if !errors.Is(err, types.ErrResolution) {
		t.Errorf("expected a resolution error, got %v", err)
	}
}

func TestParseFreeTextJSON(t *testing.T) {
	text := `[{"action":"navigate","url":"https://example.test"},{"action":"extract","selector":"table","target":"daily"}]`
	steps := ParseFreeText(text)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].IsText() || steps[0].Action.Type != types.ActionNavigate {
		t.Errorf("step 0 = %+v", steps[0])
	}
	if steps[1].Action.Target != types.TargetDaily {
		t.Errorf("step 1 = %+v", steps[1])
	}
}

func TestParseFreeTextInvalidJSONFallsBackToLines(t *testing.T) {
	steps := ParseFreeText("[not json\nログインする")
	if len(steps) != 2 || !steps[0].IsText() {
		t.Errorf("expected line-split fallback, got %+v", steps)
	}
}
