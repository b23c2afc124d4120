// Package run orchestrates one scrape: resolve the scenario, open a
// browser, interpret and execute each step, persist what was extracted and
// close the execution log. Whole-run retries restart from scenario
// resolution with a fresh browser.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rere-dev/aspagent/internal/browser"
	"github.com/rere-dev/aspagent/internal/config"
	"github.com/rere-dev/aspagent/internal/executor"
	"github.com/rere-dev/aspagent/internal/interpret"
	"github.com/rere-dev/aspagent/internal/log"
	"github.com/rere-dev/aspagent/internal/scenario"
	"github.com/rere-dev/aspagent/internal/store"
	"github.com/rere-dev/aspagent/internal/types"
)

var (
	// bracketRe pulls the quoted label out of instructions like
	// 「確定レポート」をクリック.
	bracketRe = regexp.MustCompile(`[「『]([^」』]+)[」』]`)
	// uiNounRe pulls the word right before a UI noun, e.g. ログインボタンを押す.
	uiNounRe = regexp.MustCompile(`([^\s、。]+?)(ボタン|リンク|タブ|メニュー)`)
)

// Session is the browser surface a run needs. *browser.Session satisfies it.
type Session interface {
	executor.Session
	Open(ctx context.Context) error
	Close()
	ScreenshotBase64() (string, error)
}

// Interpreter turns a text instruction into actions.
type Interpreter interface {
	Interpret(ctx context.Context, req interpret.Request) ([]types.Action, error)
}

// Result is what one run reports back to the batch driver.
type Result struct {
	ASPName      string
	Target       types.TargetTable
	Status       types.RunStatus
	RecordsSaved int
	Attempts     int
	ErrorType    string
	Err          error
}

// Controller executes runs against one store. Sessions are created per
// attempt and never reused.
type Controller struct {
	Config      *config.Config
	Store       *store.Store
	Scenarios   *scenario.Source
	Interpreter Interpreter
	NewSession  func() Session

	// sleep is swappable in tests
	sleep func(time.Duration)
}

func NewController(cfg *config.Config, st *store.Store, it Interpreter) *Controller {
	return &Controller{
		Config:      cfg,
		Store:       st,
		Scenarios:   &scenario.Source{Dir: cfg.ScenarioDir, Fallback: st},
		Interpreter: it,
		NewSession: func() Session {
			return browser.New(browser.Config{
				Headless:         cfg.HeadlessBool(),
				UserAgent:        cfg.Browser.UserAgent,
				DefaultTimeoutMS: cfg.Browser.DefaultTimeoutMS,
				DownloadDir:      cfg.Browser.DownloadDir,
			})
		},
		sleep: time.Sleep,
	}
}

// Run scrapes one ASP for one target table. The execution log row is
// always finalized, whatever happens.
func (c *Controller) Run(ctx context.Context, aspName string, target types.TargetTable) Result {
	logger := log.LoggerFromContext(ctx).With(
		slog.String("asp", aspName), slog.String("target", string(target)))
	ctx = log.ContextWithLogger(ctx, logger)

	result := Result{ASPName: aspName, Target: target, Status: types.RunStatusFailed}

	// metadata resolution sits inside the retry loop like everything else,
	// so a flaky store lookup gets the same second chance a flaky portal does
	policy := types.DefaultRetryPolicy()
	var (
		asp   *store.ASP
		rc    types.RunContext
		logID string
	)
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		var attemptErr error
		if asp == nil {
			asp, rc, attemptErr = c.resolveMetadata(ctx, aspName, target)
			if attemptErr == nil {
				if id, err := c.Store.StartExecution(ctx, rc); err != nil {
					logger.Error("failed to open execution log", slog.String("error", err.Error()))
					// proceed without a log row rather than refusing to scrape
				} else {
					logID = id
				}
			}
		}
		if attemptErr == nil {
			var saved int
			var partial bool
			saved, partial, policy, attemptErr = c.attempt(ctx, asp, rc, target)
			result.RecordsSaved = saved

			if attemptErr == nil {
				result.Status = types.RunStatusSuccess
				result.Err = nil
				result.ErrorType = ""
				if partial {
					result.Status = types.RunStatusPartial
					result.ErrorType = "persistence"
				}
				break
			}
		}
		result.Err = attemptErr
		result.ErrorType = types.ErrorClass(attemptErr)
		if result.RecordsSaved > 0 {
			result.Status = types.RunStatusPartial
		}
		if attempt >= policy.MaxAttempts || !shouldRetry(policy, attemptErr) {
			logger.Error("run failed",
				slog.Int("attempt", attempt), slog.String("error", attemptErr.Error()))
			break
		}
		delay := time.Duration(policy.DelayMS*attempt) * time.Millisecond
		logger.Warn("retrying run",
			slog.Int("attempt", attempt), slog.Duration("delay", delay),
			slog.String("error", attemptErr.Error()))
		c.sleep(delay)
	}

	if logID != "" {
		msg := ""
		if result.Err != nil {
			msg = result.Err.Error()
		}
		if err := c.Store.FinishExecution(ctx, logID, result.Status, result.ErrorType, msg, result.RecordsSaved); err != nil {
			logger.Error("failed to finalize execution log", slog.String("error", err.Error()))
		}
	}
	return result
}

// resolveMetadata loads the ASP row and the default media/account-item
// ids. Unregistered ASPs still run off a declarative scenario, with
// synthetic metadata, so new scenarios can be tried before formal
// registration; a genuine store failure is a resolution error.
func (c *Controller) resolveMetadata(ctx context.Context, aspName string, target types.TargetTable) (*store.ASP, types.RunContext, error) {
	logger := log.LoggerFromContext(ctx)

	asp, err := c.Store.ASPByName(ctx, aspName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("asp not registered, using synthetic metadata")
		asp = &store.ASP{Name: aspName}
	case err != nil:
		logger.Error("asp lookup failed", slog.String("error", err.Error()))
		return nil, types.RunContext{}, fmt.Errorf("%w: %w", types.ErrResolution, err)
	}

	mediaID, itemID, err := c.Store.EnsureDefaultMetadata(ctx)
	if err != nil {
		return nil, types.RunContext{}, fmt.Errorf("%w: %w", types.ErrResolution, err)
	}
	return asp, types.RunContext{
		ASPID:         asp.ID,
		ASPName:       asp.Name,
		MediaID:       mediaID,
		AccountItemID: itemID,
		ExecutionType: target,
	}, nil
}

// shouldRetry decides whether the whole-run wrapper gets another attempt.
// Resolution failures always do (the backing data may appear between
// attempts); transient action failures do when the scenario's retry_on
// list asks for it; everything else is terminal.
func shouldRetry(policy types.RetryPolicy, err error) bool {
	if errors.Is(err, types.ErrResolution) {
		return true
	}
	if !types.IsTransient(err) {
		return false
	}
	for _, kind := range policy.RetryOn {
		if kind == "timeout" || kind == "element_not_found" {
			return true
		}
	}
	return false
}

// attempt performs one full pass: resolve, open a fresh browser, execute
// every step. It returns the records saved, whether a persistence failure
// degraded the run, and the retry policy the scenario declared.
func (c *Controller) attempt(ctx context.Context, asp *store.ASP, rc types.RunContext, target types.TargetTable) (int, bool, types.RetryPolicy, error) {
	steps, policy, err := c.Scenarios.Resolve(ctx, asp.ID, asp.Name, target)
	if err != nil {
		// no scenario means no policy either; retry resolution under the
		// defaults in case the backing data shows up
		return 0, false, types.DefaultRetryPolicy(), err
	}

	session := c.NewSession()
	if err := session.Open(ctx); err != nil {
		return 0, false, policy, types.Fatal(err)
	}
	defer session.Close()

	exec := executor.New(session, c.Store, &secretResolver{store: c.Store, aspID: asp.ID}, c.Config.ScreenshotDir)
	exec.SetSleep(c.sleep)

	saved := 0
	partial := false
	for i, step := range steps {
		results, err := c.runStep(ctx, exec, session, step, rc)
		for _, r := range results {
			saved += r.RecordsSaved
			if r.Err != nil && errors.Is(r.Err, types.ErrPersistence) {
				partial = true
			}
		}
		c.debugShot(ctx, session, rc, i)
		if err != nil {
			return saved, partial, policy, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return saved, partial, policy, nil
}

// runStep interprets (if needed) and executes one scenario step. For text
// steps whose click fails on visibility, one extra click keyed on the
// instruction's own wording is attempted before giving up.
func (c *Controller) runStep(ctx context.Context, exec *executor.Executor, session Session, step types.Step, rc types.RunContext) ([]types.ExecResult, error) {
	logger := log.LoggerFromContext(ctx)

	actions := []types.Action{}
	if step.IsText() {
		logger.Info("interpreting step", slog.String("instruction", step.Instruction))
		html, err := session.Content()
		if err != nil {
			return nil, types.Fatal(err)
		}
		shot, err := session.ScreenshotBase64()
		if err != nil {
			shot = "" // interpretation works without the image
		}
		actions, err = c.Interpreter.Interpret(ctx, interpret.Request{
			Instruction:      step.Instruction,
			PageHTML:         html,
			ScreenshotBase64: shot,
		})
		if err != nil {
			return nil, err
		}
	} else {
		actions = append(actions, *step.Action)
	}

	var results []types.ExecResult
	for _, a := range actions {
		result := exec.Execute(ctx, a, rc)
		if !result.Success && a.Type == types.ActionClick && step.IsText() && types.IsTransient(result.Err) {
			if fallback := textFallbackSelector(step.Instruction); fallback != "" && fallback != a.Selector {
				logger.Warn("click failed, falling back to instruction text",
					slog.String("selector", a.Selector), slog.String("fallback", fallback))
				retry := a
				retry.Selector = fallback
				result = exec.Execute(ctx, retry, rc)
			}
		}
		results = append(results, result)
		if !result.Success {
			return results, result.Err
		}
	}
	return results, nil
}

// textFallbackSelector derives a text-match selector from the instruction
// itself: a quoted 「label」 first, otherwise the word in front of a UI noun.
func textFallbackSelector(instruction string) string {
	if m := bracketRe.FindStringSubmatch(instruction); m != nil {
		return browser.TextPrefix + m[1]
	}
	if m := uiNounRe.FindStringSubmatch(instruction); m != nil {
		label := strings.TrimSpace(m[1])
		if label != "" {
			return browser.TextPrefix + label
		}
	}
	return ""
}

// debugShot saves a per-step screenshot when debug mode is on. Best effort.
func (c *Controller) debugShot(ctx context.Context, session Session, rc types.RunContext, stepIdx int) {
	if !config.Debug || c.Config.ScreenshotDir == "" {
		return
	}
	name := fmt.Sprintf("%s_%s_step%02d.png", rc.ASPName, rc.ExecutionType, stepIdx+1)
	path := filepath.Join(c.Config.ScreenshotDir, name)
	if err := session.SaveScreenshot(path); err != nil {
		log.LoggerFromContext(ctx).Debug("debug screenshot failed", slog.String("error", err.Error()))
	}
}

// secretResolver maps {SECRET:KEY} placeholders to process environment
// values, indirecting *_USERNAME and *_PASSWORD keys through the ASP's
// credential row when one exists.
type secretResolver struct {
	store *store.Store
	aspID string

	cred       *store.Credential
	credLoaded bool
}

func (r *secretResolver) Resolve(ctx context.Context, key string) (string, bool) {
	if !r.credLoaded {
		r.credLoaded = true
		cred, err := r.store.Credential(ctx, r.aspID)
		if err == nil {
			r.cred = cred
		}
	}
	lookup := key
	if r.cred != nil {
		switch {
		case strings.HasSuffix(key, "_USERNAME"):
			lookup = r.cred.UsernameKey
		case strings.HasSuffix(key, "_PASSWORD"):
			lookup = r.cred.PasswordKey
		}
	}
	if v := os.Getenv(lookup); v != "" {
		return v, true
	}
	if lookup != key {
		// the credential row pointed at an empty env var; try the raw key
		if v := os.Getenv(key); v != "" {
			return v, true
		}
	}
	return "", false
}
