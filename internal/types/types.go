// Package types defines the shared data model: scenario steps, browser
// actions, extracted records and run-level results.
package types

import "time"

// ActionType enumerates the structured browser operations the executor
// understands.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionFill       ActionType = "fill"
	ActionHover      ActionType = "hover"
	ActionScroll     ActionType = "scroll"
	ActionWait       ActionType = "wait"
	ActionKeyboard   ActionType = "keyboard"
	ActionScreenshot ActionType = "screenshot"
	ActionSelect     ActionType = "select"
	ActionDownload   ActionType = "download"
	ActionExtract    ActionType = "extract"
	ActionExtractCSV ActionType = "extract_csv"
	// ActionError is the sentinel produced by a failed interpretation.
	// It always fails the step and is never retried.
	ActionError ActionType = "error"
)

// TargetTable selects the destination table of an extract action.
type TargetTable string

const (
	TargetDaily   TargetTable = "daily"
	TargetMonthly TargetTable = "monthly"
)

// Action is a tagged union over ActionType. Only the fields relevant to the
// given type are set; executing an action never mutates it.
type Action struct {
	Type        ActionType  `yaml:"action" json:"action"`
	URL         string      `yaml:"url,omitempty" json:"url,omitempty"`
	Selector    string      `yaml:"selector,omitempty" json:"selector,omitempty"`
	Value       string      `yaml:"value,omitempty" json:"value,omitempty"`
	TimeoutMS   int         `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	NoWaitAfter bool        `yaml:"no_wait_after,omitempty" json:"no_wait_after,omitempty"`
	Pixels      int         `yaml:"pixels,omitempty" json:"pixels,omitempty"`
	DurationMS  int         `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	Key         string      `yaml:"key,omitempty" json:"key,omitempty"`
	Path        string      `yaml:"path,omitempty" json:"path,omitempty"`
	Target      TargetTable `yaml:"target,omitempty" json:"target,omitempty"`
	// AmountHeader is an optional header-text hint for locating the amount
	// column of an extracted table.
	AmountHeader string `yaml:"amount_header,omitempty" json:"amount_header,omitempty"`
	// Horizontal marks tables laid out as year/month/amount rows that are
	// read column by column.
	Horizontal bool `yaml:"horizontal,omitempty" json:"horizontal,omitempty"`
	// DateColumn/AmountColumn are 0-based column indexes for extract_csv.
	DateColumn   int    `yaml:"date_column,omitempty" json:"date_column,omitempty"`
	AmountColumn int    `yaml:"amount_column,omitempty" json:"amount_column,omitempty"`
	Message      string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Step is one entry of a scenario: either a free-text instruction that needs
// interpretation or an already structured action.
type Step struct {
	Instruction string  `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Action      *Action `yaml:"action,omitempty" json:"action,omitempty"`
}

// IsText reports whether the step needs to go through the interpreter.
func (s Step) IsText() bool {
	return s.Action == nil
}

// Record is one observed revenue datum. Monthly observations are converted
// to the last calendar day of their month before they reach the store, so
// Date is always a full date. Records are never mutated after creation.
type Record struct {
	Date   time.Time `json:"date"`
	Amount int64     `json:"amount"`
}

// RetryPolicy governs whole-run retries. It does not affect the executor's
// built-in per-click fallback chain.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	DelayMS     int      `yaml:"delay_ms" json:"delay_ms"`
	RetryOn     []string `yaml:"retry_on" json:"retry_on"`
}

// DefaultRetryPolicy mirrors the defaults a scenario gets when it does not
// define its own retry block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		DelayMS:     2000,
		RetryOn:     []string{"timeout", "element_not_found"},
	}
}

// ExecResult is the outcome of executing a single action. It is an explicit
// return value; the input action is left untouched.
type ExecResult struct {
	Success      bool
	RecordsSaved int
	ErrorType    string
	Err          error
}

// RunStatus is the terminal (or in-flight) status of an execution log entry.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusPartial RunStatus = "partial"
)

// RunContext carries the per-run metadata every extracted record is
// enriched with before persistence.
type RunContext struct {
	ASPID         string
	ASPName       string
	MediaID       string
	AccountItemID string
	ExecutionType TargetTable
}
