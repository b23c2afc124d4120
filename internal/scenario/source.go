// Package scenario resolves the step list to run for an ASP. Declarative
// YAML files in the scenario directory take precedence; a free-text scenario
// stored alongside the ASP row is the fallback. No scenario at all is a
// resolution error that fails the run before the browser even starts.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rere-dev/aspagent/internal/log"
	"github.com/rere-dev/aspagent/internal/types"
	"gopkg.in/yaml.v3"
)

// numberedPrefixRe strips leading "1. " / "2) " style numbering from
// free-text scenario lines.
var numberedPrefixRe = regexp.MustCompile(`^\d+[.)]\s*(.+)$`)

// Definition is one declarative scenario file.
type Definition struct {
	// DisplayName is what reports and logs call this ASP.
	DisplayName string `yaml:"display_name"`
	// ASPName must match the ASP's name in the database.
	ASPName string             `yaml:"asp_name"`
	Daily   []Step             `yaml:"daily,omitempty"`
	Monthly []Step             `yaml:"monthly,omitempty"`
	Retry   *types.RetryPolicy `yaml:"retry,omitempty"`
}

// Step wraps types.Step with YAML decoding that accepts either a bare
// string (a free-text instruction) or an action mapping.
type Step struct {
	types.Step
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var text string
		if err := node.Decode(&text); err != nil {
			return err
		}
		s.Instruction = text
		return nil
	case yaml.MappingNode:
		// a mapping with an "action" key is a structured step, anything
		// else decodes as the full step shape
		var probe struct {
			Action string `yaml:"action"`
		}
		if err := node.Decode(&probe); err == nil && probe.Action != "" {
			var a types.Action
			if err := node.Decode(&a); err != nil {
				return err
			}
			s.Action = &a
			return nil
		}
		return node.Decode(&s.Step)
	default:
		return fmt.Errorf("scenario step must be a string or a mapping (line %d)", node.Line)
	}
}

// Steps converts the definition's step list for the given target into the
// shared step type.
func (d *Definition) Steps(target types.TargetTable) []types.Step {
	var src []Step
	switch target {
	case types.TargetMonthly:
		src = d.Monthly
	default:
		src = d.Daily
	}
	steps := make([]types.Step, len(src))
	for i, s := range src {
		steps[i] = s.Step
	}
	return steps
}

// RetryPolicy returns the definition's retry block, or the defaults.
func (d *Definition) RetryPolicy() types.RetryPolicy {
	if d.Retry == nil {
		return types.DefaultRetryPolicy()
	}
	p := *d.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = types.DefaultRetryPolicy().MaxAttempts
	}
	if p.DelayMS <= 0 {
		p.DelayMS = types.DefaultRetryPolicy().DelayMS
	}
	return p
}

// FreeTextSource looks up the stored free-text scenario for an ASP. It is
// satisfied by the store.
type FreeTextSource interface {
	ScenarioText(ctx context.Context, aspID string) (string, error)
}

// Source resolves scenarios from the scenario directory first, the stored
// free text second.
type Source struct {
	Dir      string
	Fallback FreeTextSource
}

// Resolve returns the steps and retry policy for one run. The returned
// error wraps types.ErrResolution when neither source has a scenario.
func (s *Source) Resolve(ctx context.Context, aspID, aspName string, target types.TargetTable) ([]types.Step, types.RetryPolicy, error) {
	logger := log.LoggerFromContext(ctx)

	if def, err := s.definitionFor(aspName); err != nil {
		return nil, types.RetryPolicy{}, err
	} else if def != nil {
		steps := def.Steps(target)
		if len(steps) > 0 {
			logger.Debug("resolved declarative scenario",
				slog.String("asp", aspName), slog.Int("steps", len(steps)))
			return steps, def.RetryPolicy(), nil
		}
		// a definition exists but has no steps for this target; fall through
	}

	if s.Fallback != nil {
		text, err := s.Fallback.ScenarioText(ctx, aspID)
		if err != nil {
			return nil, types.RetryPolicy{}, fmt.Errorf("%w: %w", types.ErrResolution, err)
		}
		if strings.TrimSpace(text) != "" {
			steps := ParseFreeText(text)
			logger.Debug("resolved free-text scenario",
				slog.String("asp", aspName), slog.Int("steps", len(steps)))
			return steps, types.DefaultRetryPolicy(), nil
		}
	}
	return nil, types.RetryPolicy{}, fmt.Errorf("%w: no %s scenario for %s", types.ErrResolution, target, aspName)
}

// definitionFor scans the scenario directory for a definition whose
// asp_name matches. A nil, nil return means no file matched.
func (s *Source) definitionFor(aspName string) (*Definition, error) {
	if s.Dir == "" {
		return nil, nil
	}
	defs, err := LoadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", types.ErrResolution, err)
	}
	for _, def := range defs {
		if def.ASPName == aspName || def.DisplayName == aspName {
			return def, nil
		}
	}
	return nil, nil
}

// LoadDir reads every scenario file in dir, sorted by filename.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yml" || ext == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		def, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Load reads a single scenario definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	if def.ASPName == "" {
		def.ASPName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if def.DisplayName == "" {
		def.DisplayName = def.ASPName
	}
	return &def, nil
}

// ParseFreeText turns a stored free-text scenario into steps. A JSON array
// is decoded as structured actions; anything else becomes one instruction
// per non-empty line, with leading numbering stripped.
func ParseFreeText(text string) []types.Step {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") {
		var actions []types.Action
		if err := json.Unmarshal([]byte(trimmed), &actions); err == nil {
			steps := make([]types.Step, len(actions))
			for i := range actions {
				steps[i] = types.Step{Action: &actions[i]}
			}
			return steps
		}
		// not valid JSON after all; treat as text
	}
	var steps []types.Step
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := numberedPrefixRe.FindStringSubmatch(line); m != nil {
			line = m[1]
		}
		steps = append(steps, types.Step{Instruction: line})
	}
	return steps
}
