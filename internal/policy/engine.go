// Package policy adjusts drift severities through CEL rules. The
// differ produces default severities; a policy file (or a built-in
// preset) can escalate or downgrade them per organization taste
// without code changes.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/felipestenzel/mcp-tap/internal/models"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Rule is one severity override. When is a CEL expression over the
// "input" map; a rule whose expression evaluates true sets the entry's
// severity. Rules run in file order and the first match wins.
type Rule struct {
	Name     string `yaml:"name"`
	When     string `yaml:"when"`
	Severity string `yaml:"severity"`
}

// Config is a parsed policy file.
type Config struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Rules       []Rule `yaml:"rules"`
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Engine holds compiled rules ready for evaluation.
type Engine struct {
	name  string
	rules []compiledRule
}

// EntryContext carries the lockfile-side facts a rule can reference in
// addition to the drift entry itself.
type EntryContext struct {
	VerifiedHealthy bool
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Compile validates and compiles a config into an engine. Every rule
// must compile and name a known severity; a policy file with a broken
// rule is rejected whole.
func Compile(config *Config) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	engine := &Engine{name: config.Name}
	var problems []string
	for _, rule := range config.Rules {
		if !validSeverity(rule.Severity) {
			problems = append(problems, fmt.Sprintf("rule %q: unknown severity %q", rule.Name, rule.Severity))
			continue
		}
		ast, issues := env.Compile(rule.When)
		if issues != nil && issues.Err() != nil {
			problems = append(problems, fmt.Sprintf("rule %q: %v", rule.Name, issues.Err()))
			continue
		}
		program, err := env.Program(ast)
		if err != nil {
			problems = append(problems, fmt.Sprintf("rule %q: %v", rule.Name, err))
			continue
		}
		engine.rules = append(engine.rules, compiledRule{rule: rule, program: program})
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("policy validation failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return engine, nil
}

// Load reads and compiles a policy file.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return Compile(&config)
}

// Name reports the policy's declared name.
func (e *Engine) Name() string { return e.name }

// Apply returns the severity an entry should carry under this policy.
// A nil engine and an entry matching no rule both keep the default.
// Two severities are pinned regardless of what the rules say: EXTRA is
// always INFO, and TOOLS_CHANGED never drops below ERROR.
func (e *Engine) Apply(entry models.DriftEntry, entryCtx EntryContext) models.Severity {
	return clamp(entry.Type, e.evaluate(entry, entryCtx))
}

func (e *Engine) evaluate(entry models.DriftEntry, entryCtx EntryContext) models.Severity {
	if e == nil {
		return entry.Severity
	}

	input := map[string]interface{}{
		"server":           entry.Server,
		"drift_type":       string(entry.Type),
		"severity":         string(entry.Severity),
		"verified_healthy": entryCtx.VerifiedHealthy,
	}

	for _, cr := range e.rules {
		out, _, err := cr.program.Eval(map[string]interface{}{"input": input})
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return models.Severity(cr.rule.Severity)
		}
	}
	return entry.Severity
}

func clamp(driftType models.DriftType, severity models.Severity) models.Severity {
	switch driftType {
	case models.DriftExtra:
		return models.SeverityInfo
	case models.DriftToolsChanged:
		if severity.Rank() < models.SeverityError.Rank() {
			return models.SeverityError
		}
	}
	return severity
}

func validSeverity(s string) bool {
	switch models.Severity(s) {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError:
		return true
	}
	return false
}
