// Package filter is the content deny-list evaluated before any tool call is
// dispatched. Rules match string values anywhere inside the (arbitrarily
// nested) argument payload; a match reports the rule label, never the
// matched text. Rule kinds: literal substring, regex, and CEL expressions
// over {tool, action, text}.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"
)

// Kind selects the matching strategy for a rule.
type Kind string

const (
	KindLiteral Kind = "literal"
	KindRegex   Kind = "regex"
	KindExpr    Kind = "expr"
)

// Rule is one deny entry. Label is what callers see on a match.
type Rule struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Pattern string `json:"pattern"`
	Label   string `json:"label"`
}

// Match identifies the rule that fired.
type Match struct {
	RuleID string
	Label  string
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
	prg  cel.Program
}

// Engine holds the compiled rule set. Scan is lock-free per call beyond a
// read lock; Add/Delete/Reload persist through the rules file.
type Engine struct {
	mu    sync.RWMutex
	path  string
	env   *cel.Env
	rules []compiledRule
}

// NewEngine creates an engine bound to a rules file. A missing file is an
// empty rule set, not an error.
func NewEngine(path string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("tool", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("text", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("filter: cel env: %w", err)
	}

	e := &Engine{path: path, env: env}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the rules file, replacing the active set atomically. A
// rule that fails to compile rejects the whole load (fail closed: a policy
// file with a broken rule must not silently drop it).
func (e *Engine) Reload() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.mu.Lock()
			e.rules = nil
			e.mu.Unlock()
			return nil
		}
		return fmt.Errorf("filter: read rules: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("filter: parse rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr, err := e.compile(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

func (e *Engine) compile(r Rule) (compiledRule, error) {
	if r.Pattern == "" {
		return compiledRule{}, fmt.Errorf("filter: rule %q has empty pattern", r.ID)
	}
	if r.Label == "" {
		r.Label = r.ID
	}
	cr := compiledRule{rule: r}
	switch r.Kind {
	case KindLiteral:
	case KindRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("filter: rule %q: %w", r.ID, err)
		}
		cr.re = re
	case KindExpr:
		ast, issues := e.env.Compile(r.Pattern)
		if issues != nil && issues.Err() != nil {
			return compiledRule{}, fmt.Errorf("filter: rule %q: %w", r.ID, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return compiledRule{}, fmt.Errorf("filter: rule %q: %w", r.ID, err)
		}
		cr.prg = prg
	default:
		return compiledRule{}, fmt.Errorf("filter: rule %q has unknown kind %q", r.ID, r.Kind)
	}
	return cr, nil
}

// Add compiles, appends, and persists one rule. A missing ID is minted.
func (e *Engine) Add(r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	cr, err := e.compile(r)
	if err != nil {
		return Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.rule.ID == r.ID {
			return Rule{}, fmt.Errorf("filter: rule %q already exists", r.ID)
		}
	}
	e.rules = append(e.rules, cr)
	if err := e.persistLocked(); err != nil {
		e.rules = e.rules[:len(e.rules)-1]
		return Rule{}, err
	}
	return cr.rule, nil
}

// Delete removes a rule by ID and persists.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cr := range e.rules {
		if cr.rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return e.persistLocked()
		}
	}
	return errors.New("filter: rule not found")
}

// Rules returns the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	return out
}

// persistLocked writes the rules file via temp + rename.
func (e *Engine) persistLocked() error {
	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, cr.rule)
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("filter: marshal rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o700); err != nil {
		return fmt.Errorf("filter: create dir: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filter: write rules: %w", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return fmt.Errorf("filter: rename rules: %w", err)
	}
	return nil
}

// Scan walks args collecting every string value (map keys are not scanned)
// and evaluates rules in kind order: literals, then regexes, then exprs.
// The first match wins. A nil return means clean.
func (e *Engine) Scan(tool, action string, args any) *Match {
	var texts []string
	collectStrings(args, &texts, 0)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, pass := range []Kind{KindLiteral, KindRegex, KindExpr} {
		for _, cr := range e.rules {
			if cr.rule.Kind != pass {
				continue
			}
			for _, text := range texts {
				if cr.matches(tool, action, text) {
					return &Match{RuleID: cr.rule.ID, Label: cr.rule.Label}
				}
			}
		}
	}
	return nil
}

func (cr *compiledRule) matches(tool, action, text string) bool {
	switch cr.rule.Kind {
	case KindLiteral:
		return strings.Contains(text, cr.rule.Pattern)
	case KindRegex:
		return cr.re.MatchString(text)
	case KindExpr:
		out, _, err := cr.prg.Eval(map[string]any{
			"tool":   tool,
			"action": action,
			"text":   text,
		})
		if err != nil {
			// Policy decisions must be deterministic; an errored expression
			// cannot justify a block carrying its label.
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}
	return false
}

const maxDepth = 32

// collectStrings gathers string values from nested maps and slices. Depth
// is capped so hostile payloads cannot recurse unboundedly.
func collectStrings(v any, out *[]string, depth int) {
	if depth > maxDepth {
		return
	}
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case map[string]any:
		for _, val := range t {
			collectStrings(val, out, depth+1)
		}
	case []any:
		for _, val := range t {
			collectStrings(val, out, depth+1)
		}
	}
}
