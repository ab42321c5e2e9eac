package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

var statusFunction = regexp.MustCompile(`\b(success|failure|always|cancelled)\s*\(`)

// runState is what a condition can observe about the run so far
type runState struct {
	failed    bool
	cancelled bool
}

// normalizeCondition applies the implicit success() check. An empty condition
// means success(); one that never calls a status function is and-ed with it.
func normalizeCondition(condition string) string {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return "success()"
	}
	if statusFunction.MatchString(condition) {
		return condition
	}
	return "success() && (" + condition + ")"
}

func conditionEnv(pc *Context, state runState) map[string]any {
	return map[string]any{
		"branch":     pc.Event.Branch,
		"ref":        pc.Event.Ref,
		"sha":        pc.Event.SHA,
		"production": pc.Production,
		"env":        pc.Env(),
		"success":    func() bool { return !state.failed && !state.cancelled },
		"failure":    func() bool { return state.failed },
		"always":     func() bool { return true },
		"cancelled":  func() bool { return state.cancelled },
	}
}

// evaluate decides whether a step with the given condition runs
func evaluate(condition string, pc *Context, state runState) (bool, error) {
	normalized := normalizeCondition(condition)
	env := conditionEnv(pc, state)

	program, err := expr.Compile(normalized, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", condition, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	return out.(bool), nil
}

// ValidateCondition compiles condition against an empty run
func ValidateCondition(condition string) error {
	pc := &Context{env: map[string]string{}}
	_, err := expr.Compile(normalizeCondition(condition), expr.Env(conditionEnv(pc, runState{})), expr.AsBool())
	if err != nil {
		return fmt.Errorf("invalid condition %q: %w", condition, err)
	}
	return nil
}
