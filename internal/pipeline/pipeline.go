// Package pipeline runs an ordered list of steps for a single push.
//
// Steps run one at a time on the calling goroutine. Each step has a condition
// that decides whether it runs given the outcome of the steps before it:
//
//	success()   no earlier step failed (the default)
//	failure()   an earlier step failed
//	always()    regardless of earlier steps
//	cancelled() the run was cancelled
//
// Conditions are expr expressions and may also use branch, ref, sha,
// production and env.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/errors"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// cleanupTimeout bounds steps that still run after the run was cancelled
const cleanupTimeout = time.Minute

type StepFunc func(ctx context.Context, pc *Context) error

type Step struct {
	Name       string
	If         string        // Condition, empty means success()
	Timeout    time.Duration // Zero means no limit beyond the parent context
	BestEffort bool          // Failure is recorded but does not fail the run
	Run        StepFunc
}

type Pipeline struct {
	Name  string
	Steps []Step
}

type StepResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Result struct {
	Pipeline  string        `json:"pipeline"`
	RunID     string        `json:"run_id"`
	Branch    string        `json:"branch"`
	SHA       string        `json:"sha"`
	Status    Status        `json:"status"`
	Steps     []StepResult  `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Step returns the result of the named step
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Err returns nil when the run succeeded or was skipped, otherwise an
// ErrStepFailed naming the failed steps.
func (r *Result) Err() error {
	switch r.Status {
	case StatusSuccess, StatusSkipped:
		return nil
	}

	var failed []string
	for _, s := range r.Steps {
		if s.Status == StatusFailure || s.Status == StatusCancelled {
			failed = append(failed, fmt.Sprintf("%s: %s", s.Name, s.Error))
		}
	}
	return fmt.Errorf("%w: %s %s: %s", errors.ErrStepFailed, r.Pipeline, r.Status, strings.Join(failed, "; "))
}

// Skipped returns the result of a run that was never started, e.g. because
// the branch is excluded by the trigger filter.
func (p *Pipeline) Skipped(pc *Context) *Result {
	result := &Result{
		Pipeline:  p.Name,
		RunID:     pc.RunID,
		Branch:    pc.Event.Branch,
		SHA:       pc.Event.SHA,
		Status:    StatusSkipped,
		StartedAt: time.Now(),
	}
	for _, step := range p.Steps {
		result.Steps = append(result.Steps, StepResult{Name: step.Name, Status: StatusSkipped})
	}
	return result
}

// PlannedStep tells whether a step runs when every earlier step succeeds
type PlannedStep struct {
	Name string `json:"name"`
	If   string `json:"if,omitempty"`
	Runs bool   `json:"runs"`
}

// Plan evaluates each condition for pc as if every step succeeded. Nothing
// is run.
func (p *Pipeline) Plan(pc *Context) ([]PlannedStep, error) {
	var planned []PlannedStep
	for _, step := range p.Steps {
		ok, err := evaluate(step.If, pc, runState{})
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name, err)
		}
		planned = append(planned, PlannedStep{Name: step.Name, If: step.If, Runs: ok})
	}
	return planned, nil
}

// Validate checks step names and conditions before anything runs
func (p *Pipeline) Validate() error {
	seen := map[string]bool{}
	for _, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("pipeline %s: step name is required", p.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("pipeline %s: duplicate step %s", p.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Run == nil {
			return fmt.Errorf("pipeline %s: step %s has nothing to run", p.Name, step.Name)
		}
		if err := ValidateCondition(step.If); err != nil {
			return fmt.Errorf("pipeline %s: step %s: %w", p.Name, step.Name, err)
		}
	}
	return nil
}

// Run executes the steps in order and never returns nil
func (p *Pipeline) Run(ctx context.Context, pc *Context) *Result {
	logger := zerolog.Ctx(ctx).With().
		Str("pipeline", p.Name).
		Str("run_id", pc.RunID).
		Str("branch", pc.Event.Branch).
		Str("sha", pc.Event.SHA).
		Logger()
	ctx = logger.WithContext(ctx)

	result := &Result{
		Pipeline:  p.Name,
		RunID:     pc.RunID,
		Branch:    pc.Event.Branch,
		SHA:       pc.Event.SHA,
		Status:    StatusSuccess,
		StartedAt: time.Now(),
	}

	logger.Info().Int("steps", len(p.Steps)).Msg("Pipeline started")

	var state runState
	for _, step := range p.Steps {
		if ctx.Err() != nil {
			state.cancelled = true
		}

		pc.state = state
		stepResult := p.runStep(ctx, pc, step, state)
		result.Steps = append(result.Steps, stepResult)

		switch stepResult.Status {
		case StatusFailure:
			if !step.BestEffort {
				state.failed = true
			}
		case StatusCancelled:
			state.cancelled = true
		}
	}

	pc.state = state
	switch {
	case state.cancelled:
		result.Status = StatusCancelled
	case state.failed:
		result.Status = StatusFailure
	}
	result.Duration = time.Since(result.StartedAt)

	event := logger.Info()
	if result.Status != StatusSuccess {
		event = logger.Error()
	}
	event.
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("Pipeline completed")

	return result
}

func (p *Pipeline) runStep(ctx context.Context, pc *Context, step Step, state runState) StepResult {
	logger := zerolog.Ctx(ctx).With().Str("step", step.Name).Logger()
	ctx = logger.WithContext(ctx)

	ok, err := evaluate(step.If, pc, state)
	if err != nil {
		logger.Error().Err(err).Msg("Step condition failed")
		return StepResult{Name: step.Name, Status: StatusFailure, Error: err.Error()}
	}
	if !ok {
		logger.Info().Str("if", step.If).Msg("Step skipped")
		return StepResult{Name: step.Name, Status: StatusSkipped}
	}

	timeout := step.Timeout
	if state.cancelled {
		// the parent is gone; give always()/cancelled() steps a bounded window
		ctx = context.WithoutCancel(ctx)
		if timeout == 0 || timeout > cleanupTimeout {
			timeout = cleanupTimeout
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	begin := time.Now()
	logger.Info().Msg("Step started")

	err = runSafely(ctx, pc, step.Run)
	elapsed := time.Since(begin)

	if err == nil {
		logger.Info().Dur("elapsed", elapsed).Msg("Step completed")
		return StepResult{Name: step.Name, Status: StatusSuccess, Duration: elapsed}
	}

	status := StatusFailure
	if !state.cancelled && ctx.Err() == context.Canceled {
		status = StatusCancelled
	}

	event := logger.Error()
	if step.BestEffort {
		event = logger.Warn()
	}
	event.Err(err).
		Dur("elapsed", elapsed).
		Bool("best_effort", step.BestEffort).
		Str("status", string(status)).
		Msg("Step failed")

	return StepResult{Name: step.Name, Status: status, Error: err.Error(), Duration: elapsed}
}

func runSafely(ctx context.Context, pc *Context, fn StepFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(ctx, pc)
}
