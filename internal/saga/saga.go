// Package saga runs a linear sequence of named steps, each pairing a
// forward action with a reverse action, and unwinds completed steps in
// LIFO order when a forward step fails.
package saga

import (
	"context"
	"fmt"
	"log/slog"
)

// Forward is one step's forward action. Its returned value is captured and
// retrievable by step name from both later steps and the final Result.
type Forward func(ctx context.Context, sg *Execution) (any, error)

// Reverse compensates one completed step during unwind.
type Reverse func(ctx context.Context, sg *Execution) error

// Step pairs a forward action with its compensation.
type Step struct {
	Name    string
	Forward Forward
	Reverse Reverse
}

// Execution carries per-run state: the values produced by completed steps.
type Execution struct {
	values map[string]any
}

// Value returns the captured result of a previously completed step.
func (e *Execution) Value(name string) (any, bool) {
	v, ok := e.values[name]
	return v, ok
}

// Result describes one saga run.
type Result struct {
	Success        bool
	FailedStep     string
	Err            error
	CompletedSteps []string

	values map[string]any
}

// Value returns the captured result of a step that completed during the
// run, whether or not the saga as a whole succeeded.
func (r Result) Value(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Saga is a built, immutable step sequence. Build one per logical
// transaction shape and Execute it per invocation.
type Saga struct {
	steps []Step
	log   *slog.Logger
}

// Builder accumulates steps.
type Builder struct {
	steps []Step
}

func New() *Builder {
	return &Builder{}
}

// Step appends a named (forward, reverse) pair. A nil reverse is allowed
// for steps with no side effects worth undoing.
func (b *Builder) Step(name string, forward Forward, reverse Reverse) *Builder {
	b.steps = append(b.steps, Step{Name: name, Forward: forward, Reverse: reverse})
	return b
}

// Build finalizes the sequence.
func (b *Builder) Build(log *slog.Logger) *Saga {
	if log == nil {
		log = slog.Default()
	}
	return &Saga{steps: b.steps, log: log}
}

// Execute runs the forward steps in order. On the first failure it runs
// the reverse actions of all completed steps in LIFO order; a reverse
// failure is logged and unwinding continues — durable retry of a failed
// compensation is the caller's responsibility (register it with the
// compensation engine explicitly).
func (s *Saga) Execute(ctx context.Context) Result {
	exec := &Execution{values: make(map[string]any)}
	completed := make([]Step, 0, len(s.steps))

	for _, step := range s.steps {
		value, err := runForward(ctx, step, exec)
		if err != nil {
			s.unwind(ctx, completed, exec)
			return Result{
				Success:        false,
				FailedStep:     step.Name,
				Err:            err,
				CompletedSteps: stepNames(completed),
				values:         exec.values,
			}
		}
		exec.values[step.Name] = value
		completed = append(completed, step)
	}

	return Result{
		Success:        true,
		CompletedSteps: stepNames(completed),
		values:         exec.values,
	}
}

func runForward(ctx context.Context, step Step, exec *Execution) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("saga: step %s panic: %v", step.Name, rec)
		}
	}()
	return step.Forward(ctx, exec)
}

func (s *Saga) unwind(ctx context.Context, completed []Step, exec *Execution) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Reverse == nil {
			continue
		}
		if err := runReverse(ctx, step, exec); err != nil {
			s.log.Error("saga compensation failed, continuing unwind",
				"step", step.Name, "error", err)
		}
	}
}

func runReverse(ctx context.Context, step Step, exec *Execution) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("saga: reverse of %s panic: %v", step.Name, rec)
		}
	}()
	return step.Reverse(ctx, exec)
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
