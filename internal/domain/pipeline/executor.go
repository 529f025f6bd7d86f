package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// DefaultStepTimeout bounds a tool invocation when the step does not set one.
const DefaultStepTimeout = 30 * time.Second

// defaultStepRetryDelay is the linear pause between in-process step attempts.
const defaultStepRetryDelay = time.Second

// Clock abstracts the execution-start timestamp source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ExecutorOptions groups dependencies for Executor.
type ExecutorOptions struct {
	Invoker Invoker
	Logger  *slog.Logger
	Clock   Clock
	// StepRetryDelay overrides the 1s pause between step attempts. Tests set
	// it to keep retries fast.
	StepRetryDelay time.Duration
}

// Executor runs a task pipeline step by step: condition check, template
// render, tool invocation, output capture. Steps are strictly sequential.
type Executor struct {
	inv        Invoker
	log        *slog.Logger
	clock      Clock
	retryDelay time.Duration
}

// NewExecutor constructs an executor, falling back to the simulating invoker
// when none is registered.
func NewExecutor(opts ExecutorOptions) *Executor {
	inv := opts.Invoker
	if inv == nil {
		inv = &SimulatingInvoker{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	delay := opts.StepRetryDelay
	if delay <= 0 {
		delay = defaultStepRetryDelay
	}
	return &Executor{inv: inv, log: log, clock: clock, retryDelay: delay}
}

// Run executes the pipeline and returns the final execution context. The
// context is returned on failure too, so callers can persist partial output
// alongside the error. Event payloads, when present, are exposed to templates
// under event.payload.
func (e *Executor) Run(ctx context.Context, payload *model.TaskPayload, event json.RawMessage) (map[string]any, error) {
	if err := payload.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	params := payload.Params
	if params == nil {
		params = map[string]any{}
	}
	steps := map[string]any{}
	rctx := map[string]any{
		"now":    e.clock.Now().UTC().Format(time.RFC3339),
		"params": params,
		"steps":  steps,
	}
	if len(event) > 0 {
		var eventPayload any
		if err := json.Unmarshal(event, &eventPayload); err != nil {
			return nil, apperrors.Validationf("event payload is not valid JSON: %v", err)
		}
		rctx["event"] = map[string]any{"payload": eventPayload}
	}

	for _, step := range payload.Pipeline {
		if step.If != "" {
			run, err := EvaluateCondition(step.If, rctx)
			if err != nil {
				return rctx, apperrors.ConditionEval(step.ID, err)
			}
			if !run {
				e.log.Debug("step skipped by condition", "step_id", step.ID, "if", step.If)
				continue
			}
		}

		args := map[string]any{}
		if step.With != nil {
			rendered, err := Render(step.With, rctx)
			if err != nil {
				return rctx, apperrors.TemplateRender(step.ID, err)
			}
			args = rendered.(map[string]any)
		}

		out, err := e.invokeStep(ctx, step, args)
		if err != nil {
			return rctx, err
		}
		if step.SaveAs != "" {
			steps[step.SaveAs] = out
		}
	}

	return rctx, nil
}

// invokeStep calls the tool with the step's effective timeout, retrying
// in-process up to step.MaxRetries extra attempts with a linear delay.
func (e *Executor) invokeStep(ctx context.Context, step model.PipelineStep, args map[string]any) (map[string]any, error) {
	timeout := DefaultStepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= step.MaxRetries+1; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(e.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, classifyToolError(step.ID, ctx.Err())
			case <-timer.C:
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := e.inv.Invoke(stepCtx, step.Uses, args)
		cancel()
		if err == nil {
			return out, nil
		}

		lastErr = classifyToolError(step.ID, err)
		if ctx.Err() != nil || !apperrors.Retryable(lastErr) {
			break
		}
		e.log.Warn("step attempt failed",
			"step_id", step.ID, "tool", step.Uses, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func classifyToolError(stepID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ToolTimeout(stepID, err)
	}
	var app *apperrors.AppError
	if errors.As(err, &app) {
		return err
	}
	return apperrors.ToolTransient(stepID, err)
}
