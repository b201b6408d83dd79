package rollback

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/fault"
)

// Invoker dispatches target/method operations to plugins. The plugin
// manager adapter used by the orchestrator satisfies it.
type Invoker interface {
	InvokeMethod(ctx context.Context, pluginID, method string, args map[string]any) (any, error)
}

// Result is the outcome of one plan run.
type Result struct {
	PlanID string
	States map[string]*OpState

	// Failed lists operation ids that ended Failed, in execution
	// order.
	Failed []string
}

// Succeeded reports whether every operation ended Completed or
// Compensated.
func (r *Result) Succeeded() bool { return len(r.Failed) == 0 }

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithInvoker routes target/method operations through the given
// plugin invoker.
func WithInvoker(inv Invoker) ExecutorOption {
	return func(e *Executor) { e.invoker = inv }
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(log *logrus.Entry) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// Executor runs rollback plans sequentially in dependency order.
type Executor struct {
	invoker Invoker
	log     *logrus.Entry
}

// NewExecutor creates a plan executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "rollback")
	return e
}

// Run validates the plan and executes it. Operations whose
// dependencies failed are skipped. A failed critical operation stops
// the run; the remaining operations are marked Skipped. The returned
// error is non-nil when any operation failed.
func (e *Executor) Run(ctx context.Context, plan *Plan) (*Result, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	order, err := ExecutionOrder(plan)
	if err != nil {
		return nil, err
	}

	res := &Result{
		PlanID: plan.ID,
		States: make(map[string]*OpState, len(order)),
	}
	for _, id := range order {
		res.States[id] = &OpState{Status: StatusPending}
	}

	aborted := false
	for _, id := range order {
		op, _ := plan.Operation(id)
		state := res.States[id]

		if aborted || e.dependencyFailed(plan, res, op) {
			state.Status = StatusSkipped
			continue
		}

		e.runOperation(ctx, plan, op, state)
		if state.Status == StatusFailed {
			res.Failed = append(res.Failed, id)
			if op.Critical {
				aborted = true
			}
		}
	}

	e.validateRun(ctx, plan, res)

	if len(res.Failed) > 0 {
		return res, fault.New(fault.ExecutionFailed,
			"rollback plan %s: %d of %d operations failed", plan.ID, len(res.Failed), len(order))
	}
	return res, nil
}

func (e *Executor) dependencyFailed(plan *Plan, res *Result, op *Operation) bool {
	for _, dep := range op.DependsOn {
		switch res.States[dep].Status {
		case StatusFailed, StatusSkipped:
			return true
		}
	}
	return false
}

// runOperation drives one operation through retries and, on
// exhaustion, compensation.
func (e *Executor) runOperation(ctx context.Context, plan *Plan, op *Operation, state *OpState) {
	state.Status = StatusRunning

	attempts := op.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(op.delayFor(attempt - 1)):
			case <-ctx.Done():
				state.Status = StatusFailed
				state.Error = ctx.Err().Error()
				return
			}
		}
		state.Attempts++
		lastErr = e.invoke(ctx, op, op.Action)
		if lastErr == nil {
			state.Status = StatusCompleted
			return
		}
		e.log.WithFields(logrus.Fields{
			"plan":      plan.ID,
			"operation": op.ID,
			"attempt":   state.Attempts,
		}).WithError(lastErr).Warn("rollback operation failed")
	}

	if plan.UseCompensationOnFailure && op.Compensatable && op.Compensation != nil {
		err := e.invoke(ctx, op, op.Compensation)
		if err == nil {
			state.Status = StatusCompensated
			return
		}
		lastErr = err
	}

	state.Status = StatusFailed
	state.Error = lastErr.Error()
}

// invoke runs the action, or dispatches the target method through the
// invoker when no action is set, under the operation's timeout.
func (e *Executor) invoke(ctx context.Context, op *Operation, action Action) error {
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	if action != nil {
		return action(ctx)
	}
	if e.invoker == nil {
		return fault.New(fault.InvalidConfiguration,
			"rollback operation %s targets %s.%s but no invoker is configured", op.ID, op.Target, op.Method)
	}
	_, err := e.invoker.InvokeMethod(ctx, op.Target, op.Method, op.Parameters)
	return err
}

// validateRun applies the plan's post-execution validation level.
// A validator failure downgrades the operation to Failed.
func (e *Executor) validateRun(ctx context.Context, plan *Plan, res *Result) {
	if plan.Validation == ValidateNone {
		return
	}
	for _, op := range plan.Operations {
		if op.Validate == nil {
			continue
		}
		if plan.Validation == ValidateCritical && !op.Critical {
			continue
		}
		state := res.States[op.ID]
		if state.Status != StatusCompleted && state.Status != StatusCompensated {
			continue
		}
		if err := op.Validate(ctx); err != nil {
			state.Status = StatusFailed
			state.Error = err.Error()
			res.Failed = append(res.Failed, op.ID)
			e.log.WithFields(logrus.Fields{
				"plan":      plan.ID,
				"operation": op.ID,
			}).WithError(err).Error("rollback validation failed")
		}
	}
}
