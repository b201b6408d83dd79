package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/progress"
	"github.com/plugrig/plugrig/internal/state"
	"github.com/plugrig/plugrig/internal/workflow"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus attaches a bus for progress events.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(o *Orchestrator) { o.log = log.WithField("component", "orchestrator") }
}

// WithStore persists execution contexts as they progress.
func WithStore(s state.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithCheckpoints writes a checkpoint before each step starts.
func WithCheckpoints(m *state.CheckpointManager) Option {
	return func(o *Orchestrator) { o.checkpoints = m }
}

// Orchestrator runs workflow executions. It owns each running
// execution context until the run terminates; afterwards the context
// lives only in the store.
type Orchestrator struct {
	invoker     Invoker
	bus         *bus.Bus
	store       state.Store
	checkpoints *state.CheckpointManager
	log         *logrus.Entry

	mu         sync.RWMutex
	executions map[string]*execution
}

type execution struct {
	mu      sync.Mutex
	wf      *workflow.Workflow
	ec      *workflow.ExecutionContext
	doc     workflow.Document
	tracker *progress.Tracker

	// failed holds steps that terminally failed or were skipped
	// because a dependency failed; their dependents are skipped too.
	failed   map[string]bool
	firstErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator dispatching step calls through invoker.
func New(invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:    invoker,
		log:        logrus.StandardLogger().WithField("component", "orchestrator"),
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the workflow to completion and returns the final
// context. The returned error is the first step failure when the
// execution ends failed, nil otherwise.
func (o *Orchestrator) Execute(ctx context.Context, wf *workflow.Workflow, initial map[string]any) (*workflow.ExecutionContext, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	ec := workflow.NewExecutionContext(wf, initial)
	return o.run(ctx, wf, ec, false)
}

// Start launches the workflow asynchronously and returns its
// execution id. Observe it through Context, Wait and Cancel.
func (o *Orchestrator) Start(wf *workflow.Workflow, initial map[string]any) (string, error) {
	if err := wf.Validate(); err != nil {
		return "", err
	}
	ec := workflow.NewExecutionContext(wf, initial)
	runCtx, cancel := context.WithCancel(context.Background())
	exec := o.register(wf, ec, cancel)

	go func() {
		defer cancel()
		_, _ = o.runRegistered(runCtx, exec, false)
	}()
	return ec.ExecutionID, nil
}

// Resume continues a restored execution, running only the steps that
// have not reached a terminal status. Terminal executions are
// rejected.
func (o *Orchestrator) Resume(ctx context.Context, wf *workflow.Workflow, ec *workflow.ExecutionContext) (*workflow.ExecutionContext, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if ec.State.Terminal() {
		return nil, fault.New(fault.InvalidState, "execution %s already %s", ec.ExecutionID, ec.State)
	}
	if err := ec.Validate(wf); err != nil {
		return nil, err
	}
	return o.run(ctx, wf, ec, true)
}

// Context returns a snapshot of a running execution's context.
func (o *Orchestrator) Context(executionID string) (*workflow.ExecutionContext, error) {
	o.mu.RLock()
	exec, ok := o.executions[executionID]
	o.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "no running execution %s", executionID)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.ec.Clone(), nil
}

// Cancel stops a running execution.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.RLock()
	exec, ok := o.executions[executionID]
	o.mu.RUnlock()
	if !ok {
		return fault.New(fault.NotFound, "no running execution %s", executionID)
	}
	exec.cancel()
	return nil
}

// Wait blocks until an execution started with Start finishes.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) error {
	o.mu.RLock()
	exec, ok := o.executions[executionID]
	o.mu.RUnlock()
	if !ok {
		// Already finished or never started.
		return nil
	}
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, ctx.Err(), "waiting for execution %s", executionID)
	}
}

func (o *Orchestrator) register(wf *workflow.Workflow, ec *workflow.ExecutionContext, cancel context.CancelFunc) *execution {
	if cancel == nil {
		cancel = func() {}
	}
	exec := &execution{
		wf:      wf,
		ec:      ec,
		tracker: progress.NewTracker(o.bus, ec.ExecutionID, wf.ID, wf.Name, len(wf.Steps)),
		failed:  make(map[string]bool),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.mu.Lock()
	o.executions[ec.ExecutionID] = exec
	o.mu.Unlock()
	return exec
}

func (o *Orchestrator) run(ctx context.Context, wf *workflow.Workflow, ec *workflow.ExecutionContext, resumed bool) (*workflow.ExecutionContext, error) {
	exec := o.register(wf, ec, nil)
	if resumed {
		return o.resumeRegistered(ctx, exec)
	}
	return o.runRegistered(ctx, exec, false)
}

func (o *Orchestrator) resumeRegistered(ctx context.Context, exec *execution) (*workflow.ExecutionContext, error) {
	// Rebuild the shared document from what already completed, and
	// re-seed failure propagation from failed steps.
	doc, err := workflow.NewDocument(exec.ec.InitialData)
	if err != nil {
		o.unregister(exec)
		return nil, err
	}
	for id, s := range exec.ec.StepStates {
		switch s.Status {
		case workflow.StepCompleted:
			if doc, err = doc.WithStepOutput(id, s.Output); err != nil {
				o.unregister(exec)
				return nil, err
			}
		case workflow.StepFailed:
			step, _ := exec.wf.Step(id)
			if !step.Optional {
				exec.failed[id] = true
			}
		}
	}
	exec.doc = doc
	return o.runRegistered(ctx, exec, true)
}

func (o *Orchestrator) runRegistered(ctx context.Context, exec *execution, resumed bool) (*workflow.ExecutionContext, error) {
	defer close(exec.done)
	defer o.unregister(exec)

	ec := exec.ec
	if exec.doc == nil {
		doc, err := workflow.NewDocument(ec.InitialData)
		if err != nil {
			return nil, err
		}
		exec.doc = doc
	}

	ec.State = workflow.ExecRunning
	if ec.StartTime.IsZero() {
		ec.StartTime = time.Now()
	}
	o.saveContext(ctx, exec)
	if resumed {
		exec.tracker.WorkflowResumed(ctx)
	} else {
		exec.tracker.WorkflowStarted(ctx)
	}
	o.log.WithFields(logrus.Fields{
		"execution": ec.ExecutionID,
		"workflow":  exec.wf.ID,
		"mode":      exec.wf.Mode.String(),
	}).Info("execution started")

	switch exec.wf.Mode {
	case workflow.Parallel:
		o.runParallel(ctx, exec)
	case workflow.Pipeline:
		o.runPipeline(ctx, exec)
	default:
		// Sequential and Conditional both walk the topological
		// order; conditions are honored in every mode.
		o.runSequential(ctx, exec)
	}

	return o.finish(ctx, exec)
}

func (o *Orchestrator) unregister(exec *execution) {
	o.mu.Lock()
	delete(o.executions, exec.ec.ExecutionID)
	o.mu.Unlock()
}

func (o *Orchestrator) runSequential(ctx context.Context, exec *execution) {
	order, err := exec.wf.TopologicalOrder()
	if err != nil {
		exec.firstErr = err
		return
	}
	for _, id := range order {
		if ctx.Err() != nil {
			return
		}
		step, _ := exec.wf.Step(id)
		o.runStep(ctx, exec, step, nil, false)
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, exec *execution) {
	order, err := exec.wf.TopologicalOrder()
	if err != nil {
		exec.firstErr = err
		return
	}
	var input any
	haveInput := false
	for _, id := range order {
		if ctx.Err() != nil {
			return
		}
		step, _ := exec.wf.Step(id)
		o.runStep(ctx, exec, step, input, haveInput)

		exec.mu.Lock()
		st := exec.ec.StepStates[id]
		if st.Status == workflow.StepCompleted {
			input = st.Output
			haveInput = true
		}
		exec.mu.Unlock()
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, exec *execution) {
	levels, err := exec.wf.Levels()
	if err != nil {
		exec.firstErr = err
		return
	}
	for _, level := range levels {
		if ctx.Err() != nil {
			return
		}
		var wg sync.WaitGroup
		for _, id := range level {
			step, _ := exec.wf.Step(id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runStep(ctx, exec, step, nil, false)
			}()
		}
		wg.Wait()
	}
}

func (o *Orchestrator) runStep(ctx context.Context, exec *execution, step workflow.Step, pipelineInput any, havePipelineInput bool) {
	exec.mu.Lock()
	st := exec.ec.StepStates[step.ID]
	if st == nil || st.Status.Terminal() {
		exec.mu.Unlock()
		return
	}

	// Failure propagation: a failed dependency skips this step unless
	// the workflow keeps going on failure. Steps skipped by a false
	// condition do not propagate.
	if !exec.wf.ContinueOnFailure {
		for _, dep := range step.DependsOn {
			if exec.failed[dep] {
				st.Status = workflow.StepSkipped
				st.Error = "dependency " + dep + " failed"
				exec.failed[step.ID] = true
				exec.mu.Unlock()
				exec.tracker.StepSkipped(ctx, step.ID)
				o.afterStep(ctx, exec)
				return
			}
		}
	}

	doc := exec.doc
	exec.mu.Unlock()

	if step.Condition != "" {
		holds, err := workflow.EvaluateCondition(doc, step.Condition)
		if err != nil {
			o.failStep(ctx, exec, step, err)
			return
		}
		if !holds {
			exec.mu.Lock()
			st.Status = workflow.StepSkipped
			exec.mu.Unlock()
			exec.tracker.StepSkipped(ctx, step.ID)
			o.afterStep(ctx, exec)
			return
		}
	}

	if o.checkpoints != nil {
		exec.mu.Lock()
		snapshot := exec.ec.Clone()
		exec.mu.Unlock()
		if _, err := o.checkpoints.Checkpoint(ctx, snapshot, map[string]string{"before_step": step.ID}); err != nil {
			o.log.WithError(err).WithField("step", step.ID).Warn("pre-step checkpoint failed")
		}
	}

	exec.mu.Lock()
	st.Status = workflow.StepRunning
	st.StartedAt = time.Now()
	exec.ec.CurrentStepID = step.ID
	args := o.buildArgs(exec, step, pipelineInput, havePipelineInput)
	exec.mu.Unlock()
	exec.tracker.StepStarted(ctx, step.ID)
	o.saveContext(ctx, exec)

	out, err := o.invokeWithRetry(ctx, exec, step, st, args)
	if err != nil {
		o.failStep(ctx, exec, step, err)
		return
	}

	exec.mu.Lock()
	st.Status = workflow.StepCompleted
	st.Output = out
	st.EndedAt = time.Now()
	if exec.ec.CurrentStepID == step.ID {
		exec.ec.CurrentStepID = ""
	}
	if doc, derr := exec.doc.WithStepOutput(step.ID, out); derr == nil {
		exec.doc = doc
	} else {
		o.log.WithError(derr).WithField("step", step.ID).Warn("recording step output failed")
	}
	exec.mu.Unlock()

	exec.tracker.StepCompleted(ctx, step.ID)
	o.afterStep(ctx, exec)
}

// buildArgs merges the step's declared parameters with the outputs of
// its dependencies. Map-shaped dependency outputs contribute their
// keys without overriding explicit parameters; a pipeline input is
// passed under "input". Callers hold exec.mu.
func (o *Orchestrator) buildArgs(exec *execution, step workflow.Step, pipelineInput any, havePipelineInput bool) map[string]any {
	args := make(map[string]any, len(step.Parameters)+1)
	for _, dep := range step.DependsOn {
		out, ok := exec.ec.StepStates[dep]
		if !ok || out.Status != workflow.StepCompleted {
			continue
		}
		if m, isMap := out.Output.(map[string]any); isMap {
			for k, v := range m {
				args[k] = v
			}
		}
	}
	for k, v := range step.Parameters {
		args[k] = v
	}
	if havePipelineInput {
		args["input"] = pipelineInput
	}
	return args
}

func (o *Orchestrator) invokeWithRetry(ctx context.Context, exec *execution, step workflow.Step, st *workflow.StepState, args map[string]any) (any, error) {
	attempts := step.Retry.Max
	if attempts < 1 {
		attempts = 1
	}

	var out any
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		exec.mu.Lock()
		st.Attempts = attempt + 1
		exec.mu.Unlock()

		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		out, err = o.invoker.InvokeMethod(stepCtx, step.PluginID, step.Method, args)
		timedOut := stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			return out, nil
		}
		if timedOut {
			return nil, fault.Wrap(fault.Timeout, err, "step %s exceeded its %s deadline", step.ID, step.Timeout)
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "step %s", step.ID)
		}
		if attempt == attempts-1 {
			break
		}

		exec.mu.Lock()
		st.Status = workflow.StepRetrying
		exec.mu.Unlock()
		exec.tracker.StepRetrying(ctx, step.ID, attempt+1)
		select {
		case <-time.After(step.Retry.DelayFor(attempt)):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "step %s", step.ID)
		}
		exec.mu.Lock()
		st.Status = workflow.StepRunning
		exec.mu.Unlock()
	}
	return nil, err
}

func (o *Orchestrator) failStep(ctx context.Context, exec *execution, step workflow.Step, err error) {
	exec.mu.Lock()
	st := exec.ec.StepStates[step.ID]
	st.Status = workflow.StepFailed
	st.Error = err.Error()
	st.EndedAt = time.Now()
	if exec.ec.CurrentStepID == step.ID {
		exec.ec.CurrentStepID = ""
	}
	if !step.Optional {
		exec.failed[step.ID] = true
		if exec.firstErr == nil {
			exec.firstErr = err
		}
	}
	exec.mu.Unlock()

	exec.tracker.StepFailed(ctx, step.ID, err)
	o.log.WithError(err).WithFields(logrus.Fields{
		"execution": exec.ec.ExecutionID,
		"step":      step.ID,
	}).Warn("step failed")
	o.afterStep(ctx, exec)
}

func (o *Orchestrator) afterStep(ctx context.Context, exec *execution) {
	exec.mu.Lock()
	progressNow := exec.ec.Progress()
	completed := exec.ec.CompletedSteps()
	exec.mu.Unlock()
	exec.tracker.Update(ctx, progressNow, completed)
	o.saveContext(ctx, exec)
}

func (o *Orchestrator) finish(ctx context.Context, exec *execution) (*workflow.ExecutionContext, error) {
	ec := exec.ec
	exec.mu.Lock()
	cancelled := ctx.Err() == context.Canceled
	failed := exec.firstErr != nil
	switch {
	case cancelled:
		ec.State = workflow.ExecCancelled
	case failed:
		ec.State = workflow.ExecFailed
		ec.ErrorData = exec.firstErr.Error()
	default:
		ec.State = workflow.ExecCompleted
		ec.FinalResult = o.finalResult(exec)
	}
	ec.EndTime = time.Now()
	ec.CurrentStepID = ""
	exec.mu.Unlock()

	o.saveContext(ctx, exec)
	switch ec.State {
	case workflow.ExecCancelled:
		exec.tracker.WorkflowCancelled(ctx)
	case workflow.ExecFailed:
		exec.tracker.WorkflowFailed(ctx, exec.firstErr)
	default:
		exec.tracker.WorkflowCompleted(ctx)
	}
	o.log.WithFields(logrus.Fields{
		"execution": ec.ExecutionID,
		"state":     ec.State.String(),
	}).Info("execution finished")

	if exec.firstErr != nil {
		return ec, exec.firstErr
	}
	return ec, nil
}

// finalResult derives the workflow's result: the last completed
// step's output in pipeline mode, otherwise the outputs keyed by step
// id. Callers hold exec.mu.
func (o *Orchestrator) finalResult(exec *execution) any {
	if exec.wf.Mode == workflow.Pipeline {
		order, err := exec.wf.TopologicalOrder()
		if err != nil {
			return nil
		}
		for i := len(order) - 1; i >= 0; i-- {
			if st := exec.ec.StepStates[order[i]]; st.Status == workflow.StepCompleted {
				return st.Output
			}
		}
		return nil
	}
	outputs := make(map[string]any)
	for id, st := range exec.ec.StepStates {
		if st.Status == workflow.StepCompleted {
			outputs[id] = st.Output
		}
	}
	return outputs
}

func (o *Orchestrator) saveContext(ctx context.Context, exec *execution) {
	if o.store == nil {
		return
	}
	exec.mu.Lock()
	snapshot := exec.ec.Clone()
	exec.mu.Unlock()
	if err := o.store.SaveExecutionContext(ctx, snapshot); err != nil {
		o.log.WithError(err).WithField("execution", snapshot.ExecutionID).Warn("persisting execution context failed")
	}
}
