package accessory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// WorkflowExecutor runs a device's workflow: an ordered, best-effort list of
// commands started once the device's state resolves to active.
//
// Workflows run on their own goroutine and never touch the registry, so a
// long workflow does not hold up the platform loop. At most one workflow per
// device runs at a time.
type WorkflowExecutor struct {
	runner  CommandRunner
	delay   time.Duration
	metrics *Metrics
	logger  Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

func newWorkflowExecutor(runner CommandRunner, delay time.Duration, metrics *Metrics, logger Logger) *WorkflowExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkflowExecutor{
		runner:  runner,
		delay:   delay,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
	}
}

// Run starts the workflow of c if it has one and its state is truthy.
// It reports whether a workflow was started.
func (w *WorkflowExecutor) Run(c *Context) bool {
	if len(c.Workflow) == 0 || !Truthy(c.State) {
		return false
	}

	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return false
	}
	if w.running[c.Name] {
		w.mu.Unlock()
		w.logger.Debug("workflow already running", "device", c.Name)
		return false
	}
	w.running[c.Name] = true
	w.wg.Add(1)
	w.mu.Unlock()

	name := c.Name
	steps := slices.Clone(c.Workflow)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, name)
			w.mu.Unlock()
		}()
		w.execute(name, steps)
	}()
	return true
}

// Running reports whether a workflow for name is in progress.
func (w *WorkflowExecutor) Running(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running[name]
}

func (w *WorkflowExecutor) execute(name string, steps []string) {
	if w.delay > 0 {
		t := time.NewTimer(w.delay)
		select {
		case <-w.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	w.logger.Info("workflow started", "device", name, "steps", len(steps))
	failed := 0
	for i, step := range steps {
		if w.ctx.Err() != nil {
			w.logger.Warn("workflow cancelled", "device", name, "completed", i)
			return
		}
		res, err := w.runner.Run(w.ctx, step)
		w.metrics.workflowStep(err)
		if err != nil {
			failed++
			w.logger.Warn("workflow step failed", "device", name, "step", i+1, "command", step, "error", err)
			continue
		}
		w.logger.Debug("workflow step done", "device", name, "step", i+1, "duration", res.Duration)
	}
	w.logger.Info("workflow finished", "device", name, "steps", len(steps), "failed", failed)
}

// Close cancels running workflows and waits for them to return.
func (w *WorkflowExecutor) Close() {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
}
