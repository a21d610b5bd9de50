package accessory

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/shellbridge/internal/process"
)

// setRequest is one set call racing its command against the deadline.
// resolved is the single flag both sides check before answering the caller.
type setRequest struct {
	id       uint64
	name     string
	target   Value
	started  time.Time
	callback func(error)
	deadline *time.Timer
	resolved bool
}

// answer invokes the callback unless the request was already answered.
func (r *setRequest) answer(err error) bool {
	if r.resolved {
		return false
	}
	r.resolved = true
	r.callback(err)
	return true
}

// Coordinator answers get and set requests from the exposure layer.
//
// A set caller is always answered exactly once: with the command's outcome
// when it finishes inside the set timeout, otherwise optimistically with no
// error when the timeout fires. State, correlation and workflows follow the
// real outcome whenever it arrives.
type Coordinator struct {
	p       *Platform
	pending map[uint64]*setRequest
	nextID  uint64
}

func newCoordinator(p *Platform) *Coordinator {
	return &Coordinator{p: p, pending: make(map[uint64]*setRequest)}
}

// lookup resolves a device and characteristic for a request.
func (co *Coordinator) lookup(name string, kind CharacteristicKind) (*Context, CharacteristicKind, error) {
	c, ok := co.p.registry.Get(name)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if kind == "" {
		kind = c.Capability.Primary()
	}
	if !c.Capability.Has(kind) {
		return nil, "", fmt.Errorf("%w: %s has no %s", ErrUnknownCharacteristic, c.Type, kind)
	}
	if c.Link != "" && !co.p.opts.Exposure.HasService(name) {
		return nil, "", fmt.Errorf("%w: %q", ErrServiceHidden, name)
	}
	return c, kind, nil
}

// Get reads a characteristic. Polling devices and devices without a
// state_cmd answer from the cache. Others run state_cmd, blocking the loop
// when state_sync is set.
func (co *Coordinator) Get(name string, kind CharacteristicKind, cb func(Value, error)) {
	c, _, err := co.lookup(name, kind)
	if err != nil {
		cb(nil, err)
		return
	}

	if c.PollingEnabled() || c.StateCmd == "" {
		cb(c.presentation(), nil)
		return
	}

	if c.StateSync {
		ctx, cancel := context.WithTimeout(co.p.ctx, co.p.opts.ProbeTimeout)
		res, execErr := co.p.opts.Runner.Run(ctx, c.StateCmd)
		cancel()
		co.finishGet(c, res, execErr, cb)
		return
	}

	co.p.opts.Runner.Start(c.StateCmd, func(res process.Result, execErr error) {
		if !co.p.post(func() { co.finishGet(c, res, execErr, cb) }) {
			cb(nil, ErrPlatformStopped)
		}
	})
}

func (co *Coordinator) finishGet(c *Context, res process.Result, execErr error, cb func(Value, error)) {
	co.p.opts.Metrics.command("get", execErr)

	// The device may have been removed or replaced while the command ran.
	if current, ok := co.p.registry.Get(c.Name); !ok || current != c {
		cb(nil, fmt.Errorf("%w: %q", ErrNotFound, c.Name))
		return
	}

	v, err := Evaluate(c, execErr, res.Stdout)
	if err != nil {
		c.LastError = err.Error()
		co.p.logger.Warn("get failed", "device", c.Name, "error", err)
		cb(nil, err)
		return
	}
	if co.p.applyState(c, v, SourceGet) {
		co.p.correlator.Correlate(c.Name, c.State)
	}
	cb(c.presentation(), nil)
}

// Set writes a characteristic. cb is invoked exactly once.
func (co *Coordinator) Set(name string, kind CharacteristicKind, value Value, cb func(error)) {
	if kind == "" {
		if c, ok := co.p.registry.Get(name); ok {
			kind = c.Capability.Target()
		}
	}
	c, kind, err := co.lookup(name, kind)
	if err != nil {
		cb(err)
		return
	}
	if !c.Capability.Writable(kind) {
		cb(fmt.Errorf("%w: %s.%s", ErrReadOnly, name, kind))
		return
	}

	target, err := c.Capability.ParseValue(value)
	if err != nil {
		cb(err)
		return
	}

	command := c.Command(target)
	if command == "" {
		// Nothing to run: the value is the state.
		co.p.applyState(c, target, SourceSet)
		co.p.opts.Metrics.setAnswered("immediate")
		cb(nil)
		co.sideEffects(c)
		return
	}

	co.nextID++
	req := &setRequest{
		id:       co.nextID,
		name:     name,
		target:   target,
		started:  time.Now(),
		callback: cb,
	}
	co.pending[req.id] = req

	req.deadline = time.AfterFunc(co.p.opts.SetTimeout, func() {
		co.p.post(func() { co.expire(req) })
	})

	co.p.logger.Debug("set started", "device", name, "characteristic", kind, "target", target)
	co.p.opts.Runner.Start(command, func(res process.Result, execErr error) {
		co.p.post(func() { co.complete(c, req, res, execErr) })
	})
}

// expire answers a still-pending set optimistically.
func (co *Coordinator) expire(req *setRequest) {
	if !req.answer(nil) {
		return
	}
	co.p.opts.Metrics.setAnswered("optimistic")
	co.p.logger.Info("set still running, answered optimistically",
		"device", req.name, "timeout", co.p.opts.SetTimeout)
}

func (co *Coordinator) complete(c *Context, req *setRequest, res process.Result, execErr error) {
	req.deadline.Stop()
	delete(co.pending, req.id)
	co.p.opts.Metrics.command("set", execErr)
	co.p.opts.Metrics.setFinished(time.Since(req.started))

	if current, ok := co.p.registry.Get(c.Name); !ok || current != c {
		if req.answer(fmt.Errorf("%w: %q", ErrNotFound, c.Name)) {
			co.p.opts.Metrics.setAnswered("failed")
		}
		return
	}

	var reportErr error
	if execErr != nil && !Equal(req.target, c.State) {
		reportErr = execErr
		c.LastError = execErr.Error()
	} else {
		if execErr != nil {
			co.p.logger.Debug("set command failed but device already at target",
				"device", c.Name, "target", req.target, "error", execErr)
		}
		co.p.applyState(c, req.target, SourceSet)
	}

	answered := req.answer(reportErr)
	if answered {
		outcome := "completed"
		if reportErr != nil {
			outcome = "failed"
		}
		co.p.opts.Metrics.setAnswered(outcome)
	}
	if reportErr != nil {
		msg := "set failed"
		if !answered {
			msg = "set failed after optimistic answer"
		}
		co.p.logger.Warn(msg, "device", c.Name, "target", req.target, "stderr", res.Stderr, "error", reportErr)
	}

	co.sideEffects(c)
}

// sideEffects runs correlation and the workflow after a real set outcome.
func (co *Coordinator) sideEffects(c *Context) {
	co.p.correlator.Correlate(c.Name, c.State)
	co.p.workflows.Run(c)
}

// Identify handles an identify request. There is nothing to blink, so it is
// only logged.
func (co *Coordinator) Identify(name string) {
	c, ok := co.p.registry.Get(name)
	if !ok {
		co.p.logger.Warn("identify for unknown device", "device", name)
		return
	}
	co.p.logger.Info("identify requested", "device", c.Name, "type", c.Type, "uuid", c.UUID)
}

// abandon answers every pending set with ErrPlatformStopped. Called by the
// loop as it exits.
func (co *Coordinator) abandon() {
	for id, req := range co.pending {
		req.deadline.Stop()
		req.answer(ErrPlatformStopped)
		delete(co.pending, id)
	}
}

// Pending returns the number of set commands still running.
func (co *Coordinator) Pending() int {
	return len(co.pending)
}
