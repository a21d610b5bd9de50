package accessory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Default timings.
const (
	DefaultSetTimeout    = 5 * time.Second
	DefaultWorkflowDelay = 1500 * time.Millisecond
	DefaultProbeTimeout  = 30 * time.Second

	taskQueueSize = 256
)

// Options configures a Platform.
type Options struct {
	// Runner executes device commands. Required.
	Runner CommandRunner

	// Exposure publishes accessories. Required.
	Exposure Exposure

	// Cache restores accessories and their last state across restarts.
	Cache Cache

	// Store receives the editable device list after every change made
	// through Add, Modify or Remove.
	Store DescriptorStore

	// Observers are told about every state change.
	Observers []StateObserver

	Metrics *Metrics
	Logger  Logger

	// Transforms compiles state_eval sources. Default: CompileExpression.
	Transforms TransformFactory

	// SetTimeout bounds how long a set caller waits before it is answered
	// optimistically. Default: 5s
	SetTimeout time.Duration

	// WorkflowDelay is the settle time before a workflow starts. Default: 1.5s
	WorkflowDelay time.Duration

	// ProbeTimeout bounds synchronous state reads. Default: 30s
	ProbeTimeout time.Duration
}

// Platform owns the registry and every component that mutates it, and runs
// them on a single loop goroutine.
//
// Command completions, timers and external requests are funnelled into the
// loop as tasks, so registry and context state is never touched
// concurrently. Synchronous state reads block the loop for the duration of
// the command.
//
// Thread Safety:
//   - Exported methods are safe for concurrent use.
//   - Callbacks passed to Get and Set run on the loop goroutine.
type Platform struct {
	opts   Options
	logger Logger

	registry    *Registry
	poller      *Poller
	correlator  *Correlator
	workflows   *WorkflowExecutor
	coordinator *Coordinator

	tasks chan func()
	done  chan struct{}

	// ctx is cancelled when the loop exits; synchronous commands use it.
	ctx    context.Context
	cancel context.CancelFunc

	runOnce sync.Once
}

// NewPlatform wires the components together. Call Run to start the loop.
func NewPlatform(opts Options) (*Platform, error) {
	if opts.Runner == nil {
		return nil, errors.New("accessory: runner is required")
	}
	if opts.Exposure == nil {
		return nil, errors.New("accessory: exposure is required")
	}
	if opts.SetTimeout <= 0 {
		opts.SetTimeout = DefaultSetTimeout
	}
	if opts.WorkflowDelay < 0 {
		opts.WorkflowDelay = 0
	} else if opts.WorkflowDelay == 0 {
		opts.WorkflowDelay = DefaultWorkflowDelay
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Platform{
		opts:   opts,
		logger: opts.Logger,
		tasks:  make(chan func(), taskQueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	p.registry = NewRegistry(opts.Exposure, opts.Transforms, p.post)
	p.registry.SetLogger(opts.Logger)
	p.poller = newPoller(p)
	p.correlator = newCorrelator(p)
	p.workflows = newWorkflowExecutor(opts.Runner, opts.WorkflowDelay, opts.Metrics, opts.Logger)
	p.coordinator = newCoordinator(p)

	return p, nil
}

// Run executes loop tasks until ctx is cancelled. Pending poll timers are
// cancelled, unanswered set callers receive ErrPlatformStopped, and running
// workflows are stopped before Run returns.
func (p *Platform) Run(ctx context.Context) error {
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("accessory: platform already running")
	}

	defer func() {
		p.registry.cancelAllTimers()
		p.coordinator.abandon()
		p.cancel()
		close(p.done)
		p.workflows.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-p.tasks:
			p.runTask(fn)
		}
	}
}

// runTask isolates a panicking task so one bad device cannot stop the loop.
func (p *Platform) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("platform task panicked", "panic", r)
		}
	}()
	fn()
}

// post queues fn on the loop. It never runs fn inline, so it is safe to call
// from command and timer goroutines. Returns false once the loop has exited.
func (p *Platform) post(fn func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.tasks <- fn:
		return true
	case <-p.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (p *Platform) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !p.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrPlatformStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPlatformStopped
	}
}

// Done is closed when the loop has exited.
func (p *Platform) Done() <-chan struct{} {
	return p.done
}

// Launch registers the configured devices, restores cached state, and
// withdraws cached accessories that are no longer configured.
func (p *Platform) Launch(ctx context.Context, devices []Descriptor, origins map[string]Origin) error {
	var cached []CachedAccessory
	if p.opts.Cache != nil {
		var err error
		cached, err = p.opts.Cache.LoadAccessories(ctx)
		if err != nil {
			p.logger.Warn("accessory cache unavailable", "error", err)
		}
	}

	return p.Do(ctx, func() {
		prior := make(map[string]CachedAccessory, len(cached))
		for _, acc := range cached {
			prior[acc.Descriptor.Name] = acc
		}

		configured := make(map[string]bool, len(devices))
		for _, d := range devices {
			d.Normalize()
			origin := OriginConfig
			if o, ok := origins[d.Name]; ok {
				origin = o
			}

			var state Value
			if acc, ok := prior[d.Name]; ok {
				state = acc.State
			}
			if _, err := p.add(d, origin, state); err != nil {
				p.logger.Error("skipping device", "device", d.Name, "type", d.Type, "error", err)
				continue
			}
			configured[d.Name] = true
		}

		for name := range prior {
			if configured[name] {
				continue
			}
			p.logger.Info("removing stale cached accessory", "device", name)
			if err := p.opts.Exposure.UnregisterAccessory(name); err != nil {
				p.logger.Warn("exposure unregister failed", "device", name, "error", err)
			}
			p.cacheDelete(name)
		}

		for _, cycle := range DetectCycles(p.registry.List()) {
			p.logger.Warn("link cycle detected", "devices", cycle)
		}

		p.logger.Info("platform launched", "accessories", p.registry.Len())
	})
}

// add registers d and brings its service, state and poller up. Loop only.
func (p *Platform) add(d Descriptor, origin Origin, cachedState Value) (*Context, error) {
	c, created, err := p.registry.Register(d, origin)
	if err != nil {
		return nil, err
	}
	p.opts.Metrics.setAccessories(p.registry.Len())

	if created {
		p.logger.Info("accessory registered", "device", c.Name, "type", c.Type, "uuid", c.UUID)
		if cachedState != nil {
			c.State = cachedState
		}
	}

	p.activate(c)
	p.cacheSave(c)
	return c, nil
}

// activate exposes a device according to its link and starts polling.
func (p *Platform) activate(c *Context) {
	if c.Link == "" {
		if !p.opts.Exposure.HasService(c.Name) {
			if err := p.opts.Exposure.AddService(c.Snapshot()); err != nil {
				p.logger.Error("adding service failed", "device", c.Name, "error", err)
				return
			}
			if !p.probe(c) {
				p.pushState(c)
			}
			p.setReachable(c, true)
		}
		p.poller.Start(c.Name)
		// Dependents registered before their parent pick up its state now.
		p.correlator.Correlate(c.Name, c.State)
		return
	}

	parent, ok := p.registry.Get(c.Link)
	if !ok {
		p.logger.Warn("link target not registered", "device", c.Name, "link", c.Link)
		return
	}
	p.correlator.apply(c, Truthy(parent.State))
	if p.opts.Exposure.HasService(c.Name) {
		p.poller.Start(c.Name)
	}
}

// probe reads a device's state synchronously and stores it. It reports
// whether the cached state changed. Loop only.
func (p *Platform) probe(c *Context) bool {
	if c.StateCmd == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ProbeTimeout)
	defer cancel()

	res, err := p.opts.Runner.Run(ctx, c.StateCmd)
	p.opts.Metrics.command("probe", err)
	if err != nil {
		c.LastError = err.Error()
		p.logger.Warn("state probe failed", "device", c.Name, "error", err)
		return false
	}

	v, err := Evaluate(c, nil, res.Stdout)
	if err != nil {
		c.LastError = err.Error()
		p.logger.Warn("state probe unparsable", "device", c.Name, "output", res.Output(), "error", err)
		return false
	}
	return p.applyState(c, v, SourceProbe)
}

// applyState stores v, pushes it to the exposure layer and notifies
// observers. Nothing happens when v equals the cached state. Loop only.
func (p *Platform) applyState(c *Context, v Value, source ChangeSource) bool {
	previous := c.State
	changed, err := p.registry.SetState(c.Name, v)
	if err != nil || !changed {
		return false
	}
	c.LastError = ""

	p.logger.Debug("state changed", "device", c.Name, "from", previous, "to", v, "source", source)
	p.opts.Metrics.stateChange(source)

	if p.opts.Exposure.HasService(c.Name) {
		p.pushState(c)
	}

	change := StateChange{
		Name:     c.Name,
		Type:     c.Type,
		Previous: previous,
		Current:  v,
		Source:   source,
		Time:     c.UpdatedAt,
	}
	for _, o := range p.opts.Observers {
		o.StateChanged(change)
	}

	p.cacheSave(c)
	return true
}

// pushState sends the cached state to every characteristic of c. A device
// that has never been read has nothing to push.
func (p *Platform) pushState(c *Context) {
	if c.State == nil {
		return
	}
	value := c.presentation()
	for _, ch := range c.Capability.Characteristics {
		if err := p.opts.Exposure.UpdateCharacteristic(c.Name, ch.Kind, value); err != nil {
			p.logger.Warn("characteristic update failed", "device", c.Name, "characteristic", ch.Kind, "error", err)
		}
	}
}

func (p *Platform) setReachable(c *Context, reachable bool) {
	c.Reachable = reachable
	if err := p.opts.Exposure.SetReachable(c.Name, reachable); err != nil {
		p.logger.Warn("reachability update failed", "device", c.Name, "error", err)
	}
}

// Add registers a new device at runtime and persists the device list.
func (p *Platform) Add(ctx context.Context, d Descriptor) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	doErr := p.Do(ctx, func() {
		d.Normalize()
		if _, exists := p.registry.Get(d.Name); exists {
			err = fmt.Errorf("%w: %q", ErrExists, d.Name)
			return
		}
		var c *Context
		c, err = p.add(d, OriginAPI, nil)
		if err != nil {
			return
		}
		snap = p.snapshot(c)
		p.persist()
	})
	if doErr != nil {
		return Snapshot{}, doErr
	}
	return snap, err
}

// Modify merges d into an existing device and re-applies its exposure and
// polling.
func (p *Platform) Modify(ctx context.Context, d Descriptor) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	doErr := p.Do(ctx, func() {
		d.Normalize()
		c, exists := p.registry.Get(d.Name)
		if !exists {
			err = fmt.Errorf("%w: %q", ErrNotFound, d.Name)
			return
		}
		oldLink := c.Link

		p.poller.Stop(c.Name)
		if c, err = p.add(d, OriginAPI, nil); err != nil {
			return
		}
		if oldLink != "" && c.Link == "" {
			p.logger.Info("device no longer linked", "device", c.Name, "link", oldLink)
		}
		snap = p.snapshot(c)
		p.persist()
	})
	if doErr != nil {
		return Snapshot{}, doErr
	}
	return snap, err
}

// Remove unregisters a device. Devices linked to it lose their service.
func (p *Platform) Remove(ctx context.Context, name string) error {
	var err error
	doErr := p.Do(ctx, func() {
		err = p.remove(name)
		if err == nil {
			p.persist()
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (p *Platform) remove(name string) error {
	if _, ok := p.registry.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	p.correlator.Correlate(name, false)
	p.poller.Stop(name)
	if err := p.registry.Unregister(name); err != nil {
		return err
	}
	p.cacheDelete(name)
	p.opts.Metrics.setAccessories(p.registry.Len())
	p.logger.Info("accessory removed", "device", name)
	return nil
}

// Snapshot returns a copy of one device.
func (p *Platform) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	var (
		snap Snapshot
		ok   bool
	)
	if err := p.Do(ctx, func() {
		var c *Context
		if c, ok = p.registry.Get(name); ok {
			snap = p.snapshot(c)
		}
	}); err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return snap, nil
}

// Snapshots returns a copy of every device in registration order.
func (p *Platform) Snapshots(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := p.Do(ctx, func() {
		for _, c := range p.registry.List() {
			out = append(out, p.snapshot(c))
		}
	})
	return out, err
}

func (p *Platform) snapshot(c *Context) Snapshot {
	s := c.Snapshot()
	s.Exposed = p.opts.Exposure.HasService(c.Name)
	return s
}

// Get answers a read of one characteristic. cb runs on the loop.
func (p *Platform) Get(name string, kind CharacteristicKind, cb func(Value, error)) {
	if !p.post(func() { p.coordinator.Get(name, kind, cb) }) {
		cb(nil, ErrPlatformStopped)
	}
}

// Set answers a write of one characteristic. cb runs exactly once on the
// loop, at the latest after the set timeout.
func (p *Platform) Set(name string, kind CharacteristicKind, value Value, cb func(error)) {
	if !p.post(func() { p.coordinator.Set(name, kind, value, cb) }) {
		cb(ErrPlatformStopped)
	}
}

// Identify handles an identify request.
func (p *Platform) Identify(name string) {
	p.post(func() { p.coordinator.Identify(name) })
}

// GetValue is the blocking form of Get.
func (p *Platform) GetValue(ctx context.Context, name string, kind CharacteristicKind) (Value, error) {
	type answer struct {
		v   Value
		err error
	}
	ch := make(chan answer, 1)
	p.Get(name, kind, func(v Value, err error) { ch <- answer{v, err} })

	select {
	case a := <-ch:
		return a.v, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetValue is the blocking form of Set.
func (p *Platform) SetValue(ctx context.Context, name string, kind CharacteristicKind, value Value) error {
	ch := make(chan error, 1)
	p.Set(name, kind, value, func(err error) { ch <- err })

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist writes config and API devices to the descriptor store. Loop only.
func (p *Platform) persist() {
	if p.opts.Store == nil {
		return
	}
	var devices []Descriptor
	for _, c := range p.registry.List() {
		if c.Origin == OriginPreset {
			continue
		}
		devices = append(devices, c.Descriptor.Clone())
	}
	if err := p.opts.Store.SaveDescriptors(devices); err != nil {
		p.logger.Error("saving device list failed", "error", err)
	}
}

func (p *Platform) cacheSave(c *Context) {
	if p.opts.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	err := p.opts.Cache.SaveAccessory(ctx, CachedAccessory{
		Descriptor: c.Descriptor.Clone(),
		UUID:       c.UUID,
		Origin:     c.Origin,
		State:      c.State,
		UpdatedAt:  c.UpdatedAt,
	})
	if err != nil {
		p.logger.Warn("accessory cache write failed", "device", c.Name, "error", err)
	}
}

func (p *Platform) cacheDelete(name string) {
	if p.opts.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	if err := p.opts.Cache.DeleteAccessory(ctx, name); err != nil {
		p.logger.Warn("accessory cache delete failed", "device", name, "error", err)
	}
}
