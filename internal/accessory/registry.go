package accessory

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// uuidNamespace seeds deterministic accessory UUIDs so a device keeps its
// identity on the exposure layer across restarts.
var uuidNamespace = uuid.MustParse("6f1c3d4e-8a52-5b0e-9c77-2a41b1d0e9f3")

// AccessoryUUID derives the stable UUID for a device name.
func AccessoryUUID(name string) string {
	return uuid.NewSHA1(uuidNamespace, []byte(name)).String()
}

// Origin records where a descriptor came from.
type Origin string

// Descriptor origins. Preset devices are rebuilt on every start and never
// written back to the devices file.
const (
	OriginConfig Origin = "config"
	OriginPreset Origin = "preset"
	OriginAPI    Origin = "api"
)

// Context is the live runtime state of one registered device.
type Context struct {
	Descriptor

	UUID       string
	Origin     Origin
	Capability *Capability
	State      Value
	Reachable  bool
	LastError  string
	UpdatedAt  time.Time

	transform StateTransform
}

// Snapshot is a read-only copy of a Context, safe to hand to other goroutines.
type Snapshot struct {
	Descriptor
	UUID       string      `json:"uuid"`
	Origin     Origin      `json:"origin"`
	Capability *Capability `json:"capability"`
	State      Value       `json:"state"`
	Reachable  bool        `json:"reachable"`
	Exposed    bool        `json:"exposed"`
	LastError  string      `json:"last_error,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty"`
}

// Snapshot copies the context.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		Descriptor: c.Descriptor.Clone(),
		UUID:       c.UUID,
		Origin:     c.Origin,
		Capability: c.Capability,
		State:      c.State,
		Reachable:  c.Reachable,
		LastError:  c.LastError,
		UpdatedAt:  c.UpdatedAt,
	}
}

// presentation converts the cached state into the value pushed for a
// characteristic.
func (c *Context) presentation() Value {
	return c.Capability.Clamp(&c.Descriptor, c.State)
}

type pollTimer struct {
	timer *time.Timer
	seq   uint64
}

// Registry maps device names to their Context and owns the per-device poll
// timer handle.
//
// Thread Safety:
//   - Not safe for concurrent use. A Registry belongs to one Platform and is
//     only touched from the platform loop.
type Registry struct {
	exposure Exposure
	compile  TransformFactory
	logger   Logger

	// post runs fn on the platform loop. Timer callbacks go through it.
	post func(fn func()) bool

	contexts map[string]*Context
	order    []string
	timers   map[string]*pollTimer
	timerSeq uint64
}

// NewRegistry creates an empty registry. post must hand fn to the goroutine
// that owns the registry.
func NewRegistry(exposure Exposure, compile TransformFactory, post func(fn func()) bool) *Registry {
	if compile == nil {
		compile = CompileExpression
	}
	return &Registry{
		exposure: exposure,
		compile:  compile,
		logger:   noopLogger{},
		post:     post,
		contexts: make(map[string]*Context),
		timers:   make(map[string]*pollTimer),
	}
}

// SetLogger sets the registry logger.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Register adds a device, or merges d into the existing Context with the
// same name. The exposure layer is asked to register the accessory only the
// first time a name is seen. created reports which of the two happened.
func (r *Registry) Register(d Descriptor, origin Origin) (c *Context, created bool, err error) {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, false, err
	}

	capability, _ := LookupCapability(d.Type)

	if existing, ok := r.contexts[d.Name]; ok {
		merged := existing.Descriptor.Clone()
		merged.merge(d)
		transform, err := r.compileFor(&merged)
		if err != nil {
			return nil, false, err
		}
		if existing.Type != merged.Type {
			// A new value domain makes the old state meaningless.
			existing.State = nil
		}
		existing.Descriptor = merged
		existing.Capability = capability
		existing.transform = transform
		if origin == OriginAPI || existing.Origin == "" {
			existing.Origin = origin
		}
		return existing, false, nil
	}

	transform, err := r.compileFor(&d)
	if err != nil {
		return nil, false, err
	}

	c = &Context{
		Descriptor: d.Clone(),
		UUID:       AccessoryUUID(d.Name),
		Origin:     origin,
		Capability: capability,
		Reachable:  true,
		transform:  transform,
	}

	if err := r.exposure.RegisterAccessory(c.Snapshot()); err != nil {
		return nil, false, fmt.Errorf("registering %q with exposure layer: %w", d.Name, err)
	}

	r.contexts[d.Name] = c
	r.order = append(r.order, d.Name)
	return c, true, nil
}

func (r *Registry) compileFor(d *Descriptor) (StateTransform, error) {
	if d.StateEval == "" {
		return nil, nil
	}
	t, err := r.compile(d.StateEval)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	return t, nil
}

// Unregister cancels the device's poll timer, removes it, and asks the
// exposure layer to drop the accessory.
func (r *Registry) Unregister(name string) error {
	if _, ok := r.contexts[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	r.CancelTimer(name)
	delete(r.contexts, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })

	if err := r.exposure.UnregisterAccessory(name); err != nil {
		r.logger.Warn("exposure unregister failed", "device", name, "error", err)
	}
	return nil
}

// Get returns the Context for name.
func (r *Registry) Get(name string) (*Context, bool) {
	c, ok := r.contexts[name]
	return c, ok
}

// SetState stores v as the cached state. It reports whether the value changed.
func (r *Registry) SetState(name string, v Value) (bool, error) {
	c, ok := r.contexts[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if Equal(c.State, v) {
		return false, nil
	}
	c.State = v
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListByLink returns every device whose link names parent, in registration order.
func (r *Registry) ListByLink(parent string) []*Context {
	var out []*Context
	for _, name := range r.order {
		if c := r.contexts[name]; c.Link == parent {
			out = append(out, c)
		}
	}
	return out
}

// List returns every device in registration order.
func (r *Registry) List() []*Context {
	out := make([]*Context, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.contexts[name])
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.contexts)
}

// StartTimer schedules fn on the platform loop after d, replacing any
// pending timer for name. A replaced or cancelled timer never runs fn, even
// if it already fired and its callback is queued.
func (r *Registry) StartTimer(name string, d time.Duration, fn func()) {
	r.CancelTimer(name)

	r.timerSeq++
	seq := r.timerSeq
	entry := &pollTimer{seq: seq}
	entry.timer = time.AfterFunc(d, func() {
		r.post(func() {
			current, ok := r.timers[name]
			if !ok || current.seq != seq {
				return
			}
			delete(r.timers, name)
			fn()
		})
	})
	r.timers[name] = entry
}

// CancelTimer stops the pending timer for name, if any.
func (r *Registry) CancelTimer(name string) {
	if t, ok := r.timers[name]; ok {
		t.timer.Stop()
		delete(r.timers, name)
	}
}

// HasTimer reports whether a timer is pending for name.
func (r *Registry) HasTimer(name string) bool {
	_, ok := r.timers[name]
	return ok
}

// cancelAllTimers stops every pending timer. Used on platform shutdown.
func (r *Registry) cancelAllTimers() {
	for name := range r.timers {
		r.CancelTimer(name)
	}
}
