package accessory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNewPlatformRequiresDependencies(t *testing.T) {
	if _, err := NewPlatform(Options{Exposure: newRecordingExposure()}); err == nil {
		t.Error("NewPlatform() without runner should fail")
	}
	if _, err := NewPlatform(Options{Runner: newFakeRunner()}); err == nil {
		t.Error("NewPlatform() without exposure should fail")
	}
}

func TestLaunchProbesAndExposes(t *testing.T) {
	log := &changeLog{}
	env := startPlatform(t, func(o *Options) { o.Observers = []StateObserver{log} })
	env.runner.set("svc status", response{stdout: "running\n"})

	env.launch(t,
		Descriptor{Name: "Service", StateCmd: "svc status", StateOn: "running"},
		Descriptor{Name: "Broken", Type: "Toaster"},
	)

	if got := env.state(t, "Service"); got != true {
		t.Errorf("Service state = %v, want true", got)
	}
	if !env.exposure.HasService("Service") {
		t.Error("Service not exposed")
	}
	if ups := env.exposure.updatesFor("Service"); len(ups) != 1 || ups[0].kind != CharOn || ups[0].value != true {
		t.Errorf("updates = %+v, want one On=true", ups)
	}
	if changes := log.forDevice("Service"); len(changes) != 1 || changes[0].Source != SourceProbe {
		t.Errorf("changes = %+v, want one probe change", changes)
	}

	// An unknown type skips only that device.
	if _, err := env.p.Snapshot(context.Background(), "Broken"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Snapshot(Broken) error = %v, want ErrNotFound", err)
	}
}

func TestLaunchRestoresCache(t *testing.T) {
	cache := newMemoryCache(
		CachedAccessory{Descriptor: Descriptor{Name: "Lamp", Type: TypeSwitch}, State: true},
		CachedAccessory{Descriptor: Descriptor{Name: "Gone", Type: TypeSwitch}, State: false},
	)
	env := startPlatform(t, func(o *Options) { o.Cache = cache })

	env.exposure.RegisterAccessory(Snapshot{Descriptor: Descriptor{Name: "Gone"}}) //nolint:errcheck // fake
	env.launch(t, Descriptor{Name: "Lamp", OnCmd: "lamp on", OffCmd: "lamp off"})

	if got := env.state(t, "Lamp"); got != true {
		t.Errorf("Lamp state = %v, want cached true", got)
	}
	if _, ok := cache.get("Gone"); ok {
		t.Error("stale accessory still cached")
	}
	if env.exposure.isRegistered("Gone") {
		t.Error("stale accessory still registered with the exposure layer")
	}
	if _, ok := cache.get("Lamp"); !ok {
		t.Error("configured accessory missing from cache")
	}
}

func TestPollerChangeOnlyPush(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("svc status", response{stdout: "running"})

	env.launch(t, Descriptor{Name: "Service", StateCmd: "svc status", StateOn: "running", Polling: true, Interval: 1})

	// Probe plus the first poll cycle, which returns the same state.
	waitForTimer(t, env, "Service")
	if n := env.runner.count("svc status"); n < 2 {
		t.Fatalf("state command ran %d times, want probe and poll", n)
	}
	if ups := env.exposure.updatesFor("Service"); len(ups) != 1 {
		t.Errorf("updates = %d, unchanged poll must not push", len(ups))
	}
}

func TestPollerPushesChanges(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("svc status", response{stdout: "stopped"})
	env.launch(t, Descriptor{Name: "Service", StateCmd: "svc status", StateOn: "running", Polling: true, Interval: 1})
	waitForTimer(t, env, "Service")

	env.runner.set("svc status", response{stdout: "running"})
	eventually(t, 3*time.Second, func() bool {
		return env.state(t, "Service") == true
	}, "poll to pick up the new state")

	ups := env.exposure.updatesFor("Service")
	if len(ups) != 2 || ups[1].value != true {
		t.Errorf("updates = %+v, want false then true", ups)
	}
}

func TestPollerNeverOverlaps(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("slow status", response{stdout: "on", delay: 200 * time.Millisecond})

	env.launch(t, Descriptor{Name: "Slow", StateCmd: "slow status", StateOn: "on", Polling: true, Interval: 1})

	// Restarting while a command is in flight must not start another.
	ctx := context.Background()
	for range 3 {
		if err := env.p.Do(ctx, func() { env.p.poller.Start("Slow") }); err != nil {
			t.Fatal(err)
		}
	}
	waitForTimer(t, env, "Slow")

	if n := env.runner.maxInFlight("slow status"); n != 1 {
		t.Errorf("max in flight = %d, want 1", n)
	}
	// One synchronous probe and one poll.
	if n := env.runner.count("slow status"); n != 2 {
		t.Errorf("state command ran %d times, want 2", n)
	}
}

func TestPollerErrorKeepsStateAndReschedules(t *testing.T) {
	tests := []struct {
		name   string
		d      Descriptor
		stdout string
		want   Value
	}{
		{
			name:   "numeric",
			d:      Descriptor{Name: "Temp", Type: TypeTemperatureSensor, StateCmd: "status", Polling: true, Interval: 1},
			stdout: "21.5",
			want:   21.5,
		},
		{
			name:   "binary without state_on",
			d:      Descriptor{Name: "Kodi", StateCmd: "status", Polling: true, Interval: 1},
			stdout: "1234",
			want:   true,
		},
		{
			name:   "binary with state_on only",
			d:      Descriptor{Name: "Kodi", StateCmd: "status", StateOn: "running", Polling: true, Interval: 1},
			stdout: "running",
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := startPlatform(t, nil)
			env.runner.set("status", response{stdout: tt.stdout})
			env.launch(t, tt.d)
			waitForTimer(t, env, tt.d.Name)
			updates := len(env.exposure.updatesFor(tt.d.Name))

			env.runner.set("status", response{err: errExit})
			before := env.runner.count("status")
			eventually(t, 3*time.Second, func() bool {
				return env.runner.count("status") > before
			}, "next poll cycle")
			waitForTimer(t, env, tt.d.Name)

			snap, err := env.p.Snapshot(context.Background(), tt.d.Name)
			if err != nil {
				t.Fatal(err)
			}
			if snap.State != tt.want {
				t.Errorf("State = %v, failed poll must keep %v", snap.State, tt.want)
			}
			if snap.LastError == "" {
				t.Error("LastError not recorded")
			}
			if n := len(env.exposure.updatesFor(tt.d.Name)); n != updates {
				t.Errorf("updates after failed poll = %d, want %d", n, updates)
			}
		})
	}
}

// A linked device follows its parent's state.
func TestCorrelatorFollowsParent(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("cam status", response{stdout: "on"})

	env.launch(t,
		Descriptor{Name: "PiCam", OnCmd: "picam on", OffCmd: "picam off", StateCmd: "picam status", StateOn: "running"},
		Descriptor{Name: "Camera 1", Link: "PiCam", StateCmd: "cam status", StateOn: "on", StateOff: "off", Polling: true, Interval: 1},
	)
	if env.exposure.HasService("Camera 1") {
		t.Fatal("camera exposed while its parent is off")
	}

	ctx := context.Background()
	if err := env.p.SetValue(ctx, "PiCam", CharOn, true); err != nil {
		t.Fatalf("SetValue(on) error = %v", err)
	}
	env.settle(t)
	if !env.exposure.HasService("Camera 1") {
		t.Fatal("camera service not created after parent turned on")
	}
	if got := env.state(t, "Camera 1"); got != true {
		t.Errorf("camera state = %v, want probed true", got)
	}
	if !env.exposure.isReachable("Camera 1") {
		t.Error("camera not marked reachable")
	}

	if err := env.p.SetValue(ctx, "PiCam", CharOn, false); err != nil {
		t.Fatalf("SetValue(off) error = %v", err)
	}
	env.settle(t)
	if env.exposure.HasService("Camera 1") {
		t.Error("camera service not removed after parent turned off")
	}
	var timer, active bool
	if err := env.p.Do(ctx, func() {
		timer = env.p.registry.HasTimer("Camera 1")
		active = env.p.poller.Active("Camera 1")
	}); err != nil {
		t.Fatal(err)
	}
	if timer || active {
		t.Errorf("camera still polling: timer=%v active=%v", timer, active)
	}
	if env.exposure.isReachable("Camera 1") {
		t.Error("camera still marked reachable")
	}

	if _, err := env.p.GetValue(ctx, "Camera 1", CharOn); !errors.Is(err, ErrServiceHidden) {
		t.Errorf("GetValue(hidden) error = %v, want ErrServiceHidden", err)
	}
}

func TestCorrelatorIdempotent(t *testing.T) {
	env := startPlatform(t, nil)
	env.launch(t,
		Descriptor{Name: "Parent"},
		Descriptor{Name: "Child", Link: "Parent"},
	)

	ctx := context.Background()
	correlate := func(state Value) {
		t.Helper()
		if err := env.p.Do(ctx, func() { env.p.correlator.Correlate("Parent", state) }); err != nil {
			t.Fatal(err)
		}
	}

	correlate(true)
	correlate(true)
	if n := env.exposure.addCount("Child"); n != 1 {
		t.Errorf("AddService called %d times, want 1", n)
	}
	correlate(false)
	correlate(false)
	if n := env.exposure.removeCount("Child"); n != 1 {
		t.Errorf("RemoveService called %d times, want 1", n)
	}
}

func TestCorrelatorRegistrationOrder(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("parent status", response{stdout: "on"})

	// The child is registered before its parent.
	env.launch(t,
		Descriptor{Name: "Child", Link: "Parent"},
		Descriptor{Name: "Parent", StateCmd: "parent status", StateOn: "on"},
	)
	if !env.exposure.HasService("Child") {
		t.Error("child not exposed once its active parent registered")
	}
}

func TestCorrelatorChain(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("b status", response{stdout: "on"})
	env.launch(t,
		Descriptor{Name: "A", OnCmd: "a on", OffCmd: "a off"},
		Descriptor{Name: "B", Link: "A", StateCmd: "b status", StateOn: "on"},
		Descriptor{Name: "C", Link: "B"},
	)

	ctx := context.Background()
	if err := env.p.SetValue(ctx, "A", CharOn, true); err != nil {
		t.Fatal(err)
	}
	env.settle(t)
	if !env.exposure.HasService("B") || !env.exposure.HasService("C") {
		t.Error("activation did not propagate down the chain")
	}
	if err := env.p.SetValue(ctx, "A", CharOn, false); err != nil {
		t.Fatal(err)
	}
	env.settle(t)
	if env.exposure.HasService("B") || env.exposure.HasService("C") {
		t.Error("deactivation did not propagate down the chain")
	}
}

func TestDetectCycles(t *testing.T) {
	ctxs := []*Context{
		{Descriptor: Descriptor{Name: "A", Link: "B"}},
		{Descriptor: Descriptor{Name: "B", Link: "C"}},
		{Descriptor: Descriptor{Name: "C", Link: "A"}},
		{Descriptor: Descriptor{Name: "D", Link: "A"}},
		{Descriptor: Descriptor{Name: "E", Link: "missing"}},
		{Descriptor: Descriptor{Name: "F"}},
	}

	cycles := DetectCycles(ctxs)
	if len(cycles) != 1 {
		t.Fatalf("cycles = %v, want exactly one", cycles)
	}
	got := slices.Clone(cycles[0])
	slices.Sort(got)
	if !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("cycle = %v, want A B C", cycles[0])
	}

	if cycles := DetectCycles(ctxs[3:]); len(cycles) != 0 {
		t.Errorf("acyclic links reported cycles %v", cycles)
	}
}

// A set that outlives the timeout is answered optimistically
// and reconciled when the command finishes.
func TestSetOptimisticAnswer(t *testing.T) {
	log := &changeLog{}
	env := startPlatform(t, func(o *Options) {
		o.SetTimeout = 50 * time.Millisecond
		o.Observers = []StateObserver{log}
	})
	env.runner.set("mcpi on", response{delay: 300 * time.Millisecond})
	env.runner.set("child status", response{stdout: "up"})

	env.launch(t,
		Descriptor{Name: "MCPi", OnCmd: "mcpi on", OffCmd: "mcpi off", Workflow: []string{"party"}},
		Descriptor{Name: "Child", Link: "MCPi", StateCmd: "child status", StateOn: "up"},
	)

	var (
		mu      sync.Mutex
		calls   int
		answers []error
	)
	start := time.Now()
	answered := make(chan time.Duration, 1)
	env.p.Set("MCPi", CharOn, true, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		answers = append(answers, err)
		answered <- time.Since(start)
	})

	select {
	case elapsed := <-answered:
		if elapsed > 250*time.Millisecond {
			t.Errorf("answered after %v, want about the set timeout", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("set callback never fired")
	}
	if answers[0] != nil {
		t.Errorf("optimistic answer error = %v, want nil", answers[0])
	}

	// Nothing follows the optimistic answer until the command finishes.
	if got := env.state(t, "MCPi"); got == true {
		t.Error("state updated before the command finished")
	}
	if env.exposure.HasService("Child") {
		t.Error("correlation ran on the optimistic path")
	}

	eventually(t, 2*time.Second, func() bool {
		return env.runner.count("party") == 1
	}, "workflow after real completion")

	if got := env.state(t, "MCPi"); got != true {
		t.Errorf("state = %v, want true after completion", got)
	}
	if !env.exposure.HasService("Child") {
		t.Error("correlation did not run after completion")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("callback fired %d times, want exactly once", calls)
	}
	if changes := log.forDevice("MCPi"); len(changes) != 1 || changes[0].Source != SourceSet {
		t.Errorf("changes = %+v, want one set change", changes)
	}
}

func TestSetOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		d         Descriptor
		prior     Value
		value     Value
		resp      response
		wantErr   bool
		wantState Value
	}{
		{
			name:      "success",
			d:         Descriptor{Name: "Lamp", OnCmd: "lamp on", OffCmd: "lamp off"},
			value:     true,
			wantState: true,
		},
		{
			name:      "failure away from target",
			d:         Descriptor{Name: "Lamp", OnCmd: "lamp on", OffCmd: "lamp off"},
			prior:     false,
			value:     true,
			resp:      response{err: errExit},
			wantErr:   true,
			wantState: false,
		},
		{
			name:      "failure already at target",
			d:         Descriptor{Name: "Lamp", OnCmd: "lamp on", OffCmd: "lamp off"},
			prior:     true,
			value:     "on",
			resp:      response{err: errExit},
			wantState: true,
		},
		{
			name:      "no commands",
			d:         Descriptor{Name: "Virtual"},
			value:     1,
			wantState: true,
		},
		{
			name:      "only on_cmd runs for off",
			d:         Descriptor{Name: "Toggle", OnCmd: "lamp on"},
			prior:     true,
			value:     false,
			wantState: false,
		},
		{
			name:      "window covering sentinel",
			d:         Descriptor{Name: "Blind", Type: TypeWindowCovering, OnCmd: "lamp on", OffCmd: "lamp off"},
			value:     100,
			wantState: int64(100),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cached []CachedAccessory
			if tt.prior != nil {
				cached = append(cached, CachedAccessory{Descriptor: tt.d, State: tt.prior})
			}
			env := startPlatform(t, func(o *Options) { o.Cache = newMemoryCache(cached...) })
			env.runner.set("lamp on", tt.resp)
			env.runner.set("lamp off", tt.resp)
			env.launch(t, tt.d)

			kind := CharacteristicKind("")
			err := env.p.SetValue(context.Background(), tt.d.Name, kind, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := env.state(t, tt.d.Name); !Equal(got, tt.wantState) {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestSetRejectsBadRequests(t *testing.T) {
	env := startPlatform(t, nil)
	env.launch(t,
		Descriptor{Name: "Temp", Type: TypeTemperatureSensor},
		Descriptor{Name: "Door", Type: TypeDoor, OnCmd: "close", OffCmd: "open"},
	)
	ctx := context.Background()

	tests := []struct {
		name    string
		device  string
		kind    CharacteristicKind
		value   Value
		wantErr error
	}{
		{"unknown device", "Nope", CharOn, true, ErrNotFound},
		{"read-only", "Temp", CharCurrentTemperature, 20.0, ErrReadOnly},
		{"wrong characteristic", "Door", CharOn, true, ErrUnknownCharacteristic},
		{"current state is read-only", "Door", CharCurrentDoorState, 1, ErrReadOnly},
		{"bad value", "Door", CharTargetDoorState, "ajar", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := env.p.SetValue(ctx, tt.device, tt.kind, tt.value); !errors.Is(err, tt.wantErr) {
				t.Errorf("SetValue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetAnsweredOnShutdown(t *testing.T) {
	runner := newFakeRunner()
	runner.set("hang", response{delay: time.Hour})
	p, err := NewPlatform(Options{Runner: runner, Exposure: newRecordingExposure(), SetTimeout: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx) //nolint:errcheck // exits on cancel
	defer cancel()

	if err := p.Launch(context.Background(), []Descriptor{{Name: "Hang", OnCmd: "hang"}}, nil); err != nil {
		t.Fatal(err)
	}

	answered := make(chan error, 1)
	p.Set("Hang", CharOn, true, func(err error) { answered <- err })

	// The snapshot is queued behind the set, so the set is pending once it returns.
	if _, err := p.Snapshots(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-answered:
		t.Fatalf("answered early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-answered:
		if !errors.Is(err, ErrPlatformStopped) {
			t.Errorf("answer = %v, want ErrPlatformStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending set was never answered")
	}
}

func TestGet(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("poll status", response{stdout: "on"})
	env.runner.set("async status", response{stdout: "on", delay: 20 * time.Millisecond})
	env.runner.set("sync status", response{stdout: "off"})
	env.runner.set("temp", response{stdout: "180"})

	env.launch(t,
		Descriptor{Name: "Polled", StateCmd: "poll status", StateOn: "on", Polling: true, Interval: 60},
		Descriptor{Name: "Async", StateCmd: "async status", StateOn: "on"},
		Descriptor{Name: "Sync", StateCmd: "sync status", StateOn: "on", StateSync: true},
		Descriptor{Name: "Temp", Type: TypeTemperatureSensor, StateCmd: "temp", MinValue: -35, MaxValue: 120},
	)
	ctx := context.Background()

	// Polling devices answer from the cache without running anything.
	before := env.runner.count("poll status")
	if v, err := env.p.GetValue(ctx, "Polled", CharOn); err != nil || v != true {
		t.Errorf("GetValue(Polled) = %v, %v; want true", v, err)
	}
	if env.runner.count("poll status") != before {
		t.Error("get on a polling device ran its state command")
	}

	env.runner.set("async status", response{stdout: "off"})
	if v, err := env.p.GetValue(ctx, "Async", ""); err != nil || v != false {
		t.Errorf("GetValue(Async) = %v, %v; want false", v, err)
	}
	if got := env.state(t, "Async"); got != false {
		t.Errorf("Async cached state = %v, a get should refresh it", got)
	}

	if v, err := env.p.GetValue(ctx, "Sync", CharOn); err != nil || v != false {
		t.Errorf("GetValue(Sync) = %v, %v; want false", v, err)
	}

	// Temperatures are clamped to the declared bounds.
	if v, err := env.p.GetValue(ctx, "Temp", CharCurrentTemperature); err != nil || v != 120.0 {
		t.Errorf("GetValue(Temp) = %v, %v; want 120", v, err)
	}

	env.runner.set("temp", response{err: errExit})
	if _, err := env.p.GetValue(ctx, "Temp", ""); !errors.Is(err, errExit) {
		t.Errorf("GetValue(Temp) error = %v, want the command error", err)
	}
}

func TestWorkflow(t *testing.T) {
	env := startPlatform(t, nil)
	env.runner.set("step 2", response{err: errExit})
	env.launch(t,
		Descriptor{Name: "Media", OnCmd: "media on", OffCmd: "media off", Workflow: []string{"step 1", "step 2", "step 3"}},
	)
	ctx := context.Background()

	if err := env.p.SetValue(ctx, "Media", CharOn, false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := env.runner.count("step 1"); n != 0 {
		t.Errorf("workflow ran for an off state")
	}

	if err := env.p.SetValue(ctx, "Media", CharOn, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return env.runner.count("step 3") == 1
	}, "workflow to reach the last step")
	if env.runner.count("step 1") != 1 || env.runner.count("step 2") != 1 {
		t.Error("every step should run once, even after a failure")
	}
}

func TestWorkflowExecutorSingleFlight(t *testing.T) {
	runner := newFakeRunner()
	runner.set("slow", response{delay: 100 * time.Millisecond})
	w := newWorkflowExecutor(runner, 0, nil, noopLogger{})
	defer w.Close()

	c := &Context{Descriptor: Descriptor{Name: "X", Workflow: []string{"slow"}}, State: true}
	if !w.Run(c) {
		t.Fatal("Run() = false, want workflow started")
	}
	if w.Run(c) {
		t.Error("second Run() while running should be refused")
	}
	eventually(t, time.Second, func() bool { return !w.Running("X") }, "workflow to finish")
	if n := runner.count("slow"); n != 1 {
		t.Errorf("step ran %d times, want 1", n)
	}

	off := &Context{Descriptor: Descriptor{Name: "Y", Workflow: []string{"slow"}}, State: false}
	if w.Run(off) {
		t.Error("Run() started a workflow for an off device")
	}
}

func TestAddModifyRemove(t *testing.T) {
	store := &memoryStore{}
	cache := newMemoryCache()
	env := startPlatform(t, func(o *Options) {
		o.Store = store
		o.Cache = cache
	})
	ctx := context.Background()

	if err := env.p.Launch(ctx, []Descriptor{{Name: "Lamp"}, {Name: "MCPi"}}, map[string]Origin{"MCPi": OriginPreset}); err != nil {
		t.Fatal(err)
	}

	snap, err := env.p.Add(ctx, Descriptor{Name: "Fan", OnCmd: "fan on", OffCmd: "fan off"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if snap.Origin != OriginAPI || !snap.Exposed {
		t.Errorf("Add() snapshot = %+v", snap)
	}
	if got := store.names(); !slices.Equal(got, []string{"Lamp", "Fan"}) {
		t.Errorf("saved devices = %v, presets must not be saved", got)
	}
	if _, err := env.p.Add(ctx, Descriptor{Name: "Fan"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add() error = %v, want ErrExists", err)
	}

	snap, err = env.p.Modify(ctx, Descriptor{Name: "Fan", Title: "Ceiling fan"})
	if err != nil {
		t.Fatalf("Modify() error = %v", err)
	}
	if snap.Title != "Ceiling fan" || snap.OnCmd != "fan on" {
		t.Errorf("Modify() snapshot = %+v, want merged fields", snap.Descriptor)
	}
	if _, err := env.p.Modify(ctx, Descriptor{Name: "Nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Modify(unknown) error = %v, want ErrNotFound", err)
	}

	if err := env.p.Remove(ctx, "Fan"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if env.exposure.isRegistered("Fan") {
		t.Error("removed device still registered")
	}
	if _, ok := cache.get("Fan"); ok {
		t.Error("removed device still cached")
	}
	if got := store.names(); !slices.Equal(got, []string{"Lamp"}) {
		t.Errorf("saved devices = %v after remove", got)
	}
	if err := env.p.Remove(ctx, "Fan"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestStoppedPlatform(t *testing.T) {
	p, err := NewPlatform(Options{Runner: newFakeRunner(), Exposure: newRecordingExposure()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}

	if _, err := p.Snapshots(context.Background()); !errors.Is(err, ErrPlatformStopped) {
		t.Errorf("Snapshots() error = %v, want ErrPlatformStopped", err)
	}
	if err := p.SetValue(context.Background(), "x", CharOn, true); !errors.Is(err, ErrPlatformStopped) {
		t.Errorf("SetValue() error = %v, want ErrPlatformStopped", err)
	}
}

// waitForTimer waits until name's next poll is scheduled, meaning the
// previous cycle has completed on the loop.
func waitForTimer(t *testing.T, env *testEnv, name string) {
	t.Helper()
	eventually(t, 3*time.Second, func() bool {
		var ok bool
		if err := env.p.Do(context.Background(), func() { ok = env.p.registry.HasTimer(name) }); err != nil {
			t.Fatal(err)
		}
		return ok
	}, name+" poll timer")
}
