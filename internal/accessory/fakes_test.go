package accessory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shellbridge/internal/process"
)

// response is a scripted command outcome.
type response struct {
	stdout string
	err    error
	delay  time.Duration
}

// fakeRunner serves scripted responses keyed by command string. Unknown
// commands succeed with empty output.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]response
	calls     []string
	inflight  map[string]int
	maxFlight map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]response),
		inflight:  make(map[string]int),
		maxFlight: make(map[string]int),
	}
}

func (f *fakeRunner) set(command string, r response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = r
}

func (f *fakeRunner) begin(command string) response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	f.inflight[command]++
	if f.inflight[command] > f.maxFlight[command] {
		f.maxFlight[command] = f.inflight[command]
	}
	return f.responses[command]
}

func (f *fakeRunner) end(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[command]--
}

func (f *fakeRunner) result(command string, r response) (process.Result, error) {
	res := process.Result{Command: command, Stdout: r.stdout}
	if r.err != nil {
		res.ExitCode = 1
	}
	return res, r.err
}

func (f *fakeRunner) Run(ctx context.Context, command string) (process.Result, error) {
	r := f.begin(command)
	defer f.end(command)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return process.Result{Command: command}, ctx.Err()
		}
	}
	return f.result(command, r)
}

func (f *fakeRunner) Start(command string, done func(process.Result, error)) {
	r := f.begin(command)
	go func() {
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		f.end(command)
		done(f.result(command, r))
	}()
}

func (f *fakeRunner) count(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == command {
			n++
		}
	}
	return n
}

func (f *fakeRunner) maxInFlight(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight[command]
}

// update is one UpdateCharacteristic call.
type update struct {
	name  string
	kind  CharacteristicKind
	value Value
}

// recordingExposure remembers every call made to it.
type recordingExposure struct {
	mu         sync.Mutex
	registered map[string]Snapshot
	services   map[string]bool
	reachable  map[string]bool
	updates    []update
	adds       map[string]int
	removes    map[string]int
}

func newRecordingExposure() *recordingExposure {
	return &recordingExposure{
		registered: make(map[string]Snapshot),
		services:   make(map[string]bool),
		reachable:  make(map[string]bool),
		adds:       make(map[string]int),
		removes:    make(map[string]int),
	}
}

func (e *recordingExposure) RegisterAccessory(info Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered[info.Name] = info
	return nil
}

func (e *recordingExposure) UnregisterAccessory(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.registered, name)
	delete(e.services, name)
	return nil
}

func (e *recordingExposure) AddService(info Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services[info.Name] = true
	e.adds[info.Name]++
	return nil
}

func (e *recordingExposure) RemoveService(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.services, name)
	e.removes[name]++
	return nil
}

func (e *recordingExposure) HasService(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.services[name]
}

func (e *recordingExposure) UpdateCharacteristic(name string, kind CharacteristicKind, value Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, update{name, kind, value})
	return nil
}

func (e *recordingExposure) SetReachable(name string, reachable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reachable[name] = reachable
	return nil
}

func (e *recordingExposure) updatesFor(name string) []update {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []update
	for _, u := range e.updates {
		if u.name == name {
			out = append(out, u)
		}
	}
	return out
}

func (e *recordingExposure) addCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adds[name]
}

func (e *recordingExposure) removeCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removes[name]
}

func (e *recordingExposure) isReachable(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reachable[name]
}

func (e *recordingExposure) isRegistered(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.registered[name]
	return ok
}

// memoryCache is an in-memory Cache.
type memoryCache struct {
	mu   sync.Mutex
	accs map[string]CachedAccessory
}

func newMemoryCache(accs ...CachedAccessory) *memoryCache {
	c := &memoryCache{accs: make(map[string]CachedAccessory)}
	for _, a := range accs {
		c.accs[a.Descriptor.Name] = a
	}
	return c
}

func (c *memoryCache) LoadAccessories(context.Context) ([]CachedAccessory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CachedAccessory
	for _, a := range c.accs {
		out = append(out, a)
	}
	return out, nil
}

func (c *memoryCache) SaveAccessory(_ context.Context, acc CachedAccessory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accs[acc.Descriptor.Name] = acc
	return nil
}

func (c *memoryCache) DeleteAccessory(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accs, name)
	return nil
}

func (c *memoryCache) get(name string) (CachedAccessory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accs[name]
	return a, ok
}

// memoryStore records the last saved device list.
type memoryStore struct {
	mu    sync.Mutex
	saved []Descriptor
	saves int
}

func (s *memoryStore) SaveDescriptors(devices []Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = devices
	s.saves++
	return nil
}

func (s *memoryStore) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.saved {
		out = append(out, d.Name)
	}
	return out
}

// changeLog collects StateChange notifications.
type changeLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *changeLog) StateChanged(c StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) forDevice(name string) []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []StateChange
	for _, c := range l.changes {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	p        *Platform
	runner   *fakeRunner
	exposure *recordingExposure
}

// startPlatform runs a platform on a fake runner and recording exposure
// until the test ends. mutate may adjust the options first.
func startPlatform(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{runner: newFakeRunner(), exposure: newRecordingExposure()}
	opts := Options{
		Runner:        env.runner,
		Exposure:      env.exposure,
		SetTimeout:    time.Second,
		WorkflowDelay: -1,
		ProbeTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewPlatform(opts)
	if err != nil {
		t.Fatalf("NewPlatform() error = %v", err)
	}
	env.p = p

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx) //nolint:errcheck // exits on cancel
	t.Cleanup(func() {
		cancel()
		<-p.Done()
	})
	return env
}

// launch registers devices and fails the test on error.
func (env *testEnv) launch(t *testing.T, devices ...Descriptor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.p.Launch(ctx, devices, nil); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
}

// state reads a device's cached state from the loop.
func (env *testEnv) state(t *testing.T, name string) Value {
	t.Helper()
	snap, err := env.p.Snapshot(context.Background(), name)
	if err != nil {
		t.Fatalf("Snapshot(%q) error = %v", name, err)
	}
	return snap.State
}

// settle waits for tasks already queued on the loop, such as the side
// effects that follow a set answer.
func (env *testEnv) settle(t *testing.T) {
	t.Helper()
	if err := env.p.Do(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

var errExit = errors.New("exit status 1")
