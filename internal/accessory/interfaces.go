package accessory

import (
	"context"
	"time"

	"github.com/nerrad567/shellbridge/internal/process"
)

// CommandRunner executes device shell commands.
// *process.Runner satisfies it.
type CommandRunner interface {
	// Run blocks until the command exits.
	Run(ctx context.Context, command string) (process.Result, error)

	// Start runs the command in the background and calls done exactly once.
	Start(command string, done func(process.Result, error))
}

// Exposure is the accessory layer devices are published to.
//
// Every method is called from the platform loop and must not block for
// long or call back into the Platform synchronously.
type Exposure interface {
	// RegisterAccessory announces a new accessory. Called once per name.
	RegisterAccessory(info Snapshot) error

	// UnregisterAccessory withdraws an accessory and its service.
	UnregisterAccessory(name string) error

	// AddService exposes the accessory's service and characteristics.
	AddService(info Snapshot) error

	// RemoveService hides the accessory's service.
	RemoveService(name string) error

	// HasService reports whether the service is currently exposed.
	HasService(name string) bool

	// UpdateCharacteristic pushes a new characteristic value.
	UpdateCharacteristic(name string, kind CharacteristicKind, value Value) error

	// SetReachable updates the accessory's reachability flag.
	SetReachable(name string, reachable bool) error
}

// ChangeSource says which path produced a state change.
type ChangeSource string

// Change sources.
const (
	SourcePoll      ChangeSource = "poll"
	SourceSet       ChangeSource = "set"
	SourceGet       ChangeSource = "get"
	SourceProbe     ChangeSource = "probe"
	SourceCorrelate ChangeSource = "correlate"
)

// StateChange describes one cached-state transition.
type StateChange struct {
	Name     string       `json:"name"`
	Type     Type         `json:"type"`
	Previous Value        `json:"previous"`
	Current  Value        `json:"current"`
	Source   ChangeSource `json:"source"`
	Time     time.Time    `json:"time"`
}

// StateObserver is notified of every state change. Called on the platform
// loop; implementations must return quickly.
type StateObserver interface {
	StateChanged(change StateChange)
}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(StateChange)

// StateChanged implements StateObserver.
func (f StateObserverFunc) StateChanged(change StateChange) {
	f(change)
}

// CachedAccessory is a device remembered from a previous run.
type CachedAccessory struct {
	Descriptor Descriptor
	UUID       string
	Origin     Origin
	State      Value
	UpdatedAt  time.Time
}

// Cache persists accessories between runs.
type Cache interface {
	LoadAccessories(ctx context.Context) ([]CachedAccessory, error)
	SaveAccessory(ctx context.Context, acc CachedAccessory) error
	DeleteAccessory(ctx context.Context, name string) error
}

// DescriptorStore persists the editable device list.
type DescriptorStore interface {
	SaveDescriptors(devices []Descriptor) error
}

// FileStore writes descriptors to a devices file.
type FileStore struct {
	Path string
}

// SaveDescriptors implements DescriptorStore.
func (f FileStore) SaveDescriptors(devices []Descriptor) error {
	return SaveDescriptors(f.Path, devices)
}

// Logger defines the logging interface for the accessory package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
