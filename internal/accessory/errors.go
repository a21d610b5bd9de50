package accessory

import (
	"errors"
	"fmt"
)

// Domain errors for the accessory package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, accessory.ErrNotFound) {
//	    // handle unknown device
//	}
var (
	// ErrNotFound is returned when no device is registered under a name.
	ErrNotFound = errors.New("accessory: not found")

	// ErrExists is returned by Add when the name is already registered.
	ErrExists = errors.New("accessory: already exists")

	// ErrNameRequired is returned for a descriptor with no name, title or code.
	ErrNameRequired = errors.New("accessory: name is required")

	// ErrUnknownType is returned for a type missing from the capability table.
	ErrUnknownType = errors.New("accessory: unknown type")

	// ErrInvalidDescriptor is returned when descriptor fields contradict each other.
	ErrInvalidDescriptor = errors.New("accessory: invalid descriptor")

	// ErrInvalidLink is returned for a link that can never resolve.
	ErrInvalidLink = errors.New("accessory: invalid link")

	// ErrInvalidExpression is returned when state_eval does not compile.
	ErrInvalidExpression = errors.New("accessory: invalid state_eval expression")

	// ErrTransformFailed is returned when state_eval fails at run time.
	ErrTransformFailed = errors.New("accessory: state transform failed")

	// ErrUnparsableOutput is returned when numeric output cannot be parsed.
	ErrUnparsableOutput = errors.New("accessory: unparsable output")

	// ErrInvalidValue is returned when a set request carries a value outside
	// the characteristic's domain.
	ErrInvalidValue = errors.New("accessory: invalid value")

	// ErrUnknownCharacteristic is returned for a characteristic the
	// device's type does not expose.
	ErrUnknownCharacteristic = errors.New("accessory: unknown characteristic")

	// ErrReadOnly is returned when setting a read-only characteristic.
	ErrReadOnly = errors.New("accessory: characteristic is read-only")

	// ErrServiceHidden is returned for requests against a linked device
	// whose parent is inactive.
	ErrServiceHidden = errors.New("accessory: service not exposed")

	// ErrPlatformStopped is returned for requests after the platform loop exited.
	ErrPlatformStopped = errors.New("accessory: platform stopped")
)

// ParseError reports command output that could not be turned into a state.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Input)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
