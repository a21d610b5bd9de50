package accessory

import (
	"math"
	"strconv"
	"strings"
)

// Value is a device state: nil until first evaluated, then bool, int64,
// float64 or string depending on the evaluator.
type Value = any

// Truthy reports whether v counts as "on".
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

// Equal compares two states, treating numbers of different Go types as equal
// when they hold the same value.
func Equal(a, b Value) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// ParseValue converts a value received from the exposure layer or the API
// into the state domain of c. Strings such as "true", "on" and "1" are
// accepted for binary characteristics.
func (c *Capability) ParseValue(v Value) (Value, error) {
	if s, ok := v.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case "true", "on", "yes":
			v = true
		case "false", "off", "no", "":
			v = false
		default:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &ParseError{Input: s, Err: ErrInvalidValue}
			}
			v = f
		}
	}

	switch c.Evaluator {
	case EvalInt:
		f, ok := asFloat(v)
		if !ok {
			return Truthy(v), nil
		}
		return int64(f), nil
	case EvalFloat:
		f, ok := asFloat(v)
		if !ok {
			return nil, &ParseError{Input: strconv.Quote(toString(v)), Err: ErrInvalidValue}
		}
		return f, nil
	default:
		if c.HasSentinels() {
			return c.ToSentinel(Truthy(v)), nil
		}
		return Truthy(v), nil
	}
}

// CharacteristicKind names an exposed characteristic.
type CharacteristicKind string

// Characteristic kinds used by the capability table.
const (
	CharOn                 CharacteristicKind = "On"
	CharCurrentDoorState   CharacteristicKind = "CurrentDoorState"
	CharTargetDoorState    CharacteristicKind = "TargetDoorState"
	CharLockCurrentState   CharacteristicKind = "LockCurrentState"
	CharLockTargetState    CharacteristicKind = "LockTargetState"
	CharCurrentPosition    CharacteristicKind = "CurrentPosition"
	CharTargetPosition     CharacteristicKind = "TargetPosition"
	CharCurrentTemperature CharacteristicKind = "CurrentTemperature"
	CharMute               CharacteristicKind = "Mute"
)

// EvaluatorVariant selects how command output becomes a state.
type EvaluatorVariant int

// Evaluator variants.
const (
	EvalBinary EvaluatorVariant = iota
	EvalInt
	EvalFloat
	EvalString
)

func (v EvaluatorVariant) String() string {
	switch v {
	case EvalInt:
		return "int"
	case EvalFloat:
		return "float"
	case EvalString:
		return "string"
	default:
		return "binary"
	}
}

// Characteristic is one exposed value of a service.
type Characteristic struct {
	Kind     CharacteristicKind `json:"kind"`
	Writable bool               `json:"writable"`
}

// Capability describes how one accessory type is exposed and evaluated.
// It is resolved once at registration and carried in the Context.
type Capability struct {
	Type            Type             `json:"type"`
	Service         string           `json:"service"`
	Characteristics []Characteristic `json:"characteristics"`
	Evaluator       EvaluatorVariant `json:"-"`

	// OnValue and OffValue are the sentinels a binary result maps onto.
	// Both nil means the state stays a plain bool.
	OnValue  Value `json:"on_value,omitempty"`
	OffValue Value `json:"off_value,omitempty"`

	// Bounded types expose the descriptor's min_value/max_value.
	Bounded bool `json:"bounded"`
}

// HasSentinels reports whether binary results map onto named values.
func (c *Capability) HasSentinels() bool {
	return c.OnValue != nil || c.OffValue != nil
}

// ToSentinel maps a binary result onto the capability's value domain.
func (c *Capability) ToSentinel(on bool) Value {
	if !c.HasSentinels() {
		return on
	}
	if on {
		return c.OnValue
	}
	return c.OffValue
}

// Has reports whether kind belongs to this capability.
func (c *Capability) Has(kind CharacteristicKind) bool {
	for _, ch := range c.Characteristics {
		if ch.Kind == kind {
			return true
		}
	}
	return false
}

// Writable reports whether kind accepts set requests.
func (c *Capability) Writable(kind CharacteristicKind) bool {
	for _, ch := range c.Characteristics {
		if ch.Kind == kind {
			return ch.Writable
		}
	}
	return false
}

// Primary is the first characteristic, used when a caller does not name one.
func (c *Capability) Primary() CharacteristicKind {
	return c.Characteristics[0].Kind
}

// Target is the characteristic a set request addresses when the caller
// does not name one: the first writable one, else Primary.
func (c *Capability) Target() CharacteristicKind {
	for _, ch := range c.Characteristics {
		if ch.Writable {
			return ch.Kind
		}
	}
	return c.Primary()
}

// Clamp limits a numeric state to the descriptor bounds for bounded types.
func (c *Capability) Clamp(d *Descriptor, v Value) Value {
	if !c.Bounded {
		return v
	}
	f, ok := v.(float64)
	if !ok {
		return v
	}
	return math.Max(d.MinValue, math.Min(d.MaxValue, f))
}

func binary(t Type, kinds ...Characteristic) *Capability {
	return &Capability{Type: t, Service: string(t), Characteristics: kinds, Evaluator: EvalBinary}
}

// capabilities is the lookup table keyed by accessory type.
var capabilities = map[Type]*Capability{
	TypeSwitch:    binary(TypeSwitch, Characteristic{CharOn, true}),
	TypeOutlet:    binary(TypeOutlet, Characteristic{CharOn, true}),
	TypeLightbulb: binary(TypeLightbulb, Characteristic{CharOn, true}),
	TypeDoor: {
		Type:    TypeDoor,
		Service: "Door",
		Characteristics: []Characteristic{
			{CharCurrentDoorState, false},
			{CharTargetDoorState, true},
		},
		Evaluator: EvalBinary,
		// closed / open
		OnValue:  int64(1),
		OffValue: int64(0),
	},
	TypeLockMechanism: {
		Type:    TypeLockMechanism,
		Service: "LockMechanism",
		Characteristics: []Characteristic{
			{CharLockCurrentState, false},
			{CharLockTargetState, true},
		},
		Evaluator: EvalBinary,
		// secured / unsecured
		OnValue:  int64(1),
		OffValue: int64(0),
	},
	TypeWindowCovering: {
		Type:    TypeWindowCovering,
		Service: "WindowCovering",
		Characteristics: []Characteristic{
			{CharCurrentPosition, false},
			{CharTargetPosition, true},
		},
		Evaluator: EvalBinary,
		OnValue:   int64(100),
		OffValue:  int64(0),
	},
	TypeTemperatureSensor: {
		Type:            TypeTemperatureSensor,
		Service:         "TemperatureSensor",
		Characteristics: []Characteristic{{CharCurrentTemperature, false}},
		Evaluator:       EvalFloat,
		Bounded:         true,
	},
	// Only mute is supported for speakers.
	TypeSpeaker: {
		Type:            TypeSpeaker,
		Service:         "Speaker",
		Characteristics: []Characteristic{{CharMute, true}},
		Evaluator:       EvalInt,
	},
}

// LookupCapability returns the capability for t.
func LookupCapability(t Type) (*Capability, bool) {
	c, ok := capabilities[t]
	return c, ok
}

// Types lists every supported accessory type.
func Types() []Type {
	return []Type{
		TypeSwitch, TypeOutlet, TypeLightbulb, TypeDoor, TypeLockMechanism,
		TypeWindowCovering, TypeTemperatureSensor, TypeSpeaker,
	}
}
