package accessory

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Type is the accessory kind a device is exposed as.
type Type string

// Supported accessory types.
const (
	TypeSwitch            Type = "Switch"
	TypeOutlet            Type = "Outlet"
	TypeLightbulb         Type = "Lightbulb"
	TypeDoor              Type = "Door"
	TypeLockMechanism     Type = "LockMechanism"
	TypeWindowCovering    Type = "WindowCovering"
	TypeTemperatureSensor Type = "TemperatureSensor"
	TypeSpeaker           Type = "Speaker"
)

// Default descriptor values.
const (
	DefaultInterval = 1
	DefaultMinValue = 0
	DefaultMaxValue = 100
)

// Descriptor is the static configuration of one device.
//
// It is immutable once registered except through Platform.Modify, which
// merges a new Descriptor into the live Context.
type Descriptor struct {
	Name  string `json:"name" yaml:"name"`
	Code  string `json:"code,omitempty" yaml:"code,omitempty"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Type  Type   `json:"type" yaml:"type"`

	OnCmd    string `json:"on_cmd,omitempty" yaml:"on_cmd,omitempty"`
	OffCmd   string `json:"off_cmd,omitempty" yaml:"off_cmd,omitempty"`
	StateCmd string `json:"state_cmd,omitempty" yaml:"state_cmd,omitempty"`

	StateOn   string `json:"state_on,omitempty" yaml:"state_on,omitempty"`
	StateOff  string `json:"state_off,omitempty" yaml:"state_off,omitempty"`
	StateEval string `json:"state_eval,omitempty" yaml:"state_eval,omitempty"`
	StateSync bool   `json:"state_sync,omitempty" yaml:"state_sync,omitempty"`

	Polling  bool `json:"polling" yaml:"polling"`
	Interval int  `json:"interval" yaml:"interval"`

	MinValue float64 `json:"min_value" yaml:"min_value"`
	MaxValue float64 `json:"max_value" yaml:"max_value"`

	Link     string   `json:"link,omitempty" yaml:"link,omitempty"`
	Workflow []string `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Serial       string `json:"serial,omitempty" yaml:"serial,omitempty"`
}

// Normalize fills defaults the way device files have always been read:
// missing type is Switch, an invalid interval is 1 second, bounds default to
// 0 and 100, and a missing name or title is derived from the other or from
// the code.
func (d *Descriptor) Normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.Code = strings.TrimSpace(d.Code)
	d.Link = strings.TrimSpace(d.Link)

	if d.Type == "" {
		d.Type = TypeSwitch
	}
	if d.Interval < 1 {
		d.Interval = DefaultInterval
	}
	if d.MaxValue == 0 {
		d.MaxValue = DefaultMaxValue
	}

	if d.Title == "" && d.Code != "" {
		d.Title = capitalize(d.Code)
	}
	if d.Name == "" {
		d.Name = d.Title
	}
	if d.Title == "" {
		d.Title = d.Name
	}

	d.Workflow = slices.DeleteFunc(d.Workflow, func(s string) bool {
		return strings.TrimSpace(s) == ""
	})
}

// Validate reports configuration problems that prevent registration.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return ErrNameRequired
	}
	if _, ok := LookupCapability(d.Type); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	if d.Link == d.Name {
		return fmt.Errorf("%w: %q links to itself", ErrInvalidLink, d.Name)
	}
	if d.MinValue > d.MaxValue {
		return fmt.Errorf("%w: min_value %v > max_value %v", ErrInvalidDescriptor, d.MinValue, d.MaxValue)
	}
	return nil
}

// PollingEnabled reports whether the device enters the poll loop.
func (d *Descriptor) PollingEnabled() bool {
	return d.Polling && strings.TrimSpace(d.StateCmd) != ""
}

// Command resolves the command for a set request. A truthy target runs
// on_cmd and a falsy target runs off_cmd; when only one of the two is
// configured it runs for both. Returns "" when neither exists.
func (d *Descriptor) Command(target Value) string {
	switch {
	case d.OnCmd != "" && d.OffCmd != "":
		if Truthy(target) {
			return d.OnCmd
		}
		return d.OffCmd
	case d.OnCmd != "":
		return d.OnCmd
	default:
		return d.OffCmd
	}
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	d.Workflow = slices.Clone(d.Workflow)
	return d
}

// merge overlays the fields set in update onto d. Identity and scheduling
// fields always take the update's value; optional commands and match lists
// only change when the update sets them.
func (d *Descriptor) merge(update Descriptor) {
	d.Code = update.Code
	d.Title = update.Title
	d.Type = update.Type
	d.Polling = update.Polling
	d.Interval = update.Interval
	d.StateSync = update.StateSync
	d.Manufacturer = update.Manufacturer
	d.Model = update.Model
	d.Serial = update.Serial

	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&d.OnCmd, update.OnCmd)
	setIf(&d.OffCmd, update.OffCmd)
	setIf(&d.StateCmd, update.StateCmd)
	setIf(&d.StateOn, update.StateOn)
	setIf(&d.StateOff, update.StateOff)
	setIf(&d.StateEval, update.StateEval)
	setIf(&d.Link, update.Link)

	if len(update.Workflow) > 0 {
		d.Workflow = slices.Clone(update.Workflow)
	}
	if update.MinValue != 0 {
		d.MinValue = update.MinValue
	}
	if update.MaxValue != 0 {
		d.MaxValue = update.MaxValue
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// descriptorWire is the on-disk shape. It accepts the legacy field names
// state_flow and dependency and loosely typed numbers.
type descriptorWire struct {
	Name         string   `json:"name" yaml:"name"`
	Code         string   `json:"code" yaml:"code"`
	Title        string   `json:"title" yaml:"title"`
	Type         Type     `json:"type" yaml:"type"`
	OnCmd        string   `json:"on_cmd" yaml:"on_cmd"`
	OffCmd       string   `json:"off_cmd" yaml:"off_cmd"`
	StateCmd     string   `json:"state_cmd" yaml:"state_cmd"`
	StateOn      string   `json:"state_on" yaml:"state_on"`
	StateOff     string   `json:"state_off" yaml:"state_off"`
	StateEval    string   `json:"state_eval" yaml:"state_eval"`
	StateSync    bool     `json:"state_sync" yaml:"state_sync"`
	Polling      bool     `json:"polling" yaml:"polling"`
	Interval     any      `json:"interval" yaml:"interval"`
	MinValue     any      `json:"min_value" yaml:"min_value"`
	MaxValue     any      `json:"max_value" yaml:"max_value"`
	Link         string   `json:"link" yaml:"link"`
	Dependency   string   `json:"dependency" yaml:"dependency"`
	Workflow     []string `json:"workflow" yaml:"workflow"`
	StateFlow    []string `json:"state_flow" yaml:"state_flow"`
	Manufacturer any      `json:"manufacturer" yaml:"manufacturer"`
	Model        any      `json:"model" yaml:"model"`
	Serial       any      `json:"serial" yaml:"serial"`
}

func (w descriptorWire) descriptor() Descriptor {
	d := Descriptor{
		Name:         w.Name,
		Code:         w.Code,
		Title:        w.Title,
		Type:         w.Type,
		OnCmd:        w.OnCmd,
		OffCmd:       w.OffCmd,
		StateCmd:     w.StateCmd,
		StateOn:      w.StateOn,
		StateOff:     w.StateOff,
		StateEval:    w.StateEval,
		StateSync:    w.StateSync,
		Polling:      w.Polling,
		Interval:     int(looseNumber(w.Interval)),
		MinValue:     looseNumber(w.MinValue),
		MaxValue:     looseNumber(w.MaxValue),
		Link:         w.Link,
		Workflow:     w.Workflow,
		Manufacturer: looseString(w.Manufacturer),
		Model:        looseString(w.Model),
		Serial:       looseString(w.Serial),
	}
	if d.Link == "" {
		d.Link = w.Dependency
	}
	if len(d.Workflow) == 0 {
		d.Workflow = w.StateFlow
	}
	return d
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var w descriptorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = w.descriptor()
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Descriptor) UnmarshalYAML(node *yaml.Node) error {
	var w descriptorWire
	if err := node.Decode(&w); err != nil {
		return err
	}
	*d = w.descriptor()
	return nil
}

// looseNumber reads a number that may have been written as a string.
// Anything unparsable is 0, which Normalize turns into the default.
func looseNumber(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			// "60s" style values keep their leading integer.
			i, ierr := strconv.Atoi(leadingDigits(n))
			if ierr != nil {
				return 0
			}
			return float64(i)
		}
		return f
	default:
		return 0
	}
}

func leadingDigits(s string) string {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && s[end] == '-') {
		end++
	}
	return s[:end]
}

func looseString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
