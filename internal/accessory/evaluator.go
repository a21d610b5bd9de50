package accessory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Evaluate maps the outcome of a state command onto a typed state for c.
// It never mutates c; c.State is read as the prior value for hysteresis.
//
// A non-nil error means no state could be derived and the caller keeps the
// prior state.
func Evaluate(c *Context, execErr error, rawOutput string) (Value, error) {
	capability := c.Capability
	switch capability.Evaluator {
	case EvalInt, EvalFloat, EvalString:
		return EvaluateNumeric(&c.Descriptor, c.transform, capability.Evaluator, execErr, rawOutput)
	}

	v, err := EvaluateBinary(&c.Descriptor, c.transform, execErr, rawOutput, c.State)
	if err != nil {
		return nil, err
	}
	if capability.HasSentinels() {
		return capability.ToSentinel(Truthy(v)), nil
	}
	return v, nil
}

// EvaluateBinary resolves an on/off state. In priority order:
//
//  1. state_on set: a match is true, a state_off match is false, output
//     matching neither keeps prior when state_off is set and is false
//     otherwise.
//  2. state_eval set: the transform's result, verbatim.
//  3. the command failed: false.
//  4. true when the command printed anything.
func EvaluateBinary(d *Descriptor, transform StateTransform, execErr error, rawOutput string, prior Value) (Value, error) {
	input := normalizeOutput(rawOutput)

	if d.StateOn != "" {
		if matchList(d.StateOn, input) {
			return true, nil
		}
		if d.StateOff == "" {
			return false, nil
		}
		if matchList(d.StateOff, input) {
			return false, nil
		}
		return prior, nil
	}

	if d.StateEval != "" {
		return runTransform(d, transform, execErr, rawOutput, prior)
	}

	if execErr != nil {
		return false, nil
	}

	return input != "", nil
}

// EvaluateNumeric resolves a raw, integer or float state. A failed command or
// unparsable output returns the error itself.
func EvaluateNumeric(d *Descriptor, transform StateTransform, variant EvaluatorVariant, execErr error, rawOutput string) (Value, error) {
	if execErr != nil {
		return nil, execErr
	}

	var resolved Value = normalizeOutput(rawOutput)
	if d.StateEval != "" {
		v, err := runTransform(d, transform, nil, rawOutput, nil)
		if err != nil {
			return nil, err
		}
		resolved = v
	}

	switch variant {
	case EvalInt:
		if f, ok := asFloat(resolved); ok {
			return int64(f), nil
		}
		s := toString(resolved)
		n, err := strconv.ParseInt(leadingDigits(s), 10, 64)
		if err != nil {
			return nil, &ParseError{Input: s, Err: ErrUnparsableOutput}
		}
		return n, nil
	case EvalFloat:
		if f, ok := asFloat(resolved); ok {
			return f, nil
		}
		s := toString(resolved)
		f, err := strconv.ParseFloat(leadingFloat(s), 64)
		if err != nil {
			return nil, &ParseError{Input: s, Err: ErrUnparsableOutput}
		}
		return f, nil
	default:
		return toString(resolved), nil
	}
}

func runTransform(d *Descriptor, transform StateTransform, execErr error, rawOutput string, prior Value) (Value, error) {
	if transform == nil {
		return nil, fmt.Errorf("%w: %q has no compiled state_eval", ErrTransformFailed, d.Name)
	}
	v, err := transform.Transform(context.Background(), TransformInput{
		Raw:        rawOutput,
		Err:        execErr,
		Descriptor: d,
		Prior:      prior,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransformFailed, d.Name, err)
	}
	return v, nil
}

// normalizeOutput lower-cases and trims command output for matching.
func normalizeOutput(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// matchList reports whether input equals an entry of a comma-separated,
// case-insensitive list.
func matchList(list, input string) bool {
	for _, entry := range strings.Split(list, ",") {
		if strings.ToLower(strings.TrimSpace(entry)) == input {
			return true
		}
	}
	return false
}

// leadingFloat returns the longest numeric prefix of s, so "41.2'C" reads as 41.2.
func leadingFloat(s string) string {
	s = strings.TrimSpace(s)
	end := 0
	seenDot := false
	for end < len(s) {
		ch := s[end]
		switch {
		case ch >= '0' && ch <= '9':
		case ch == '-' && end == 0:
		case ch == '.' && !seenDot:
			seenDot = true
		default:
			return s[:end]
		}
		end++
	}
	return s
}

func toString(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
