package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// TransformInput carries the variables a state transform may read.
type TransformInput struct {
	Raw        string
	Err        error
	Descriptor *Descriptor
	Prior      Value
}

// StateTransform turns command output into a state. It is the pluggable
// strategy behind a descriptor's state_eval.
type StateTransform interface {
	Transform(ctx context.Context, in TransformInput) (Value, error)
}

// TransformFactory compiles a state_eval source into a StateTransform.
type TransformFactory func(source string) (StateTransform, error)

// expressionLanguage is the restricted grammar for state_eval: arithmetic,
// string and boolean operators over a fixed variable set, plus a handful of
// pure helper functions. There is no way to reach the filesystem, the
// network or the process from an expression.
var expressionLanguage = gval.NewLanguage(
	gval.Arithmetic(),
	gval.Text(),
	gval.PropositionalLogic(),
	gval.Function("lower", stringFunc(strings.ToLower)),
	gval.Function("upper", stringFunc(strings.ToUpper)),
	gval.Function("trim", stringFunc(strings.TrimSpace)),
	gval.Function("contains", func(args ...any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("contains: want 2 arguments, got %d", len(args))
		}
		return strings.Contains(toString(args[0]), toString(args[1])), nil
	}),
	gval.Function("number", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("number: want 1 argument, got %d", len(args))
		}
		if f, ok := asFloat(args[0]); ok {
			return f, nil
		}
		return strconv.ParseFloat(leadingFloat(toString(args[0])), 64)
	}),
	gval.Function("jsonpath", func(args ...any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("jsonpath: want 2 arguments, got %d", len(args))
		}
		var doc any
		if err := json.Unmarshal([]byte(toString(args[0])), &doc); err != nil {
			return nil, fmt.Errorf("jsonpath: input is not JSON: %w", err)
		}
		return jsonpath.Get(toString(args[1]), doc)
	}),
)

func stringFunc(fn func(string) string) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("want 1 argument, got %d", len(args))
		}
		return fn(toString(args[0])), nil
	}
}

// ExpressionTransform evaluates a compiled state_eval expression.
//
// Variables:
//
//	input      trimmed, lower-cased output
//	rawOutput  trimmed output, original case
//	error      error text, or nil
//	hasError   whether the command failed
//	state      the prior cached state
//	descriptor descriptor fields by their file names (descriptor.name, ...)
type ExpressionTransform struct {
	source string
	eval   gval.Evaluable
}

// CompileExpression parses source with the restricted grammar.
// It satisfies TransformFactory.
func CompileExpression(source string) (StateTransform, error) {
	eval, err := expressionLanguage.NewEvaluable(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	return &ExpressionTransform{source: source, eval: eval}, nil
}

// Transform implements StateTransform.
func (e *ExpressionTransform) Transform(ctx context.Context, in TransformInput) (Value, error) {
	var errText any
	if in.Err != nil {
		errText = in.Err.Error()
	}

	params := map[string]any{
		"input":      normalizeOutput(in.Raw),
		"rawOutput":  strings.TrimSpace(in.Raw),
		"error":      errText,
		"hasError":   in.Err != nil,
		"state":      in.Prior,
		"descriptor": descriptorParams(in.Descriptor),
	}
	return e.eval(ctx, params)
}

// String returns the expression source.
func (e *ExpressionTransform) String() string {
	return e.source
}

func descriptorParams(d *Descriptor) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return map[string]any{
		"name":         d.Name,
		"type":         string(d.Type),
		"state_on":     d.StateOn,
		"state_off":    d.StateOff,
		"polling":      d.Polling,
		"interval":     float64(d.Interval),
		"min_value":    d.MinValue,
		"max_value":    d.MaxValue,
		"link":         d.Link,
		"manufacturer": d.Manufacturer,
		"model":        d.Model,
		"serial":       d.Serial,
	}
}
