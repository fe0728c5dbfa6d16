package tool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"calcbot/internal/domain"
	"calcbot/internal/ops"
)

// ErrInvalidArgument marks operand validation failures: a missing or
// non-numeric argument. Check with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// MathTool adapts one arithmetic operation into a domain.Tool with argument
// validation. One instance is registered per operation.
type MathTool struct {
	op  ops.Operation
	reg *ops.Registry
}

// NewMathTools wraps every operation in the registry.
func NewMathTools(reg *ops.Registry) []*MathTool {
	tools := make([]*MathTool, 0, len(reg.Names()))
	for _, op := range reg.All() {
		tools = append(tools, &MathTool{op: op, reg: reg})
	}
	return tools
}

func (t *MathTool) Name() string        { return t.op.Name }
func (t *MathTool) Description() string { return t.op.Description }

func (t *MathTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"a": {Type: "number", Description: "First operand."},
			"b": {Type: "number", Description: "Second operand."},
		},
		[]string{"a", "b"},
	)
}

func (t *MathTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	a, err := numberArg(args, "a")
	if err != nil {
		return "", err
	}
	b, err := numberArg(args, "b")
	if err != nil {
		return "", err
	}

	result, err := t.reg.Apply(t.op.Name, a, b)
	if err != nil {
		return "", err
	}
	return FormatNumber(result), nil
}

var _ domain.Tool = (*MathTool)(nil)

// numberArg extracts a required numeric argument. JSON numbers arrive as
// float64; numeric strings are accepted because some models quote them.
func numberArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing required argument %q", ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: argument %q is not a number: %q", ErrInvalidArgument, key, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: argument %q is not a number: %v", ErrInvalidArgument, key, v)
	}
}

// FormatNumber renders a result without a trailing ".000000": integers print
// as integers, fractions keep their significant digits.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
