// Package ops provides the fixed set of arithmetic operations the assistant
// can invoke: add, subtract, and multiply. Operations are pure functions over
// two float64 operands, dispatched by exact name match.
package ops

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownOperation is returned when a name does not match a registered operation.
var ErrUnknownOperation = errors.New("unknown operation")

// Func computes a result from two operands. Implementations must be pure.
type Func func(a, b float64) float64

// Operation pairs a name and human-readable description with its compute function.
type Operation struct {
	Name        string
	Description string
	Compute     Func
}

// Registry is an immutable name → operation table, built once at startup.
type Registry struct {
	ops map[string]Operation
}

// NewRegistry returns the registry with the three built-in operations.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Operation)}
	for _, op := range builtins() {
		r.ops[op.Name] = op
	}
	return r
}

func builtins() []Operation {
	return []Operation{
		{
			Name:        "add",
			Description: "Add two numbers and return their sum.",
			Compute:     func(a, b float64) float64 { return a + b },
		},
		{
			Name:        "subtract",
			Description: "Subtract the second number from the first and return the difference.",
			Compute:     func(a, b float64) float64 { return a - b },
		},
		{
			Name:        "multiply",
			Description: "Multiply two numbers and return their product.",
			Compute:     func(a, b float64) float64 { return a * b },
		},
	}
}

// Get returns the operation registered under name.
func (r *Registry) Get(name string) (Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s (available: %v)", ErrUnknownOperation, name, r.Names())
	}
	return op, nil
}

// Apply looks up name and computes the result for the given operands.
func (r *Registry) Apply(name string, a, b float64) (float64, error) {
	op, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	return op.Compute(a, b), nil
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the registered operations in name order.
func (r *Registry) All() []Operation {
	all := make([]Operation, 0, len(r.ops))
	for _, n := range r.Names() {
		all = append(all, r.ops[n])
	}
	return all
}
