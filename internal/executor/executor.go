package executor

import (
	"context"
	"fmt"
)

// Planner compiles raw query text into an execution plan.
type Planner interface {
	Compile(ctx context.Context, query string) (*Plan, error)
}

// Executor runs a compiled plan against a root value with bound variables.
type Executor interface {
	Planner
	Execute(ctx context.Context, plan *Plan, root any, variables map[string]any) (Result, error)
}

// Plan is the compiled representation of one operation, including the
// variables it declares.
type Plan struct {
	Query     string
	Variables []VariableDef
}

// VariableDef describes one declared variable of a plan.
type VariableDef struct {
	Name       string
	Type       VarType
	Default    any
	HasDefault bool
	Nullable   bool
}

// VarType converts a decoded JSON value into the declared variable type.
type VarType interface {
	Name() string
	Convert(v any) (any, error)
}

type scalarType struct {
	name    string
	convert func(v any) (any, error)
}

func (t scalarType) Name() string { return t.name }

func (t scalarType) Convert(v any) (any, error) { return t.convert(v) }

var (
	TypeInt VarType = scalarType{"Int", func(v any) (any, error) {
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("executor: %v is not an integer", n)
			}
			return int64(n), nil
		default:
			return nil, fmt.Errorf("executor: cannot convert %T to Int", v)
		}
	}}

	TypeFloat VarType = scalarType{"Float", func(v any) (any, error) {
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		default:
			return nil, fmt.Errorf("executor: cannot convert %T to Float", v)
		}
	}}

	TypeBoolean VarType = scalarType{"Boolean", func(v any) (any, error) {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("executor: cannot convert %T to Boolean", v)
		}
		return b, nil
	}}

	TypeString VarType = scalarType{"String", func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("executor: cannot convert %T to String", v)
		}
		return s, nil
	}}

	// TypeAny accepts the decoded JSON value as-is; used for object and
	// list variables whose structure the engine validates itself.
	TypeAny VarType = scalarType{"Any", func(v any) (any, error) {
		return v, nil
	}}
)
