// Package formula compiles user-supplied cut, efficiency, and derived
// observable expressions against a fixed set of observable names. Expressions
// are parsed into a restricted arithmetic AST; only the declared observables
// and a whitelisted math function table can be referenced, and unknown names
// or wrong arity are rejected at compile time. Evaluation is pure.
package formula

import (
	"errors"
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	ErrCompile      = errors.New("formula: cannot compile expression")
	ErrObservations = errors.New("formula: observation length does not match declared observables")
	ErrEval         = errors.New("formula: evaluation failed")
)

// mathTable returns the fixed function and constant whitelist available to
// every expression. Constructed explicitly so that nothing outside of it can
// leak into the evaluation scope.
func mathTable() map[string]any {
	return map[string]any{
		"abs":   math.Abs,
		"sqrt":  math.Sqrt,
		"cbrt":  math.Cbrt,
		"exp":   math.Exp,
		"log":   math.Log,
		"log10": math.Log10,
		"sin":   math.Sin,
		"cos":   math.Cos,
		"tan":   math.Tan,
		"asin":  math.Asin,
		"acos":  math.Acos,
		"atan":  math.Atan,
		"atan2": math.Atan2,
		"sinh":  math.Sinh,
		"cosh":  math.Cosh,
		"tanh":  math.Tanh,
		"min":   math.Min,
		"max":   math.Max,
		"pow":   math.Pow,
		"pi":    math.Pi,
		"e":     math.E,
	}
}

// Env is the compilation scope for one analysis: the declared observable
// names plus the immutable math table.
type Env struct {
	names []string
	base  map[string]any
}

// NewEnv builds the scope for the given observable names. Names must be
// unique and must not shadow an entry of the math table.
func NewEnv(observables []string) (*Env, error) {
	base := mathTable()
	names := make([]string, len(observables))
	for i, name := range observables {
		if name == "" {
			return nil, fmt.Errorf("%w: empty observable name", ErrCompile)
		}
		if _, clash := base[name]; clash {
			return nil, fmt.Errorf("%w: observable %q shadows a builtin", ErrCompile, name)
		}
		base[name] = float64(0)
		names[i] = name
	}
	if len(base) != len(mathTable())+len(names) {
		return nil, fmt.Errorf("%w: duplicate observable name", ErrCompile)
	}
	return &Env{names: names, base: base}, nil
}

func (e *Env) compile(src string, opts ...expr.Option) (*vm.Program, error) {
	opts = append(opts, expr.Env(e.base))
	prog, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCompile, src, err)
	}
	return prog, nil
}

// scope binds one event's observation vector to the declared names. A fresh
// map is built per call so that evaluations are independent across
// goroutines.
func (e *Env) scope(observation []float64) (map[string]any, error) {
	if len(observation) != len(e.names) {
		return nil, fmt.Errorf("%w: got %d values for %d observables",
			ErrObservations, len(observation), len(e.names))
	}
	vars := make(map[string]any, len(e.base))
	for k, v := range e.base {
		vars[k] = v
	}
	for i, name := range e.names {
		vars[name] = observation[i]
	}
	return vars, nil
}

// Cut is a compiled boolean expression; an event is kept iff it holds.
type Cut struct {
	env  *Env
	src  string
	prog *vm.Program
}

func (e *Env) CompileCut(src string) (*Cut, error) {
	prog, err := e.compile(src, expr.AsBool())
	if err != nil {
		return nil, err
	}
	return &Cut{env: e, src: src, prog: prog}, nil
}

func (c *Cut) Pass(observation []float64) (bool, error) {
	vars, err := c.env.scope(observation)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(c.prog, vars)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrEval, c.src, err)
	}
	return out.(bool), nil
}

// Efficiency is a compiled float expression multiplying an event's weight.
type Efficiency struct {
	env  *Env
	src  string
	prog *vm.Program
}

func (e *Env) CompileEfficiency(src string) (*Efficiency, error) {
	prog, err := e.compile(src, expr.AsFloat64())
	if err != nil {
		return nil, err
	}
	return &Efficiency{env: e, src: src, prog: prog}, nil
}

func (f *Efficiency) Weight(observation []float64) (float64, error) {
	vars, err := f.env.scope(observation)
	if err != nil {
		return 0, err
	}
	out, err := expr.Run(f.prog, vars)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrEval, f.src, err)
	}
	return out.(float64), nil
}

// Observable is a compiled float expression defining a derived quantity,
// e.g. the variable a histogram is binned in.
type Observable struct {
	env  *Env
	src  string
	prog *vm.Program
}

func (e *Env) CompileObservable(src string) (*Observable, error) {
	prog, err := e.compile(src, expr.AsFloat64())
	if err != nil {
		return nil, err
	}
	return &Observable{env: e, src: src, prog: prog}, nil
}

func (o *Observable) Value(observation []float64) (float64, error) {
	vars, err := o.env.scope(observation)
	if err != nil {
		return 0, err
	}
	out, err := expr.Run(o.prog, vars)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrEval, o.src, err)
	}
	return out.(float64), nil
}
