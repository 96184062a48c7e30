// Package expr evaluates gate predicates written as JavaScript, so config
// files can express conditions like "value > 0.5 && value < 0.8" without a
// dedicated predicate type per comparison.
package expr

import (
	"fmt"

	"github.com/dop251/goja"
)

// Cond is a compiled boolean condition over a single device state value,
// bound to the variable "value".
type Cond struct {
	src  string
	prog *goja.Program
}

// Compile parses the condition once; Eval runs it per state.
func Compile(src string) (*Cond, error) {
	if src == "" {
		return nil, fmt.Errorf("empty condition")
	}
	prog, err := goja.Compile("cond", src, true)
	if err != nil {
		return nil, fmt.Errorf("compiling condition %q: %w", src, err)
	}
	return &Cond{src: src, prog: prog}, nil
}

// Source returns the condition text.
func (c *Cond) Source() string { return c.src }

// Eval runs the condition against one state value. A fresh runtime per
// call keeps evaluations independent across goroutines.
func (c *Cond) Eval(value any) (bool, error) {
	vm := goja.New()
	if err := vm.Set("value", value); err != nil {
		return false, fmt.Errorf("set value: %w", err)
	}
	res, err := vm.RunProgram(c.prog)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", c.src, err)
	}
	return res.ToBoolean(), nil
}

// Predicate adapts the condition to the gate check signature. Evaluation
// errors read as unsatisfied.
func (c *Cond) Predicate() func(state any) bool {
	return func(state any) bool {
		ok, err := c.Eval(state)
		return err == nil && ok
	}
}
