package stage

import "context"

// Func is a stage whose trial action is an arbitrary function. Useful for
// wiring device calls into a tree without declaring a new type.
type Func struct {
	Base
	Fn func(ctx context.Context, trial int) error
}

// NewFunc creates a function stage.
func NewFunc(name string, fn func(ctx context.Context, trial int) error) *Func {
	return &Func{Base: NewBase(name), Fn: fn}
}

func (s *Func) DoTrial(ctx context.Context, trial int) error {
	if s.Fn == nil {
		return nil
	}
	return s.Fn(ctx, trial)
}
