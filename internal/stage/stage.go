// Package stage implements the hierarchical trial scheduler. A stage is a
// tree node that repeats a trial some number of times; each trial runs the
// stage's own action alongside its children, serially or in parallel, and
// completes when the configured subset of participants has finished.
package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gorig/internal/event"
	"github.com/me/gorig/pkg/model"
)

// Order controls how a stage's children run within one trial.
type Order string

const (
	// Serial runs children one after another in declaration order.
	Serial Order = "serial"
	// Parallel starts all children at once.
	Parallel Order = "parallel"
)

// CompleteOn controls when a trial's child condition is met.
type CompleteOn string

const (
	// All waits for every watched participant.
	All CompleteOn = "all"
	// Any is satisfied by the first watched participant; the rest are
	// cancelled.
	Any CompleteOn = "any"
)

// RepeatForever makes the trial loop unbounded.
const RepeatForever = -1

// DefaultCancelGrace bounds how long a stage waits for cancelled children
// before declaring them stragglers.
const DefaultCancelGrace = 5 * time.Second

// Stage is one node's behavior. Embed Base to get no-op hooks and
// implement only what the stage needs.
type Stage interface {
	// Node returns the scheduling parameters and runtime state.
	Node() *Node

	// Init runs once before the first trial.
	Init(ctx context.Context) error

	// InitTrial runs before each trial's participants start.
	InitTrial(ctx context.Context, trial int) error

	// DoTrial is the stage's own action for one trial. It runs alongside
	// the children and must return for the trial to complete.
	DoTrial(ctx context.Context, trial int) error

	// TrialDone runs after each trial, also when the trial was cancelled
	// or failed. It is shielded from cancellation up to the grace window.
	TrialDone(ctx context.Context, trial int, interrupted bool) error

	// Done runs once after the last trial with the stage outcome, under
	// the same shielding as TrialDone.
	Done(ctx context.Context, outcome model.Outcome) error
}

// Node carries a stage's scheduling parameters and its runtime state. The
// zero value is not usable; create nodes with NewNode.
type Node struct {
	Name string

	// Repeat is the trial count; RepeatForever loops until cancelled.
	Repeat int

	// Order sequences children within a trial.
	Order Order

	// CompleteOn picks the child completion rule.
	CompleteOn CompleteOn

	// CompleteOnWhom restricts the completion rule to the named children.
	// Empty watches all of them.
	CompleteOnWhom []string

	// MaxDuration bounds the whole stage; zero is unbounded.
	MaxDuration time.Duration

	// MaxTrialDuration bounds each trial; zero is unbounded.
	MaxTrialDuration time.Duration

	// CancelGrace bounds the wait for cancelled participants.
	CancelGrace time.Duration

	// Disabled stages are skipped and report immediate completion.
	Disabled bool

	Bus    *event.Bus
	Logger *slog.Logger

	parent   *Node
	children []Stage

	mu        sync.Mutex
	phase     model.Phase
	trial     int
	stopStage context.CancelFunc
	stopTrial context.CancelFunc
}

// NewNode returns a node with a single serial trial and the default grace.
func NewNode(name string) *Node {
	return &Node{
		Name:        name,
		Repeat:      1,
		Order:       Serial,
		CompleteOn:  All,
		CancelGrace: DefaultCancelGrace,
		phase:       model.PhaseIdle,
	}
}

// AddChild appends child stages. Children inherit the bus and logger when
// they do not set their own.
func (n *Node) AddChild(children ...Stage) {
	for _, c := range children {
		cn := c.Node()
		cn.parent = n
		n.children = append(n.children, c)
	}
}

// Children returns the child stages in declaration order.
func (n *Node) Children() []Stage { return n.children }

// Parent returns the parent node, nil at the root.
func (n *Node) Parent() *Node { return n.parent }

// Phase returns the current lifecycle phase.
func (n *Node) Phase() model.Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// Trial returns the index of the running or last-started trial.
func (n *Node) Trial() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.trial
}

// Stop cancels the whole stage. Safe to call from any goroutine; a no-op
// when the stage is not running.
func (n *Node) Stop() {
	n.mu.Lock()
	stop := n.stopStage
	n.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StopTrial cancels the current trial only; the trial loop moves on.
func (n *Node) StopTrial() {
	n.mu.Lock()
	stop := n.stopTrial
	n.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (n *Node) setPhase(p model.Phase) {
	n.mu.Lock()
	n.phase = p
	n.mu.Unlock()
}

func (n *Node) setTrial(i int) {
	n.mu.Lock()
	n.trial = i
	n.mu.Unlock()
}

func (n *Node) setStopStage(f context.CancelFunc) {
	n.mu.Lock()
	n.stopStage = f
	n.mu.Unlock()
}

func (n *Node) setStopTrial(f context.CancelFunc) {
	n.mu.Lock()
	n.stopTrial = f
	n.mu.Unlock()
}

// bus walks up to the nearest configured event bus.
func (n *Node) bus() *event.Bus {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Bus != nil {
			return cur.Bus
		}
	}
	return nil
}

// logger walks up to the nearest configured logger.
func (n *Node) logger() *slog.Logger {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Logger != nil {
			return cur.Logger
		}
	}
	return slog.New(slog.DiscardHandler)
}

func (n *Node) grace() time.Duration {
	if n.CancelGrace > 0 {
		return n.CancelGrace
	}
	return DefaultCancelGrace
}

func (n *Node) publish(e model.Event) {
	if b := n.bus(); b != nil {
		b.Publish(e)
	}
}

// Base provides no-op lifecycle hooks; concrete stages embed it and
// override what they need.
type Base struct {
	node *Node
}

// NewBase wraps a node for embedding.
func NewBase(name string) Base {
	return Base{node: NewNode(name)}
}

func (b *Base) Node() *Node { return b.node }

func (b *Base) Init(ctx context.Context) error                        { return nil }
func (b *Base) InitTrial(ctx context.Context, trial int) error        { return nil }
func (b *Base) DoTrial(ctx context.Context, trial int) error          { return nil }
func (b *Base) TrialDone(ctx context.Context, t int, interrupted bool) error { return nil }
func (b *Base) Done(ctx context.Context, outcome model.Outcome) error { return nil }

// Group is a pure container stage: no action of its own, structure only.
type Group struct {
	Base
}

// NewGroup creates a container stage.
func NewGroup(name string) *Group {
	return &Group{Base: NewBase(name)}
}
