package config

import (
	"context"
	"log/slog"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/internal/event"
	"github.com/me/gorig/internal/executor"
	"github.com/me/gorig/internal/expr"
	"github.com/me/gorig/internal/stage"
	"github.com/me/gorig/pkg/model"
)

// Build turns a parsed experiment into a runnable stage tree and the
// device bindings it calls through. The caller owns backend lifecycle:
// StartAll before running the tree, StopAll after.
func (c *Config) Build(bus *event.Bus, logger *slog.Logger) (stage.Stage, *executor.Bindings, error) {
	bindings := executor.NewBindings(logger)

	backends := make(map[string]executor.Backend, len(c.Backends))
	for name, bc := range c.Backends {
		backends[name] = buildBackend(bc, bindings, logger)
	}

	kinds := device.DefaultKinds()
	for _, dc := range c.Devices {
		factory, ok := kinds[dc.Kind]
		if !ok {
			return nil, nil, model.NewConfigError("", "device %q has unknown kind %q", dc.ID, dc.Kind)
		}
		dev, err := factory(dc.ID, dc.Config)
		if err != nil {
			return nil, nil, model.NewConfigError("", "creating device %q: %v", dc.ID, err)
		}
		var backend executor.Backend
		if dc.Backend != "" {
			backend = backends[dc.Backend]
		}
		if err := bindings.Bind(dev, backend, dc.Timeout.Std()); err != nil {
			return nil, nil, model.NewConfigError("", "binding device %q: %v", dc.ID, err)
		}
		// Device updates join the experiment stream so observers see one
		// ordered feed of stage and device notifications.
		dev.Events().Subscribe(bus.Publish)
	}

	root, err := buildStage(c.Root, bindings)
	if err != nil {
		return nil, nil, err
	}
	root.Node().Bus = bus
	root.Node().Logger = logger
	if err := stage.Validate(root); err != nil {
		return nil, nil, err
	}
	return root, bindings, nil
}

func buildBackend(bc BackendConfig, bindings *executor.Bindings, logger *slog.Logger) executor.Backend {
	switch bc.Type {
	case "pool":
		return executor.NewPool(bindings, bc.Workers, bc.Queue, logger)
	case "dummy":
		return executor.NewDummy(bc.Latency.Std(), logger)
	case "rest":
		return executor.NewREST(bc.URL, bc.Timeout.Std(), logger)
	case "websocket":
		return executor.NewWS(bc.URL, bc.Timeout.Std(), logger)
	case "subprocess":
		return executor.NewSubprocess(bc.Command, bc.Restart, bc.Timeout.Std(), logger)
	default: // "local", validated upstream
		return executor.NewLocal(bindings, logger)
	}
}

func buildStage(sc *StageConfig, bindings *executor.Bindings) (stage.Stage, error) {
	st, err := buildLeaf(sc, bindings)
	if err != nil {
		return nil, err
	}

	n := st.Node()
	if sc.Repeat != nil {
		n.Repeat = *sc.Repeat
	}
	if sc.Order != "" {
		n.Order = stage.Order(sc.Order)
	}
	if sc.CompleteOn != "" {
		n.CompleteOn = stage.CompleteOn(sc.CompleteOn)
	}
	n.CompleteOnWhom = sc.CompleteOnWhom
	n.MaxDuration = sc.MaxDuration.Std()
	n.MaxTrialDuration = sc.MaxTrialDuration.Std()
	if sc.CancelGrace > 0 {
		n.CancelGrace = sc.CancelGrace.Std()
	}
	n.Disabled = sc.Disabled

	for _, cc := range sc.Children {
		child, err := buildStage(cc, bindings)
		if err != nil {
			return nil, err
		}
		n.AddChild(child)
	}
	return st, nil
}

func buildLeaf(sc *StageConfig, bindings *executor.Bindings) (stage.Stage, error) {
	switch sc.Type {
	case "", "group":
		return stage.NewGroup(sc.Name), nil

	case "delay":
		return stage.NewDelay(sc.Name, sc.Delay.Std()), nil

	case "uniform_delay":
		if sc.Max < sc.Min {
			return nil, model.NewConfigError(sc.Name, "max %s below min %s", sc.Max.Std(), sc.Min.Std())
		}
		return stage.NewUniformDelay(sc.Name, sc.Min.Std(), sc.Max.Std()), nil

	case "gaussian_delay":
		return stage.NewGaussianDelay(sc.Name, sc.Mean.Std(), sc.Stddev.Std()), nil

	case "call":
		if sc.Device == "" || sc.Method == "" {
			return nil, model.NewConfigError(sc.Name, "call stage needs device and method")
		}
		m, err := bindings.Method(sc.Device, sc.Method)
		if err != nil {
			return nil, model.NewConfigError(sc.Name, "%v", err)
		}
		args := sc.Args
		return stage.NewFunc(sc.Name, func(ctx context.Context, trial int) error {
			_, err := m.Call(ctx, args...)
			return err
		}), nil

	case "digital_gate":
		exit := true
		if sc.ExitState != nil {
			exit = *sc.ExitState
		}
		dev, ok := bindings.Device(sc.Device)
		if !ok {
			return nil, model.NewConfigError(sc.Name, "unknown device %q", sc.Device)
		}
		g := stage.NewDigitalGate(sc.Name, dev, exit)
		return applyGateOpts(g, sc, bindings)

	case "analog_gate":
		dev, ok := bindings.Device(sc.Device)
		if !ok {
			return nil, model.NewConfigError(sc.Name, "unknown device %q", sc.Device)
		}
		g := stage.NewAnalogGate(sc.Name, dev, sc.Low, sc.High)
		return applyGateOpts(g, sc, bindings)

	case "expr_gate":
		dev, ok := bindings.Device(sc.Device)
		if !ok {
			return nil, model.NewConfigError(sc.Name, "unknown device %q", sc.Device)
		}
		cond, err := expr.Compile(sc.When)
		if err != nil {
			return nil, model.NewConfigError(sc.Name, "%v", err)
		}
		g := stage.NewGate(sc.Name, dev, cond.Predicate())
		return applyGateOpts(g, sc, bindings)
	}
	return nil, model.NewConfigError(sc.Name, "unknown stage type %q", sc.Type)
}

func applyGateOpts(g *stage.Gate, sc *StageConfig, bindings *executor.Bindings) (stage.Stage, error) {
	g.Hold = sc.Hold.Std()
	g.UseInitial = sc.UseInitial
	if sc.PollInterval > 0 {
		m, err := bindings.Method(sc.Device, device.MethodReadState)
		if err != nil {
			return nil, model.NewConfigError(sc.Name, "%v", err)
		}
		g.Poll = m
		g.PollInterval = sc.PollInterval.Std()
	}
	return g, nil
}
