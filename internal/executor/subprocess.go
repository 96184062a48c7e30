package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/me/gorig/internal/clock"
	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// Subprocess runs the registry in a child process it owns, connected over
// a unix socket with newline-delimited JSON envelopes. The child dials the
// socket this backend listens on; if the child dies and Restart is set, a
// new one is spawned and every known device is mirrored again.
type Subprocess struct {
	command []string
	restart bool
	timeout time.Duration
	logger  *slog.Logger
	est     *clock.Estimator

	writeMu sync.Mutex

	mu      sync.Mutex
	dir     string
	ln      net.Listener
	conn    net.Conn
	enc     *json.Encoder
	cmd     *exec.Cmd
	waiters map[string]chan wsResult
	known   map[string]*model.CreateRequest
	running bool
}

// NewSubprocess returns a backend that will spawn command (argv form) with
// a --socket flag appended. restart controls respawn after an unexpected
// child exit. timeout bounds control round trips; zero uses a 30s default.
func NewSubprocess(command []string, restart bool, timeout time.Duration, logger *slog.Logger) *Subprocess {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Subprocess{
		command: command,
		restart: restart,
		timeout: timeout,
		logger:  logger.With("component", "subprocess-backend"),
		est:     clock.NewEstimator(0),
		waiters: make(map[string]chan wsResult),
		known:   make(map[string]*model.CreateRequest),
	}
}

func (b *Subprocess) Type() Type { return TypeSubprocess }

func (b *Subprocess) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if len(b.command) == 0 {
		return fmt.Errorf("subprocess backend: %w: no command configured", model.ErrBackendUnavailable)
	}

	dir, err := os.MkdirTemp("", "gorig-agent-*")
	if err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	sock := filepath.Join(dir, "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("listening on %s: %w", sock, err)
	}
	b.dir = dir
	b.ln = ln

	if err := b.spawnLocked(ctx, sock); err != nil {
		ln.Close()
		os.RemoveAll(dir)
		b.ln = nil
		b.dir = ""
		return fmt.Errorf("subprocess backend: %w: %v", model.ErrBackendUnavailable, err)
	}
	b.running = true
	b.logger.Info("child started", "pid", b.cmd.Process.Pid, "socket", sock)
	return nil
}

// spawnLocked starts the child and waits for it to dial back. Caller holds
// b.mu.
func (b *Subprocess) spawnLocked(ctx context.Context, sock string) error {
	args := append(append([]string{}, b.command[1:]...), "--socket", sock)
	cmd := exec.Command(b.command[0], args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", b.command[0], err)
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := b.ln.Accept()
		ch <- accepted{conn: conn, err: err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case a := <-ch:
		if a.err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("accepting child connection: %w", a.err)
		}
		b.conn = a.conn
		b.enc = json.NewEncoder(a.conn)
		b.cmd = cmd
		go b.reader(a.conn)
		go b.monitor(cmd, a.conn)
		return nil
	case <-timer.C:
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("child did not connect within %s", b.timeout)
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return context.Cause(ctx)
	}
}

// Stop terminates the child and releases the socket. In-flight calls fail
// with model.ErrBackendStopped.
func (b *Subprocess) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	conn, ln, dir, cmd := b.conn, b.ln, b.dir, b.cmd
	b.conn = nil
	b.ln = nil
	b.dir = ""
	b.cmd = nil
	b.known = make(map[string]*model.CreateRequest)
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cmd.Process.Kill()
			<-done
		case <-ctx.Done():
			cmd.Process.Kill()
			<-done
		}
	}
	if ln != nil {
		ln.Close()
	}
	if dir != "" {
		os.RemoveAll(dir)
	}
	return nil
}

func (b *Subprocess) reader(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var resp model.CallResponse
		if err := dec.Decode(&resp); err != nil {
			b.failAll(err)
			return
		}
		b.mu.Lock()
		ch, ok := b.waiters[resp.ID]
		delete(b.waiters, resp.ID)
		b.mu.Unlock()
		if !ok {
			b.logger.Warn("response without waiter", "id", resp.ID)
			continue
		}
		ch <- wsResult{resp: resp}
	}
}

// monitor watches for the child exiting underneath us and, when restart is
// enabled, brings a replacement up with the same mirrored devices.
func (b *Subprocess) monitor(cmd *exec.Cmd, conn net.Conn) {
	err := cmd.Wait()

	b.mu.Lock()
	if !b.running || b.cmd != cmd {
		b.mu.Unlock()
		return
	}
	b.logger.Warn("child exited", "error", err)
	conn.Close()
	b.conn = nil
	b.enc = nil
	if !b.restart {
		b.running = false
		b.mu.Unlock()
		return
	}

	sock := filepath.Join(b.dir, "agent.sock")
	if serr := b.spawnLocked(context.Background(), sock); serr != nil {
		b.logger.Error("respawning child", "error", serr)
		b.running = false
		b.mu.Unlock()
		return
	}
	known := make([]*model.CreateRequest, 0, len(b.known))
	for _, req := range b.known {
		known = append(known, req)
	}
	pid := b.cmd.Process.Pid
	b.mu.Unlock()

	b.logger.Info("child respawned", "pid", pid)
	for _, req := range known {
		if _, err := b.await(context.Background(), &model.Envelope{Type: model.MsgCreate, Create: req}); err != nil {
			b.logger.Error("remirroring device after respawn", "device", req.Target, "error", err)
		}
	}
}

func (b *Subprocess) failAll(cause error) {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = make(map[string]chan wsResult)
	stopped := !b.running
	b.mu.Unlock()

	err := fmt.Errorf("child connection lost: %w", cause)
	if stopped {
		err = model.ErrBackendStopped
	}
	for _, ch := range waiters {
		ch <- wsResult{err: err}
	}
}

func (b *Subprocess) request(env *model.Envelope) (chan wsResult, error) {
	id := env.CorrelationID()
	ch := make(chan wsResult, 1)

	b.mu.Lock()
	if !b.running || b.enc == nil {
		b.mu.Unlock()
		return nil, model.ErrBackendStopped
	}
	enc := b.enc
	b.waiters[id] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err := enc.Encode(env)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("writing request %s: %w", id, err)
	}
	return ch, nil
}

func (b *Subprocess) await(ctx context.Context, env *model.Envelope) (model.CallResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ch, err := b.request(env)
	if err != nil {
		return model.CallResponse{}, err
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return model.CallResponse{}, res.err
		}
		if res.resp.Status != model.StatusOK {
			return model.CallResponse{}, fmt.Errorf("remote: %s", res.resp.Error)
		}
		return res.resp, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, env.CorrelationID())
		b.mu.Unlock()
		return model.CallResponse{}, context.Cause(ctx)
	}
}

func (b *Subprocess) EnsureInstance(ctx context.Context, dev device.Device) (string, error) {
	b.mu.Lock()
	if _, ok := b.known[dev.ID()]; ok {
		b.mu.Unlock()
		return dev.ID(), nil
	}
	b.mu.Unlock()

	req := &model.CreateRequest{
		ID:     dev.ID(),
		Target: dev.ID(),
		Kind:   dev.Kind(),
		Config: dev.Config(),
	}
	resp, err := b.await(ctx, &model.Envelope{Type: model.MsgCreate, Create: req})
	if err != nil {
		return "", fmt.Errorf("mirroring %q: %w", dev.ID(), err)
	}
	var handle string
	if err := json.Unmarshal(resp.Value, &handle); err != nil {
		return "", fmt.Errorf("decoding handle for %q: %w", dev.ID(), err)
	}
	b.mu.Lock()
	b.known[dev.ID()] = req
	b.mu.Unlock()
	return handle, nil
}

func (b *Subprocess) EchoClock(ctx context.Context) (clock.Sample, error) {
	send := time.Now().UnixNano()
	resp, err := b.await(ctx, &model.Envelope{Type: model.MsgClock, Clock: &model.ClockPing{
		ID:        "clock-" + fmt.Sprint(send),
		LocalSend: send,
	}})
	if err != nil {
		return clock.Sample{}, err
	}
	var reply model.ClockReply
	if err := json.Unmarshal(resp.Value, &reply); err != nil {
		return clock.Sample{}, fmt.Errorf("decoding clock reply: %w", err)
	}
	return clock.Sample{LocalSend: send, Remote: reply.ServerTime, LocalRecv: time.Now().UnixNano()}, nil
}

func (b *Subprocess) Clock() *clock.Estimator { return b.est }

func (b *Subprocess) Submit(ctx context.Context, req *model.CallRequest) (*Pending, error) {
	ch, err := b.request(&model.Envelope{Type: model.MsgCall, Call: req})
	if err != nil {
		return nil, err
	}
	pending := NewPending(req.ID)
	go func() {
		res := <-ch
		if res.err != nil {
			if errors.Is(res.err, model.ErrBackendStopped) {
				pending.Fail(res.err)
			} else {
				pending.Fail(model.NewCallError(model.CallTransport, req.ID, req.Method, "transport failure", res.err))
			}
			return
		}
		if res.resp.Status != model.StatusOK {
			pending.Fail(model.NewCallError(model.CallRemote, req.ID, req.Method, res.resp.Error, nil))
			return
		}
		var reading model.Reading
		if err := json.Unmarshal(res.resp.Value, &reading); err != nil {
			pending.Fail(model.NewCallError(model.CallTransport, req.ID, req.Method, "decoding reading", err))
			return
		}
		pending.Resolve(reading)
	}()
	return pending, nil
}
