package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/gorig/internal/clock"
	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

type wsResult struct {
	resp model.CallResponse
	err  error
}

// WS routes calls to a remote registry over one persistent WebSocket
// connection. Requests are framed envelopes; a reader goroutine matches
// responses back to their waiters by correlation id, so calls from many
// goroutines share the connection and may complete out of order.
type WS struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
	est     *clock.Estimator

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	waiters map[string]chan wsResult
	known   map[string]string
	running bool
}

// NewWS returns a backend connecting to the registry server at baseURL.
// The /api/v1/ws path is appended; http and https schemes are rewritten to
// their WebSocket equivalents. timeout bounds the control round trips made
// by Start and EnsureInstance; zero uses a 30s default.
func NewWS(baseURL string, timeout time.Duration, logger *slog.Logger) *WS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return &WS{
		url:     u + "/api/v1/ws",
		timeout: timeout,
		logger:  logger.With("component", "ws-backend"),
		est:     clock.NewEstimator(0),
		waiters: make(map[string]chan wsResult),
		known:   make(map[string]string),
	}
}

func (b *WS) Type() Type { return TypeWebSocket }

func (b *WS) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w: %v", b.url, model.ErrBackendUnavailable, err)
	}
	b.conn = conn
	b.running = true
	go b.reader(conn)
	b.logger.Info("connected", "url", b.url)
	return nil
}

// Stop closes the connection. The reader fails every in-flight call with
// model.ErrBackendStopped on its way out.
func (b *WS) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	conn := b.conn
	b.conn = nil
	b.known = make(map[string]string)
	b.mu.Unlock()
	return conn.Close()
}

// reader demultiplexes responses until the connection drops, then fails
// whatever is still waiting.
func (b *WS) reader(conn *websocket.Conn) {
	for {
		var resp model.CallResponse
		if err := conn.ReadJSON(&resp); err != nil {
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

func (b *WS) failAll(cause error) {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = make(map[string]chan wsResult)
	stopped := !b.running
	b.mu.Unlock()

	err := fmt.Errorf("connection lost: %w", cause)
	if stopped {
		err = model.ErrBackendStopped
	}
	for _, ch := range waiters {
		ch <- wsResult{err: err}
	}
}

// request sends one envelope and registers a waiter for its response.
func (b *WS) request(env *model.Envelope) (chan wsResult, error) {
	id := env.CorrelationID()
	ch := make(chan wsResult, 1)

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, model.ErrBackendStopped
	}
	conn := b.conn
	b.waiters[id] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err := conn.WriteJSON(env)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("writing request %s: %w", id, err)
	}
	return ch, nil
}

// await is the synchronous path used by the control round trips.
func (b *WS) await(ctx context.Context, env *model.Envelope) (model.CallResponse, error) {
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

func (b *WS) EnsureInstance(ctx context.Context, dev device.Device) (string, error) {
	b.mu.Lock()
	if handle, ok := b.known[dev.ID()]; ok {
		b.mu.Unlock()
		return handle, nil
	}
	b.mu.Unlock()

	resp, err := b.await(ctx, &model.Envelope{Type: model.MsgCreate, Create: &model.CreateRequest{
		ID:     dev.ID(),
		Target: dev.ID(),
		Kind:   dev.Kind(),
		Config: dev.Config(),
	}})
	if err != nil {
		return "", fmt.Errorf("mirroring %q: %w", dev.ID(), err)
	}
	var handle string
	if err := json.Unmarshal(resp.Value, &handle); err != nil {
		return "", fmt.Errorf("decoding handle for %q: %w", dev.ID(), err)
	}
	b.mu.Lock()
	b.known[dev.ID()] = handle
	b.mu.Unlock()
	return handle, nil
}

func (b *WS) EchoClock(ctx context.Context) (clock.Sample, error) {
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

func (b *WS) Clock() *clock.Estimator { return b.est }

func (b *WS) Submit(ctx context.Context, req *model.CallRequest) (*Pending, error) {
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
