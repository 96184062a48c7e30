package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/me/gorig/internal/clock"
	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// REST routes calls to a remote registry over plain HTTP. Each call is one
// POST round trip; there is no connection state beyond the client's pool,
// so a restarted server only needs EnsureInstance run again.
type REST struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	known    map[string]string
	inflight map[string]*Pending
	est      *clock.Estimator
	running  bool
}

// NewREST returns a backend talking to the registry server at baseURL.
// timeout bounds each HTTP round trip; zero uses a 30s default.
func NewREST(baseURL string, timeout time.Duration, logger *slog.Logger) *REST {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &REST{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "rest-backend"),
		known:    make(map[string]string),
		inflight: make(map[string]*Pending),
		est:      clock.NewEstimator(0),
	}
}

func (b *REST) Type() Type { return TypeREST }

// Start verifies the server answers before any call is routed to it.
func (b *REST) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if _, err := b.clockReply(ctx); err != nil {
		return fmt.Errorf("probing %s: %w: %v", b.baseURL, model.ErrBackendUnavailable, err)
	}
	b.running = true
	b.logger.Info("connected", "url", b.baseURL)
	return nil
}

// Stop fails every in-flight call with model.ErrBackendStopped and
// invalidates the mirrored-instance handles. The server keeps its
// instances; a later Start plus EnsureInstance reattaches to them.
func (b *REST) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.running = false
	b.known = make(map[string]string)
	pendings := b.inflight
	b.inflight = make(map[string]*Pending)
	b.mu.Unlock()

	for id, p := range pendings {
		p.Fail(fmt.Errorf("call %s: %w", id, model.ErrBackendStopped))
	}
	return nil
}

func (b *REST) EnsureInstance(ctx context.Context, dev device.Device) (string, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return "", model.ErrBackendStopped
	}
	if handle, ok := b.known[dev.ID()]; ok {
		b.mu.Unlock()
		return handle, nil
	}
	b.mu.Unlock()

	req := model.CreateRequest{
		ID:     dev.ID(),
		Target: dev.ID(),
		Kind:   dev.Kind(),
		Config: dev.Config(),
	}
	resp, err := b.post(ctx, "/api/v1/objects", req)
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

func (b *REST) EchoClock(ctx context.Context) (clock.Sample, error) {
	send := time.Now().UnixNano()
	reply, err := b.clockReply(ctx)
	if err != nil {
		return clock.Sample{}, err
	}
	return clock.Sample{LocalSend: send, Remote: reply.ServerTime, LocalRecv: time.Now().UnixNano()}, nil
}

func (b *REST) Clock() *clock.Estimator { return b.est }

func (b *REST) Submit(ctx context.Context, req *model.CallRequest) (*Pending, error) {
	pending := NewPending(req.ID)
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, model.ErrBackendStopped
	}
	b.inflight[req.ID] = pending
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.inflight, req.ID)
			b.mu.Unlock()
		}()
		resp, err := b.post(ctx, "/api/v1/objects/"+url.PathEscape(req.Target)+"/execute", req)
		if err != nil {
			pending.Fail(classify(req, err))
			return
		}
		var reading model.Reading
		if err := json.Unmarshal(resp.Value, &reading); err != nil {
			pending.Fail(model.NewCallError(model.CallTransport, req.ID, req.Method, "decoding reading", err))
			return
		}
		pending.Resolve(reading)
	}()
	return pending, nil
}

func (b *REST) clockReply(ctx context.Context) (model.ClockReply, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v1/clock", nil)
	if err != nil {
		return model.ClockReply{}, err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return model.ClockReply{}, err
	}
	defer resp.Body.Close()
	wire, err := decodeResponse(resp)
	if err != nil {
		return model.ClockReply{}, err
	}
	var reply model.ClockReply
	if err := json.Unmarshal(wire.Value, &reply); err != nil {
		return model.ClockReply{}, fmt.Errorf("decoding clock reply: %w", err)
	}
	return reply, nil
}

// post sends a JSON body and returns the decoded wire response, turning a
// status error into a remote-failure error.
func (b *REST) post(ctx context.Context, path string, body any) (model.CallResponse, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return model.CallResponse{}, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return model.CallResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return model.CallResponse{}, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (model.CallResponse, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.CallResponse{}, fmt.Errorf("reading response: %w", err)
	}
	var wire model.CallResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return model.CallResponse{}, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if wire.Status != model.StatusOK {
		return model.CallResponse{}, &remoteError{id: wire.ID, detail: wire.Error}
	}
	return wire, nil
}

type remoteError struct {
	id     string
	detail string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("remote call %s failed: %s", e.id, e.detail)
}

// classify maps a transport-level failure onto the caller-visible error
// taxonomy. A deadline becomes a timeout, a remote rejection keeps the
// remote description, and everything else is a transport fault.
func classify(req *model.CallRequest, err error) error {
	var re *remoteError
	if errors.As(err, &re) {
		return model.NewCallError(model.CallRemote, req.ID, req.Method, re.detail, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return model.NewCallError(model.CallTimeout, req.ID, req.Method, "call timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewCallError(model.CallTimeout, req.ID, req.Method, "call timed out", err)
	}
	return model.NewCallError(model.CallTransport, req.ID, req.Method, "transport failure", err)
}
