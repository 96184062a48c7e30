package executor_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/internal/executor"
	"github.com/me/gorig/internal/logging"
	"github.com/me/gorig/internal/remote"
	"github.com/me/gorig/pkg/model"
)

func startRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logging.Discard()
	srv := httptest.NewServer(remote.NewServer(remote.NewRegistry(logger), logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestRESTBackendRoundTrip(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewREST(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer backend.Stop(context.Background())

	dev := device.NewRandomDigital("switch")
	h1, err := backend.EnsureInstance(context.Background(), dev)
	if err != nil {
		t.Fatalf("EnsureInstance() error = %v", err)
	}
	h2, err := backend.EnsureInstance(context.Background(), dev)
	if err != nil {
		t.Fatalf("second EnsureInstance() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("handles differ: %q vs %q", h1, h2)
	}

	m := executor.NewMethod(dev, device.MethodWriteState, backend, 2*time.Second)
	r, err := m.Call(context.Background(), true)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if r.State != true {
		t.Errorf("State = %v, want true", r.State)
	}
	if state, _ := dev.State(); state != true {
		t.Errorf("caller-side state = %v, want true", state)
	}
}

func TestRESTBackendRemoteError(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewREST(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer backend.Stop(context.Background())

	// Target was never mirrored, so the far side rejects the call.
	p, err := backend.Submit(context.Background(), &model.CallRequest{ID: "c1", Target: "ghost", Method: "read_state"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := p.Wait(context.Background()); !model.IsRemote(err) {
		t.Errorf("Wait() error = %v, want remote failure", err)
	}
}

func TestRESTBackendStartUnreachable(t *testing.T) {
	logger := logging.Discard()
	backend := executor.NewREST("http://127.0.0.1:1", 200*time.Millisecond, logger)
	err := backend.Start(context.Background())
	if !errors.Is(err, model.ErrBackendUnavailable) {
		t.Errorf("Start() error = %v, want ErrBackendUnavailable", err)
	}
}

func TestRESTBackendEchoClock(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewREST(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer backend.Stop(context.Background())

	s, err := backend.EchoClock(context.Background())
	if err != nil {
		t.Fatalf("EchoClock() error = %v", err)
	}
	if s.LocalRecv < s.LocalSend {
		t.Errorf("receive %d before send %d", s.LocalRecv, s.LocalSend)
	}
	if s.Remote == 0 {
		t.Error("remote clock reading missing")
	}
}

func TestRESTBackendStopFailsInFlight(t *testing.T) {
	logger := logging.Discard()
	inner := remote.NewServer(remote.NewRegistry(logger), logger)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold execute round trips so Stop races a live call.
		if strings.HasSuffix(r.URL.Path, "/execute") {
			time.Sleep(500 * time.Millisecond)
		}
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	backend := executor.NewREST(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := backend.EnsureInstance(context.Background(), device.NewRandomDigital("switch")); err != nil {
		t.Fatalf("EnsureInstance() error = %v", err)
	}

	p, err := backend.Submit(context.Background(), &model.CallRequest{ID: "c1", Target: "switch", Method: "read_state"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := backend.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := p.Wait(context.Background()); !errors.Is(err, model.ErrBackendStopped) {
		t.Errorf("Wait() error = %v, want ErrBackendStopped", err)
	}
}

func TestWSBackendRoundTrip(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewWS(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer backend.Stop(context.Background())

	dev := device.NewRandomDigital("switch")
	if _, err := backend.EnsureInstance(context.Background(), dev); err != nil {
		t.Fatalf("EnsureInstance() error = %v", err)
	}

	m := executor.NewMethod(dev, device.MethodWriteState, backend, 2*time.Second)
	r, err := m.Call(context.Background(), true)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if r.State != true {
		t.Errorf("State = %v, want true", r.State)
	}
}

func TestWSBackendConcurrentCalls(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewWS(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer backend.Stop(context.Background())

	dev := device.NewRandomDigital("switch")
	if _, err := backend.EnsureInstance(context.Background(), dev); err != nil {
		t.Fatalf("EnsureInstance() error = %v", err)
	}

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			m := executor.NewMethod(dev, device.MethodReadState, backend, 2*time.Second)
			_, err := m.Call(context.Background())
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Call() error = %v", err)
		}
	}
}

func TestWSBackendStopFailsInFlight(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewWS(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Never mirrored and never answered: submit, then cut the link before
	// reading the response by racing Stop against the round trip.
	p, err := backend.Submit(context.Background(), &model.CallRequest{ID: "c1", Target: "ghost", Method: "read_state"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	backend.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err == nil {
		t.Error("in-flight call resolved successfully across Stop()")
	}
}

func TestWSBackendEchoClock(t *testing.T) {
	srv := startRegistryServer(t)
	logger := logging.Discard()
	backend := executor.NewWS(srv.URL, 2*time.Second, logger)
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer backend.Stop(context.Background())

	s, err := backend.EchoClock(context.Background())
	if err != nil {
		t.Fatalf("EchoClock() error = %v", err)
	}
	if s.LocalRecv < s.LocalSend || s.Remote == 0 {
		t.Errorf("implausible sample %+v", s)
	}
}
