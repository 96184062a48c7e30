package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/me/gorig/pkg/model"
)

// ServeConn serves newline-delimited JSON envelopes on a raw connection
// until ctx ends or the peer closes. Requests are dispatched concurrently;
// responses may interleave in any order, each carrying its request's
// correlation id.
func ServeConn(ctx context.Context, conn net.Conn, reg *Registry, logger *slog.Logger) error {
	logger = logger.With("component", "conn")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)
	send := func(resp model.CallResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			logger.Warn("writing response", "id", resp.ID, "error", err)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	dec := json.NewDecoder(conn)
	for {
		var env model.Envelope
		if err := dec.Decode(&env); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func(env model.Envelope) {
			defer wg.Done()
			send(handle(ctx, reg, &env))
		}(env)
	}
}
