package remote

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/me/gorig/pkg/model"
)

type wsSession struct {
	conn     *websocket.Conn
	registry *Registry
	logger   *slog.Logger
	writeMu  sync.Mutex
}

func newWSSession(conn *websocket.Conn, reg *Registry, logger *slog.Logger) *wsSession {
	return &wsSession{conn: conn, registry: reg, logger: logger.With("component", "ws-session")}
}

func (s *wsSession) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var env model.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		wg.Add(1)
		go func(env model.Envelope) {
			defer wg.Done()
			s.send(handle(ctx, s.registry, &env))
		}(env)
	}
}

func (s *wsSession) send(resp model.CallResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(resp); err != nil {
		s.logger.Warn("writing websocket response", "id", resp.ID, "error", err)
	}
}
