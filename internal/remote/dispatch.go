package remote

import (
	"context"
	"fmt"

	"github.com/me/gorig/pkg/model"
)

// handle dispatches one framed request to the registry and builds the
// single response for its correlation id. Shared by the socket and
// WebSocket transports.
func handle(ctx context.Context, reg *Registry, env *model.Envelope) model.CallResponse {
	id := env.CorrelationID()
	switch env.Type {
	case model.MsgCall:
		if env.Call == nil {
			return model.ErrResponse(id, "call envelope missing payload")
		}
		reading, err := reg.Execute(ctx, env.Call)
		if err != nil {
			return model.ErrResponse(id, err.Error())
		}
		return model.OKResponse(id, reading)
	case model.MsgCreate:
		if env.Create == nil {
			return model.ErrResponse(id, "create envelope missing payload")
		}
		handle, err := reg.Ensure(env.Create)
		if err != nil {
			return model.ErrResponse(id, err.Error())
		}
		return model.OKResponse(id, handle)
	case model.MsgRelease:
		if env.Release == nil {
			return model.ErrResponse(id, "release envelope missing payload")
		}
		reg.Release(env.Release.Target)
		return model.OKResponse(id, env.Release.Target)
	case model.MsgClock:
		if env.Clock == nil {
			return model.ErrResponse(id, "clock envelope missing payload")
		}
		return model.OKResponse(id, model.ClockReply{ServerTime: reg.Now()})
	default:
		return model.ErrResponse(id, fmt.Sprintf("unknown message type %q", env.Type))
	}
}
