package model

import "encoding/json"

// Reading is the value a device method returns: enough state to reconstruct
// the device's condition plus the timestamp it was recorded at, in
// nanoseconds on the recording side's clock.
type Reading struct {
	State     any   `json:"state"`
	Timestamp int64 `json:"timestamp"`
}

// CallRequest asks the executing side to invoke a device method.
// ID is the correlation id: unique for the lifetime of the backend
// connection, matched by exactly one response.
type CallRequest struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
}

// CreateRequest asks the executing side to mirror a device instance.
// Repeating it for an already-mirrored target is a no-op.
type CreateRequest struct {
	ID     string         `json:"id"`
	Target string         `json:"target"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// ReleaseRequest tears down a mirrored device instance.
type ReleaseRequest struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

// ClockPing carries the caller's send timestamp; the response value carries
// the remote clock reading.
type ClockPing struct {
	ID        string `json:"id"`
	LocalSend int64  `json:"local_send"`
}

// ClockReply is the value payload of a clock response.
type ClockReply struct {
	ServerTime int64 `json:"server_time"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CallResponse is the single response delivered for any request's
// correlation id, over every transport.
type CallResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OKResponse builds a success response with v marshalled as the value.
func OKResponse(id string, v any) CallResponse {
	raw, err := json.Marshal(v)
	if err != nil {
		return ErrResponse(id, "encode value: "+err.Error())
	}
	return CallResponse{ID: id, Status: StatusOK, Value: raw}
}

// ErrResponse builds an error response carrying the remote description.
func ErrResponse(id, detail string) CallResponse {
	return CallResponse{ID: id, Status: StatusError, Error: detail}
}

// MsgType discriminates envelope payloads on stream transports.
type MsgType string

const (
	MsgCall    MsgType = "call"
	MsgCreate  MsgType = "create"
	MsgRelease MsgType = "release"
	MsgClock   MsgType = "clock"
)

// Envelope frames one request on the socket and WebSocket transports.
// Exactly one of the payload fields matches Type.
type Envelope struct {
	Type    MsgType         `json:"type"`
	Call    *CallRequest    `json:"call,omitempty"`
	Create  *CreateRequest  `json:"create,omitempty"`
	Release *ReleaseRequest `json:"release,omitempty"`
	Clock   *ClockPing      `json:"clock,omitempty"`
}

// CorrelationID returns the id of whichever payload is set.
func (e *Envelope) CorrelationID() string {
	switch {
	case e.Call != nil:
		return e.Call.ID
	case e.Create != nil:
		return e.Create.ID
	case e.Release != nil:
		return e.Release.ID
	case e.Clock != nil:
		return e.Clock.ID
	}
	return ""
}
