package speaker

import (
	"context"

	"github.com/google/uuid"

	"github.com/goliatone/go-flowhs/model"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusTimeout Status = "TIMEOUT"
)

// ErrorKind classifies a speaker error response.
type ErrorKind string

const (
	ErrorNotFound          ErrorKind = "NOT_FOUND"
	ErrorUnsupported       ErrorKind = "UNSUPPORTED"
	ErrorSwitchUnavailable ErrorKind = "SWITCH_UNAVAILABLE"
	ErrorBadRequest        ErrorKind = "BAD_REQUEST"
	ErrorGeneric           ErrorKind = "GENERIC"
)

// Response is what a speaker reports for one command. Schema carries the
// descriptor read back from the switch for verify and dry-run commands.
type Response struct {
	CommandID uuid.UUID
	SwitchID  model.SwitchID
	Status    Status
	ErrorKind ErrorKind
	Reason    string
	Schema    *Payload
}

func Success(cmd Command, schema *Payload) Response {
	return Response{CommandID: cmd.ID, SwitchID: cmd.SwitchID, Status: StatusSuccess, Schema: schema}
}

func Failure(cmd Command, kind ErrorKind, reason string) Response {
	return Response{CommandID: cmd.ID, SwitchID: cmd.SwitchID, Status: StatusError, ErrorKind: kind, Reason: reason}
}

func TimedOut(cmd Command) Response {
	return Response{CommandID: cmd.ID, SwitchID: cmd.SwitchID, Status: StatusTimeout, Reason: "speaker timeout"}
}

// Transport sends commands to remote speakers; responses arrive
// asynchronously through whatever handler the transport was built with.
type Transport interface {
	Send(ctx context.Context, cmd Command) error
}

type TransportFunc func(ctx context.Context, cmd Command) error

func (f TransportFunc) Send(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// ResponseHandler consumes speaker responses.
type ResponseHandler func(ctx context.Context, resp Response)

// Agent executes commands against switch state. A false second result means
// the agent produced no reply.
type Agent interface {
	Handle(ctx context.Context, cmd Command) (Response, bool)
}
