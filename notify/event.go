package notify

import (
	"context"
	"time"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

// HistoryRecord is one noteworthy step of a saga.
type HistoryRecord struct {
	Key       string
	FlowID    string
	Operation string
	State     string
	Message   string
	Details   map[string]any
	Time      time.Time
}

// Response is the northbound answer to a request.
type Response struct {
	Key       string
	FlowID    string
	Operation string
	Success   bool
	ErrorKind flowhs.ErrorKind
	ErrorCode string
	Message   string
	Flow      *model.Flow
	// Mismatches holds verify diffs keyed by descriptor, for validation requests.
	Mismatches map[string]string
}

// Measurement is a metrics sample emitted when a saga or command settles.
type Measurement struct {
	Operation string
	Result    string
	Duration  time.Duration
	// Commands counts command outcomes by outcome kind.
	Commands map[string]int
}

// Notifier receives completion events. Implementations must not block the
// caller.
type Notifier interface {
	History(ctx context.Context, rec HistoryRecord)
	Respond(ctx context.Context, resp Response)
	Observe(ctx context.Context, m Measurement)
}

// Nop discards every event.
type Nop struct{}

func (Nop) History(context.Context, HistoryRecord) {}
func (Nop) Respond(context.Context, Response)      {}
func (Nop) Observe(context.Context, Measurement)   {}
