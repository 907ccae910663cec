package speaker

import (
	"context"
	"sync"

	flowhs "github.com/goliatone/go-flowhs"
)

// LocalTransport hands commands to an in-process Agent and delivers the
// responses asynchronously, as a message bus would.
type LocalTransport struct {
	agent   Agent
	deliver ResponseHandler
	logger  flowhs.Logger
	wg      sync.WaitGroup
}

func NewLocalTransport(agent Agent, deliver ResponseHandler, logger flowhs.Logger) *LocalTransport {
	return &LocalTransport{agent: agent, deliver: deliver, logger: flowhs.NormalizeLogger(logger)}
}

func (t *LocalTransport) Send(ctx context.Context, cmd Command) error {
	if t.agent == nil {
		return flowhs.NewError(flowhs.ErrIllegalState, "transport has no agent", nil)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer flowhs.MakePanicHandler(flowhs.LoggerPanicHandler(t.logger))("LocalTransport.Send",
			map[string]any{"command_id": cmd.ID.String()})

		resp, ok := t.agent.Handle(ctx, cmd)
		if !ok {
			t.logger.Debug("speaker dropped response for %s", cmd)
			return
		}
		if t.deliver != nil {
			t.deliver(context.WithoutCancel(ctx), resp)
		}
	}()
	return nil
}

// SetHandler replaces the response consumer. It must be called before the
// first Send.
func (t *LocalTransport) SetHandler(h ResponseHandler) {
	t.deliver = h
}

// Wait blocks until every delivery started so far has returned.
func (t *LocalTransport) Wait() {
	t.wg.Wait()
}
