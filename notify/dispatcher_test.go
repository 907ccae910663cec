package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	flowhs "github.com/goliatone/go-flowhs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatcherFansOutByTopic(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	history := NewHistoryLog(2)
	history.Attach(d)
	responses := NewResponses()
	responses.Attach(d)

	ctx := context.Background()
	for _, state := range []string{"VALIDATE", "INSTALL_NEW", "FINISHED"} {
		d.History(ctx, HistoryRecord{FlowID: "f1", State: state})
	}
	d.Respond(ctx, Response{Key: "k1", FlowID: "f1", Success: true})
	require.NoError(t, d.Flush(ctx))

	records := history.For("f1")
	require.Len(t, records, 2, "history keeps the most recent records")
	assert.Equal(t, "FINISHED", records[1].State)

	resp, ok := responses.Get("k1")
	require.True(t, ok)
	assert.True(t, resp.Success)
}

func TestResponsesWait(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()
	responses := NewResponses()
	responses.Attach(d)

	got := make(chan Response, 1)
	go func() {
		resp, err := responses.Wait(context.Background(), "k")
		assert.NoError(t, err)
		got <- resp
	}()
	time.Sleep(5 * time.Millisecond)
	d.Respond(context.Background(), Response{Key: "k", Message: "done"})

	select {
	case resp := <-got:
		assert.Equal(t, "done", resp.Message)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := responses.Wait(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherDropsWhenFullOrClosed(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(WithQueueSize(1))
	d.Subscribe(TopicHistory, func(context.Context, any) { <-block })

	ctx := context.Background()
	d.History(ctx, HistoryRecord{}) // picked up by the worker, which blocks
	time.Sleep(5 * time.Millisecond)
	d.History(ctx, HistoryRecord{}) // queued
	d.History(ctx, HistoryRecord{}) // dropped
	assert.Equal(t, int64(1), d.Dropped())

	close(block)
	d.Close()
	d.Respond(ctx, Response{})
	assert.Equal(t, int64(2), d.Dropped())
}

func TestDispatcherSurvivesPanickingHandler(t *testing.T) {
	var buf syncBuffer
	d := NewDispatcher(WithLogger(flowhs.NewFmtLogger(&buf)))
	defer d.Close()

	var calls atomic.Int32
	d.Subscribe(TopicHistory, func(context.Context, any) { panic("sink broke") })
	d.Subscribe(TopicHistory, func(context.Context, any) { calls.Add(1) })

	d.History(context.Background(), HistoryRecord{})
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, buf.String(), "sink broke")
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var calls atomic.Int32
	sub := d.Subscribe(TopicMetrics, func(context.Context, any) { calls.Add(1) })
	d.Observe(context.Background(), Measurement{})
	require.NoError(t, d.Flush(context.Background()))
	sub.Unsubscribe()
	d.Observe(context.Background(), Measurement{})
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("flowhs", reg)
	require.NoError(t, err)

	d := NewDispatcher()
	defer d.Close()
	m.Attach(d)

	ctx := context.Background()
	d.Observe(ctx, Measurement{
		Operation: "create",
		Result:    "success",
		Duration:  40 * time.Millisecond,
		Commands:  map[string]int{"ok": 5, "skipped": 1},
	})
	d.Respond(ctx, Response{Operation: "create", Success: false, ErrorKind: flowhs.KindProtocol})
	require.NoError(t, d.Flush(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("create", "success")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Commands.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Responses.WithLabelValues("create", "protocol")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))

	_, err = NewMetrics("flowhs", reg)
	assert.Error(t, err, "duplicate registration")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
