package speaker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/rule"
)

func handle(t *testing.T, a *MemoryAgent, cmd Command) Response {
	t.Helper()
	resp, ok := a.Handle(context.Background(), cmd)
	require.True(t, ok)
	require.Equal(t, cmd.ID, resp.CommandID)
	return resp
}

func TestMemoryAgentIsIdempotent(t *testing.T) {
	agent := NewMemoryAgent()
	payload := RulePayload(rule.Rule{SwitchID: swA, Cookie: model.NewCookie(3, true)})

	assert.Equal(t, StatusSuccess, handle(t, agent, NewCommand(KindInstall, payload)).Status)
	assert.Equal(t, StatusSuccess, handle(t, agent, NewCommand(KindInstall, payload)).Status)
	assert.Equal(t, 1, agent.Total())

	assert.Equal(t, StatusSuccess, handle(t, agent, NewCommand(KindDelete, payload)).Status)
	resp := handle(t, agent, NewCommand(KindDelete, payload))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrorNotFound, resp.ErrorKind)
	assert.Zero(t, agent.Total())
}

func TestMemoryAgentVerifyRoundTrip(t *testing.T) {
	agent := NewMemoryAgent()
	rs := meteredRuleSet()
	for _, c := range BuildBatch(KindInstall, rs).Commands() {
		handle(t, agent, c)
	}

	for _, c := range BuildBatch(KindVerify, rs).Commands() {
		resp := handle(t, agent, c)
		require.Equal(t, StatusSuccess, resp.Status)
		assert.Empty(t, Diff(c.Payload, resp.Schema), c.String())
	}

	changed := rs.Rules[0]
	changed.Priority++
	resp := handle(t, agent, NewCommand(KindVerify, RulePayload(changed)))
	assert.NotEmpty(t, Diff(RulePayload(changed), resp.Schema))

	missing := NewCommand(KindVerify, RulePayload(rule.Rule{SwitchID: "sw-z"}))
	resp = handle(t, agent, missing)
	assert.Contains(t, Diff(missing.Payload, resp.Schema), "missing")
}

func TestMemoryAgentDryRunDoesNotMutate(t *testing.T) {
	agent := NewMemoryAgent()
	cmd := NewCommand(KindDryRun, MeterPayload(rule.NewMeter(swA, 40, 100)))
	resp := handle(t, agent, cmd)
	require.NotNil(t, resp.Schema)
	assert.Empty(t, Diff(cmd.Payload, resp.Schema))
	assert.Zero(t, agent.Total())
}

func TestMemoryAgentFaults(t *testing.T) {
	agent := NewMemoryAgent()
	agent.Inject(&Fault{Match: OnKind(KindInstall, PayloadMeter), ErrorKind: ErrorUnsupported, Reason: "no meters"})
	agent.Inject(&Fault{Match: OnSwitch("sw-b"), Drop: true, Times: 1})

	resp := handle(t, agent, NewCommand(KindInstall, MeterPayload(rule.NewMeter(swA, 1, 10))))
	assert.Equal(t, ErrorUnsupported, resp.ErrorKind)

	transit := NewCommand(KindInstall, RulePayload(rule.Rule{SwitchID: "sw-b"}))
	_, ok := agent.Handle(context.Background(), transit)
	assert.False(t, ok)
	assert.Equal(t, StatusSuccess, handle(t, agent, transit).Status, "drop fault fires once")

	assert.Len(t, agent.Received(), 3)
	agent.ClearFaults()
	assert.Equal(t, StatusSuccess, handle(t, agent, NewCommand(KindInstall, MeterPayload(rule.NewMeter(swA, 1, 10)))).Status)
}
