package saga

import (
	"time"

	"github.com/goliatone/go-flowhs/dispatch"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/rule"
)

// Context is the mutable state of one machine. It is created when the
// machine is built and dropped with it.
type Context struct {
	Key       string
	FlowID    string
	Operation Operation

	// Original is the stored flow when the machine started, Target the flow
	// it converges to.
	Original *model.Flow
	Target   *model.Flow

	// Version is the store version of Original, 0 for new flows.
	Version int

	Resources    *resource.Resources
	OldResources *resource.Resources

	// Existing is what the switches hold for Original and Installed what
	// INSTALL_NEW sent. Removal is what REMOVE_OLD or DELETE_EXISTING sends.
	// Restore is reinstalled when a revert deletes rules that replaced
	// Original's ingress rules.
	Existing  rule.RuleSet
	Installed rule.RuleSet
	Removal   rule.RuleSet
	Restore   rule.RuleSet

	Engine  *dispatch.Engine
	Results map[State]dispatch.Result

	YFlow       *rule.YFlowRules
	DoNotRevert bool
	BulkFlowIDs []string
	// Nested machines report to their coordinator, not northbound.
	Nested bool

	// MirrorPoint and MirrorForward select the mirror point a mirror
	// operation works on.
	MirrorPoint   model.MirrorPoint
	MirrorForward bool

	AllocationAttempts int
	Commands           map[dispatch.OutcomeKind]int
	Mismatches         map[string]string
	StartedAt          time.Time

	Err     error
	stepErr error
}

func newContext(key, flowID string, op Operation) *Context {
	return &Context{
		Key:        key,
		FlowID:     flowID,
		Operation:  op,
		Results:    map[State]dispatch.Result{},
		Commands:   map[dispatch.OutcomeKind]int{},
		Mismatches: map[string]string{},
	}
}

// fail records err unless an earlier error is already recorded.
func (c *Context) fail(err error) {
	if err != nil && c.Err == nil {
		c.Err = err
	}
}

// failStep records the error of the last dispatch step.
func (c *Context) failStep() {
	c.fail(c.stepErr)
}
