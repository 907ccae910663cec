package dispatch

import (
	"fmt"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/speaker"
)

// OutcomeKind tags a command result.
type OutcomeKind string

const (
	OutcomeOk      OutcomeKind = "OK"
	OutcomeSkipped OutcomeKind = "SKIPPED"
	OutcomeFailed  OutcomeKind = "FAILED"
)

// Outcome is the terminal result of one command: Ok, Skipped(reason) or
// Failed(reason).
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	ErrorKind speaker.ErrorKind
	TimedOut  bool
	Attempts  int
	// Mismatch is set for verify commands whose read back differs.
	Mismatch string
}

func Ok(reason string) Outcome      { return Outcome{Kind: OutcomeOk, Reason: reason} }
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }
func Failed(reason string) Outcome  { return Outcome{Kind: OutcomeFailed, Reason: reason} }

// Success reports Ok or Skipped.
func (o Outcome) Success() bool { return o.Kind == OutcomeOk || o.Kind == OutcomeSkipped }

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}

// Result collects the outcomes of a finished batch in build order.
type Result struct {
	Commands []speaker.Command
	Outcomes map[uuid.UUID]Outcome
}

// Succeeded requires every command to be Ok or Skipped.
func (r Result) Succeeded() bool {
	for _, c := range r.Commands {
		if !r.Outcomes[c.ID].Success() {
			return false
		}
	}
	return true
}

// Completed lists the commands that reached Ok, as they were last sent.
func (r Result) Completed() []speaker.Command {
	var out []speaker.Command
	for _, c := range r.Commands {
		if r.Outcomes[c.ID].Kind == OutcomeOk {
			out = append(out, c)
		}
	}
	return out
}

func (r Result) Failed() []speaker.Command {
	var out []speaker.Command
	for _, c := range r.Commands {
		if r.Outcomes[c.ID].Kind == OutcomeFailed {
			out = append(out, c)
		}
	}
	return out
}

func (r Result) Skipped() []speaker.Command {
	var out []speaker.Command
	for _, c := range r.Commands {
		if r.Outcomes[c.ID].Kind == OutcomeSkipped {
			out = append(out, c)
		}
	}
	return out
}

// Mismatches maps verify commands to their read back differences.
func (r Result) Mismatches() map[uuid.UUID]string {
	out := map[uuid.UUID]string{}
	for _, c := range r.Commands {
		if m := r.Outcomes[c.ID].Mismatch; m != "" {
			out[c.ID] = m
		}
	}
	return out
}

// Err describes the first failed command, or nil.
func (r Result) Err() error {
	for _, c := range r.Commands {
		o := r.Outcomes[c.ID]
		if o.Kind != OutcomeFailed {
			continue
		}
		base := flowhs.ErrSpeakerCommandFailed
		if o.TimedOut {
			base = flowhs.ErrSpeakerCommandTimeout
		}
		return flowhs.NewError(base, fmt.Sprintf("%s on %s: %s", c.Kind, c.SwitchID, o.Reason), map[string]any{
			"command_id": c.ID.String(),
			"switch_id":  string(c.SwitchID),
			"kind":       string(c.Kind),
			"error_kind": string(o.ErrorKind),
			"attempts":   o.Attempts,
		})
	}
	return nil
}
