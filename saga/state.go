package saga

import "context"

type State string

const (
	StateInitialized       State = "INITIALIZED"
	StateValidate          State = "VALIDATE"
	StateAllocateResources State = "ALLOCATE_RESOURCES"
	StateInstallNew        State = "INSTALL_NEW"
	StateSwitchOver        State = "SWITCH_OVER"
	StateRemoveOld         State = "REMOVE_OLD"
	StateDeleteExisting    State = "DELETE_EXISTING"
	StateRevertNew         State = "REVERT_NEW"
	StateReleaseResources  State = "RELEASE_RESOURCES"
	StateSubFlowsRunning   State = "SUB_FLOWS_RUNNING"
	StateVerify            State = "VERIFY"
	StateNotify            State = "NOTIFY"
	StateFinished          State = "FINISHED"
	StateFinishedWithError State = "FINISHED_WITH_ERROR"
)

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFinishedWithError
}

type Event string

const (
	EventNext             Event = "NEXT"
	EventResponseReceived Event = "RESPONSE_RECEIVED"
	EventErrorReceived    Event = "ERROR_RECEIVED"
	EventTimeout          Event = "TIMEOUT"
	EventError            Event = "ERROR"

	// noEvent suspends the machine until a response or timer arrives.
	noEvent Event = ""
)

// Operation names the request a machine carries out.
type Operation string

const (
	OpCreate            Operation = "create"
	OpUpdate            Operation = "update"
	OpReroute           Operation = "reroute"
	OpDelete            Operation = "delete"
	OpSwapPaths         Operation = "swap-paths"
	OpMirrorPointCreate Operation = "mirror-point-create"
	OpMirrorPointDelete Operation = "mirror-point-delete"
	OpLoopCreate        Operation = "loop-create"
	OpLoopDelete        Operation = "loop-delete"
	OpValidate          Operation = "validate"
	OpYFlowCreate       Operation = "y-flow-create"
	OpYFlowUpdate       Operation = "y-flow-update"
	OpYFlowDelete       Operation = "y-flow-delete"
)

// Action runs on entering the target state of a transition and returns the
// follow-up event, or noEvent to wait.
type Action[M any] func(ctx context.Context, m M) Event

type transition[M any] struct {
	action Action[M]
	to     State
}

// Table maps (state, event) to a transition. Pairs without an entry are
// ignored.
type Table[M any] map[State]map[Event]transition[M]

// On adds from --event--> to, running action on arrival.
func (t Table[M]) On(from State, event Event, to State, action Action[M]) Table[M] {
	if t[from] == nil {
		t[from] = map[Event]transition[M]{}
	}
	t[from][event] = transition[M]{action: action, to: to}
	return t
}

// OnAny adds the same transition for several events.
func (t Table[M]) OnAny(from State, events []Event, to State, action Action[M]) Table[M] {
	for _, ev := range events {
		t.On(from, ev, to, action)
	}
	return t
}

func (t Table[M]) lookup(from State, event Event) (transition[M], bool) {
	tr, ok := t[from][event]
	return tr, ok
}

// settled lists the events a finished dispatch step may fire.
var settled = []Event{EventResponseReceived, EventErrorReceived, EventTimeout}

var failed = []Event{EventErrorReceived, EventTimeout}
