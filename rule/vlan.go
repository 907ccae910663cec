package rule

import (
	"fmt"

	flowhs "github.com/goliatone/go-flowhs"
)

// VlanSetSequence returns the minimal actions turning the current vlan stack
// into the desired one. Stacks are ordered innermost first; push, pop and set
// act on the outermost tag.
//
// Both stacks are walked in lock-step from the innermost tag. On the first
// mismatch every remaining current tag is popped and the exposed head is
// rewritten, then the remaining desired tags are pushed.
func VlanSetSequence(current, desired []int) ([]Action, error) {
	if err := checkVlanStack("current", current); err != nil {
		return nil, err
	}
	if err := checkVlanStack("desired", desired); err != nil {
		return nil, err
	}

	var actions []Action
	ci, di := 0, 0
	for ci < len(current) && di < len(desired) {
		c, d := current[ci], desired[di]
		ci++
		di++
		if c != d {
			for ; ci < len(current); ci++ {
				actions = append(actions, PopVlan())
			}
			actions = append(actions, SetVlan(d))
			break
		}
	}
	for ; ci < len(current); ci++ {
		actions = append(actions, PopVlan())
	}
	for ; di < len(desired); di++ {
		actions = append(actions, PushVlan(desired[di]))
	}
	return actions, nil
}

func checkVlanStack(name string, stack []int) error {
	for i, vid := range stack {
		if vid <= 0 || vid > maxVlan {
			return flowhs.NewError(flowhs.ErrInvalidArgument,
				fmt.Sprintf("%s vlan stack has an unset entry at position %d", name, i),
				map[string]any{"stack": stack})
		}
	}
	return nil
}

const maxVlan = 4095

// ApplyVlanActions replays the vlan actions of actions on stack and returns
// the resulting stack. Non vlan actions are ignored.
func ApplyVlanActions(stack []int, actions []Action) ([]int, error) {
	out := append([]int(nil), stack...)
	for _, a := range actions {
		switch a.Type {
		case ActionPushVlan:
			out = append(out, a.Vlan)
		case ActionPopVlan:
			if len(out) == 0 {
				return nil, flowhs.NewError(flowhs.ErrIllegalState, "pop on an empty vlan stack", nil)
			}
			out = out[:len(out)-1]
		case ActionSetVlan:
			if len(out) == 0 {
				return nil, flowhs.NewError(flowhs.ErrIllegalState, "set on an empty vlan stack", nil)
			}
			out[len(out)-1] = a.Vlan
		}
	}
	return out, nil
}
