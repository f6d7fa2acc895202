package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"pidline/internal/domain"
)

var (
	ErrAlreadyMinted     = errors.New("identifier already exists for record")
	ErrNotMinted         = errors.New("record has no identifier")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrBusy              = errors.New("another operation is in flight for record")
	ErrNoConfig          = errors.New("no registration configuration")
)

var live = []string{
	string(domain.StateDraft),
	string(domain.StateRegistered),
	string(domain.StateFindable),
}

// transitions is the complete table of legal moves. Mint has one event per
// caller-chosen initial state; update and verify keep the current state.
var transitions = fsm.Events{
	{Name: eventName(domain.ActionMint, domain.StateDraft), Src: []string{string(domain.StateNone)}, Dst: string(domain.StateDraft)},
	{Name: eventName(domain.ActionMint, domain.StateRegistered), Src: []string{string(domain.StateNone)}, Dst: string(domain.StateRegistered)},
	{Name: eventName(domain.ActionMint, domain.StateFindable), Src: []string{string(domain.StateNone)}, Dst: string(domain.StateFindable)},
	{Name: string(domain.ActionDeactivate), Src: live, Dst: string(domain.StateDeleted)},
	{Name: string(domain.ActionReactivate), Src: []string{string(domain.StateDeleted)}, Dst: string(domain.StateFindable)},
	{Name: eventName(domain.ActionUpdate, domain.StateDraft), Src: []string{string(domain.StateDraft)}, Dst: string(domain.StateDraft)},
	{Name: eventName(domain.ActionUpdate, domain.StateRegistered), Src: []string{string(domain.StateRegistered)}, Dst: string(domain.StateRegistered)},
	{Name: eventName(domain.ActionUpdate, domain.StateFindable), Src: []string{string(domain.StateFindable)}, Dst: string(domain.StateFindable)},
	{Name: eventName(domain.ActionUpdate, domain.StateDeleted), Src: []string{string(domain.StateDeleted)}, Dst: string(domain.StateDeleted)},
	{Name: eventName(domain.ActionVerify, domain.StateDraft), Src: []string{string(domain.StateDraft)}, Dst: string(domain.StateDraft)},
	{Name: eventName(domain.ActionVerify, domain.StateRegistered), Src: []string{string(domain.StateRegistered)}, Dst: string(domain.StateRegistered)},
	{Name: eventName(domain.ActionVerify, domain.StateFindable), Src: []string{string(domain.StateFindable)}, Dst: string(domain.StateFindable)},
	{Name: eventName(domain.ActionVerify, domain.StateDeleted), Src: []string{string(domain.StateDeleted)}, Dst: string(domain.StateDeleted)},
}

func eventName(a domain.Action, target domain.IdentifierState) string {
	return string(a) + ":" + string(target)
}

// transitionEvent names the table event for action from current. target
// only matters for mint; update and verify are keyed by the current state.
func transitionEvent(action domain.Action, current, target domain.IdentifierState) string {
	switch action {
	case domain.ActionMint:
		return eventName(action, target)
	case domain.ActionUpdate, domain.ActionVerify:
		return eventName(action, current)
	}
	return string(action)
}

// Next returns the state action leads to from current, or
// ErrIllegalTransition. target is the requested initial state for mint.
func Next(current domain.IdentifierState, action domain.Action, target domain.IdentifierState) (domain.IdentifierState, error) {
	machine := fsm.NewFSM(string(current), transitions, fsm.Callbacks{})
	event := transitionEvent(action, current, target)
	if !machine.Can(event) {
		return current, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, action, current)
	}
	err := machine.Event(context.Background(), event)
	var same fsm.NoTransitionError
	if err != nil && !errors.As(err, &same) {
		return current, fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, action, current, err)
	}
	return domain.IdentifierState(machine.Current()), nil
}
