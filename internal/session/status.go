package session

import (
	"context"

	"github.com/looplab/fsm"
)

// Transition events of the session status graph.
//
//	pending --pay--> paid --activate--> active --end--> ended
//	pending|paid --cancel--> cancelled
//	pending|paid --fail--> failed
//
// Free sessions reach paid through an explicit free-access grant (the same pay edge).
const (
	eventPay      = "pay"
	eventActivate = "activate"
	eventEnd      = "end"
	eventCancel   = "cancel"
	eventFail     = "fail"
)

var statusEvents = fsm.Events{
	{Name: eventPay, Src: []string{string(StatusPending)}, Dst: string(StatusPaid)},
	{Name: eventActivate, Src: []string{string(StatusPaid)}, Dst: string(StatusActive)},
	{Name: eventEnd, Src: []string{string(StatusActive)}, Dst: string(StatusEnded)},
	{Name: eventCancel, Src: []string{string(StatusPending), string(StatusPaid)}, Dst: string(StatusCancelled)},
	{Name: eventFail, Src: []string{string(StatusPending), string(StatusPaid)}, Dst: string(StatusFailed)},
}

func eventInto(to Status) string {
	switch to {
	case StatusPaid:
		return eventPay
	case StatusActive:
		return eventActivate
	case StatusEnded:
		return eventEnd
	case StatusCancelled:
		return eventCancel
	case StatusFailed:
		return eventFail
	default:
		return ""
	}
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	ev := eventInto(to)
	if ev == "" {
		return false
	}
	m := fsm.NewFSM(string(from), statusEvents, nil)
	return m.Can(ev)
}

// applyTransition runs the event on a throwaway machine so the edge check and the
// resulting status come from the same table.
func applyTransition(from, to Status) (Status, error) {
	ev := eventInto(to)
	if ev == "" {
		return from, ErrInvalidTransition
	}
	m := fsm.NewFSM(string(from), statusEvents, nil)
	if err := m.Event(context.Background(), ev); err != nil {
		return from, ErrInvalidTransition
	}
	return Status(m.Current()), nil
}
