// Package peer drives one WebRTC peer connection through a two-party call:
// local tracks in, offer/answer and candidates over a signaling channel,
// remote tracks and connectivity changes out.
package peer

import (
	"errors"

	"github.com/looplab/fsm"
)

type Role string

const (
	// RoleInitiator sends the offer.
	RoleInitiator Role = "initiator"
	// RoleResponder answers the first offer it receives and never offers.
	RoleResponder Role = "responder"
)

type State string

const (
	StateIdle        State = "idle"
	StateAcquiring   State = "acquiring_media"
	StateJoined      State = "joined"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	// StateDegraded is a transient connectivity loss; the call is still up.
	StateDegraded State = "degraded"
	StateError    State = "error"
	StateEnded    State = "ended"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateError || s == StateEnded }

var (
	ErrWrongRole        = errors.New("peer: operation not allowed for this role")
	ErrClosed           = errors.New("peer: controller closed")
	ErrNotJoined        = errors.New("peer: not joined to a signaling channel")
	ErrInvalidState     = errors.New("peer: operation not allowed in current state")
	ErrNegotiation      = errors.New("peer: negotiation failed")
	ErrConnectionFailed = errors.New("peer: connection failed")
	ErrNoTrack          = errors.New("peer: no such local track")
)

const (
	evAcquire   = "acquire"
	evJoin      = "join"
	evNegotiate = "negotiate"
	evConnect   = "connect"
	evDegrade   = "degrade"
	evFail      = "fail"
	evEnd       = "end"
)

var live = []string{
	string(StateIdle),
	string(StateAcquiring),
	string(StateJoined),
	string(StateNegotiating),
	string(StateConnected),
	string(StateDegraded),
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(string(StateIdle), fsm.Events{
		{Name: evAcquire, Src: []string{string(StateIdle)}, Dst: string(StateAcquiring)},
		{Name: evJoin, Src: []string{string(StateIdle), string(StateAcquiring)}, Dst: string(StateJoined)},
		{Name: evNegotiate, Src: []string{string(StateJoined)}, Dst: string(StateNegotiating)},
		{Name: evConnect, Src: []string{string(StateNegotiating), string(StateDegraded)}, Dst: string(StateConnected)},
		{Name: evDegrade, Src: []string{string(StateNegotiating), string(StateConnected)}, Dst: string(StateDegraded)},
		{Name: evFail, Src: live, Dst: string(StateError)},
		{Name: evEnd, Src: live, Dst: string(StateEnded)},
	}, nil)
}
