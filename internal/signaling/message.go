// Package signaling carries connection-negotiation messages between the two
// participants of one call over a named, ordered, at-least-once topic.
package signaling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	// KindHangup is sent best-effort on teardown so the other side can end promptly.
	KindHangup Kind = "hangup"
)

// Message is the wire shape on every signaling transport.
// From is the sender's participant id; ID identifies one logical message so
// redelivered copies can be dropped.
type Message struct {
	Kind      Kind                       `json:"type"`
	ID        string                     `json:"id"`
	From      string                     `json:"from"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	// ReplyTo is set on answers to the ID of the offer being answered.
	ReplyTo   string                     `json:"reply_to,omitempty"`
}

var (
	ErrMalformed   = errors.New("signaling: malformed message")
	ErrChannelFull = errors.New("signaling: channel already has two participants")
	ErrClosed      = errors.New("signaling: channel closed")
	// ErrParticipantTaken means the participant id already has a live
	// subscription on the channel.
	ErrParticipantTaken = errors.New("signaling: participant already subscribed")
)

func NewOffer(from string, sd webrtc.SessionDescription) Message {
	return Message{Kind: KindOffer, ID: uuid.NewString(), From: from, SDP: &sd}
}

func NewAnswer(from, offerID string, sd webrtc.SessionDescription) Message {
	return Message{Kind: KindAnswer, ID: uuid.NewString(), From: from, SDP: &sd, ReplyTo: offerID}
}

func NewCandidate(from string, c webrtc.ICECandidateInit) Message {
	return Message{Kind: KindCandidate, ID: uuid.NewString(), From: from, Candidate: &c}
}

func NewHangup(from string) Message {
	return Message{Kind: KindHangup, ID: uuid.NewString(), From: from}
}

// Validate checks the envelope and parses any session description, so nothing
// malformed reaches a peer connection.
func (m Message) Validate() error {
	if m.ID == "" || m.From == "" {
		return fmt.Errorf("%w: missing id or sender", ErrMalformed)
	}
	switch m.Kind {
	case KindOffer:
		return validateSDP(m.SDP, webrtc.SDPTypeOffer)
	case KindAnswer:
		return validateSDP(m.SDP, webrtc.SDPTypeAnswer)
	case KindCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", ErrMalformed)
		}
		return nil
	case KindHangup:
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Kind)
	}
}

func validateSDP(sd *webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd == nil || sd.SDP == "" {
		return fmt.Errorf("%w: missing sdp", ErrMalformed)
	}
	if sd.Type != want {
		return fmt.Errorf("%w: sdp type %s, want %s", ErrMalformed, sd.Type, want)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: sdp has no media sections", ErrMalformed)
	}
	return nil
}
