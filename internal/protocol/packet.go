// Package protocol defines the event envelope exchanged with the signaling relay.
package protocol

import (
	"strconv"

	"github.com/pion/webrtc/v4"
)

// EventType identifies the kind of relay event.
type EventType string

// Relay event types.
const (
	TypeRegister     EventType = "register"     // client announces its participant id
	TypeCallOffer    EventType = "callOffer"    // caller → callee, carries the offer
	TypeCallAnswer   EventType = "callAnswer"   // callee → caller, carries the answer
	TypeICECandidate EventType = "iceCandidate" // trickled ICE candidate, either direction
	TypeCallEnd      EventType = "callEnd"      // either side terminates the call
	TypeOnlineUsers  EventType = "onlineUsers"  // relay → clients, presence snapshot
)

// MaxFrameSize is the largest encoded event accepted on the wire.
const MaxFrameSize = 64 * 1024

// ParticipantID is the relay-level identity of a user. Zero means unknown.
type ParticipantID int64

func (id ParticipantID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseParticipantID parses a decimal participant id. Zero and negative ids are rejected.
func ParseParticipantID(s string) (ParticipantID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return ParticipantID(n), nil
}

// CallerInfo is the display data a caller attaches to its offer.
type CallerInfo struct {
	Username       string `json:"username,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Event is a single relay message.
type Event struct {
	Type      EventType                  `json:"type"`
	From      ParticipantID              `json:"from,omitempty"`
	To        ParticipantID              `json:"to,omitempty"`
	Signal    *webrtc.SessionDescription `json:"signal,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Caller    *CallerInfo                `json:"caller,omitempty"`
	Online    []ParticipantID            `json:"online,omitempty"`
}
