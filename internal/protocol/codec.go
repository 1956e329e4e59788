package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pion/webrtc/v4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed is returned by Decode for frames that are not valid events.
var ErrMalformed = errors.New("malformed event")

// Encode serializes an Event into a text frame for the relay channel.
func Encode(evt *Event) ([]byte, error) {
	if evt == nil || evt.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode deserializes a text frame into an Event and checks that the fields
// required by its type are present. Unknown types decode without error so
// that callers can skip them.
func Decode(data []byte) (*Event, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(data), MaxFrameSize)
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch evt.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeCallOffer:
		if evt.Signal == nil || evt.Signal.Type != webrtc.SDPTypeOffer {
			return nil, fmt.Errorf("%w: callOffer without offer signal", ErrMalformed)
		}
	case TypeCallAnswer:
		if evt.Signal == nil || evt.Signal.Type != webrtc.SDPTypeAnswer {
			return nil, fmt.Errorf("%w: callAnswer without answer signal", ErrMalformed)
		}
	case TypeICECandidate:
		if evt.Candidate == nil {
			return nil, fmt.Errorf("%w: iceCandidate without candidate", ErrMalformed)
		}
	}

	return &evt, nil
}

// Known reports whether t is an event type this package defines.
func Known(t EventType) bool {
	switch t {
	case TypeRegister, TypeCallOffer, TypeCallAnswer, TypeICECandidate, TypeCallEnd, TypeOnlineUsers:
		return true
	}
	return false
}
