package app

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/util"
)

var endMessages = map[call.EndReason]string{
	call.ReasonLocalHangup: "you hung up",
	call.ReasonLocalReject: "call declined",
	call.ReasonRemoteEnd:   "the other side ended the call",
	call.ReasonLocalMedia:  "no local camera or microphone",
	call.ReasonNegotiation: "connection could not be established",
	call.ReasonTimeout:     "no answer",
	call.ReasonShutdown:    "shutting down",
	call.ReasonGlare:       "they called you at the same time, answering their call",
}

// peerName formats the remote participant for display.
func peerName(st call.State) string {
	if st.RemoteInfo.Username != "" {
		return fmt.Sprintf("%s (#%s)", st.RemoteInfo.Username, st.Remote)
	}
	return "#" + st.Remote.String()
}

// render prints one phase change.
func render(tr call.Transition) {
	st := tr.State
	switch tr.To {
	case call.PhaseRinging:
		pterm.Info.Printfln("Incoming call from %s", peerName(st))
	case call.PhaseDialing:
		pterm.Info.Printfln("Calling %s...", peerName(st))
	case call.PhaseConnecting:
		util.LogInfo("connecting to %s", peerName(st))
	case call.PhaseActive:
		util.LogSuccess("call with %s connected after %s", peerName(st), time.Since(st.Since).Round(time.Millisecond))
		for _, t := range st.RemoteStream.Tracks() {
			util.LogInfo("receiving %s track %s", t.Kind(), t.ID())
		}
	case call.PhaseEnded:
		msg, ok := endMessages[st.Reason]
		if !ok {
			msg = string(st.Reason)
		}
		if st.Err != nil {
			util.LogError("call with %s ended: %s (%v)", peerName(st), msg, st.Err)
			return
		}
		pterm.Info.Printfln("Call with %s ended: %s", peerName(st), msg)
	}
}
