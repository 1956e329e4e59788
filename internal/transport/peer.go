package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection with the default audio/video
// codecs and pion's logs routed through our logger.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory()}

	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: DefaultSTUNServers}}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: opts.CandidatePoolSize,
	})
}
