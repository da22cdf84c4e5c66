package transport

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/util"
)

// controlLabel and controlID identify the negotiated control channel. Both
// sides create it with the same id, so no OnDataChannel round trip is needed.
const (
	controlLabel = "control"
	controlID    = uint16(0)
)

// newAPI builds a pion API with the default codecs and interceptors and
// pion's logs routed through the application logger.
func newAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory()}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// newPeerConnection creates a PeerConnection using the configured STUN/TURN servers.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	api, err := newAPI(opts)
	if err != nil {
		return nil, err
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(opts.ICEServers),
	})
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// newControlChannel creates the pre-negotiated, ordered control channel.
func newControlChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := controlID

	return pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
