package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/kyccall/internal/config"
)

// ICEConfig is what every PeerConnection is built with.
type ICEConfig struct {
	STUNURLs       []string
	TURNURL        string
	TURNUsername   string
	TURNCredential string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Gather loopback host candidates; needed when both ends share a host.
	IncludeLoopback bool
}

// DefaultICEConfig matches config.Default without any server URLs.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       60 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

func ICEConfigFrom(c config.ICE) ICEConfig {
	return ICEConfig{
		STUNURLs:            append([]string(nil), c.STUNURLs...),
		TURNURL:             c.TURNURL,
		TURNUsername:        c.TURNUsername,
		TURNCredential:      c.TURNCredential,
		DisconnectedTimeout: time.Duration(c.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(c.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(c.KeepAliveIntervalSec) * time.Second,
		IncludeLoopback:     c.IncludeLoopback,
	}
}

// Servers renders the STUN entries and, when configured, the TURN relay.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: append([]string(nil), c.STUNURLs...)})
	}
	if c.TURNURL != "" {
		out = append(out, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return out
}

func (c ICEConfig) settingEngine() webrtc.SettingEngine {
	def := DefaultICEConfig()
	disc, failed, keep := c.DisconnectedTimeout, c.FailedTimeout, c.KeepAliveInterval
	if disc <= 0 {
		disc = def.DisconnectedTimeout
	}
	if failed <= 0 {
		failed = def.FailedTimeout
	}
	if keep <= 0 {
		keep = def.KeepAliveInterval
	}
	// A brief relay/NAT hiccup must not end the call; pion's 5s default is
	// too short for relay paths.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disc, failed, keep)
	if c.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return se
}
