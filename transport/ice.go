// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEServer names one STUN or TURN server. Username and Credential are
// empty for STUN.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// NewICEConfig converts configured servers to pion's form. Servers
// without URLs are skipped. With no servers the config gathers only
// host candidates, which is enough on one machine or one LAN.
func NewICEConfig(servers []ICEServer) ICEConfig {
	var config ICEConfig
	for _, server := range servers {
		if len(server.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		config.Servers = append(config.Servers, entry)
	}
	return config
}
