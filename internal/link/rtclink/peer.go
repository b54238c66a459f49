package rtclink

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/util"
)

// DefaultICEServers are used when none are configured. No TURN: both sides
// are expected to reach each other directly.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection with the given STUN/TURN URLs.
// Loopback candidates are only gathered when asked for, which lets two
// peers on one host find each other without a network.
func newPeerConnection(iceServers []string, loopback bool) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(loopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// watchState returns a channel that is closed once pc reaches Failed or
// Closed. onEnd, if set, runs at that moment.
func watchState(pc *webrtc.PeerConnection, onEnd func()) <-chan struct{} {
	dead := make(chan struct{})
	var once sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			once.Do(func() {
				close(dead)
				if onEnd != nil {
					onEnd()
				}
			})
		}
	})
	return dead
}

// channelLabel is the DataChannel label carrying ch.
func channelLabel(ch protocol.Channel) string {
	if ch == protocol.Interrupt {
		return "intr"
	}
	return "ctrl"
}

// channelID is the pre-negotiated stream id for ch.
func channelID(ch protocol.Channel) uint16 {
	if ch == protocol.Interrupt {
		return 1
	}
	return 0
}

// newDataChannel creates the pre-negotiated, ordered DataChannel for ch.
// Negotiated mode lets both sides create it independently. Ordered delivery
// matches the in-order guarantee of an L2CAP channel.
func newDataChannel(pc *webrtc.PeerConnection, ch protocol.Channel) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := channelID(ch)

	return pc.CreateDataChannel(channelLabel(ch), &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
