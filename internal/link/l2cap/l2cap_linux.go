// Package l2cap listens for Bluetooth L2CAP connections on the HID Control
// and Interrupt PSMs. Binding PSMs below 0x1001 needs root or
// CAP_NET_BIND_SERVICE.
package l2cap

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
)

// Provider binds L2CAP seqpacket sockets on the any-adapter address.
type Provider struct {
	// Backlog for each listener; the sequencer only ever accepts one peer.
	Backlog int
}

// New returns an L2CAP provider.
func New() *Provider { return &Provider{Backlog: 1} }

func (p *Provider) Name() string { return link.KindL2CAP }

// Listen binds PSM ch on BDADDR_ANY.
func (p *Provider) Listen(ch protocol.Channel) (link.Listener, error) {
	l, err := socket.ListenConfig{
		Family:  unix.AF_BLUETOOTH,
		Type:    unix.SOCK_SEQPACKET,
		Proto:   unix.BTPROTO_L2CAP,
		Addr:    &unix.SockaddrL2{PSM: ch.PSM()},
		Name:    "l2cap " + ch.String(),
		Backlog: p.Backlog,
	}.Listen()
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w (binding PSM 0x%04X requires root)", err, ch.PSM())
		}
		if errors.Is(err, unix.EAFNOSUPPORT) {
			return nil, fmt.Errorf("%w (no Bluetooth support in this kernel)", err)
		}
		return nil, err
	}
	return l, nil
}

func (p *Provider) Close() error { return nil }
