// Package link defines how the relay obtains its two local link channels.
// A Provider opens one listening endpoint per channel; the sequencer accepts
// exactly one peer on each.
package link

import (
	"context"
	"fmt"

	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
)

// Listener yields connected link channel sockets.
type Listener interface {
	Accept(ctx context.Context) (socket.Socket, error)
	Addr() string
	Close() error
}

// Provider opens link channel listeners of one kind.
type Provider interface {
	// Name identifies the provider in banners and diagnostics.
	Name() string
	// Listen opens the listening endpoint for ch.
	Listen(ch protocol.Channel) (Listener, error)
	// Close releases provider-wide resources. Listeners are closed separately.
	Close() error
}

// Kinds of providers selectable from configuration.
const (
	KindL2CAP  = "l2cap"
	KindUnix   = "unix"
	KindWebRTC = "webrtc"
)

// ErrUnknownKind is returned for an unsupported provider name.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("link: unknown provider %q (want %s, %s or %s)", string(e), KindL2CAP, KindUnix, KindWebRTC)
}
