// Package establish brings up the relay's three connections in a fixed
// order: the local link peer first (Control, then Interrupt), then the
// remote TCP peer. A session only exists once all three are connected.
package establish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/relay"
	"github.com/1ureka/hidrelay/internal/socket"
	"github.com/1ureka/hidrelay/internal/util"
)

// ErrAcceptTimeout is returned when a peer does not connect within Timeout.
var ErrAcceptTimeout = errors.New("establish: accept timed out")

// Step names a point in the establishment sequence.
type Step int

const (
	StepListening     Step = iota // all three endpoints are open
	StepLinkWaiting               // waiting for the link peer
	StepLinkConnected             // both link channels accepted
	StepTCPWaiting                // waiting for the remote peer
	StepTCPConnected              // session complete
)

func (s Step) String() string {
	switch s {
	case StepListening:
		return "listening"
	case StepLinkWaiting:
		return "link-waiting"
	case StepLinkConnected:
		return "link-connected"
	case StepTCPWaiting:
		return "tcp-waiting"
	default:
		return "tcp-connected"
	}
}

// Event describes one step. Addr is the endpoint being waited on for the
// waiting steps and the peer address for the connected steps.
type Event struct {
	Step Step
	Addr string
}

// Sequencer opens the listeners and accepts the three peers.
type Sequencer struct {
	Link    link.Provider
	TCPAddr string
	// Timeout bounds each accept. Zero waits until ctx is done.
	Timeout time.Duration
	// OnStep, if set, is called as each step is reached.
	OnStep func(Event)
}

// Run establishes a session. On any failure every endpoint opened so far is
// closed and the error is returned; there is no retry.
func (q *Sequencer) Run(ctx context.Context) (*relay.Session, error) {
	var opened []io.Closer
	release := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i].Close()
		}
	}

	ctrlL, err := q.Link.Listen(protocol.Control)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", protocol.Control, err)
	}
	opened = append(opened, ctrlL)

	intrL, err := q.Link.Listen(protocol.Interrupt)
	if err != nil {
		release()
		return nil, fmt.Errorf("listen %s: %w", protocol.Interrupt, err)
	}
	opened = append(opened, intrL)

	tcpL, err := socket.ListenTCP(q.TCPAddr)
	if err != nil {
		release()
		return nil, err
	}
	opened = append(opened, tcpL)
	util.LogDebug("listening: control %s, interrupt %s, tcp %s", ctrlL.Addr(), intrL.Addr(), tcpL.Addr())
	q.step(StepListening, tcpL.Addr())

	// Phase 1: the link peer.
	q.step(StepLinkWaiting, ctrlL.Addr())
	ctrl, err := q.accept(ctx, ctrlL, protocol.Control.String())
	if err != nil {
		release()
		return nil, err
	}
	opened = append(opened, ctrl)
	util.LogSuccess("control channel connected: %s", ctrl.RemoteAddr())

	intr, err := q.accept(ctx, intrL, protocol.Interrupt.String())
	if err != nil {
		release()
		return nil, err
	}
	opened = append(opened, intr)
	util.LogSuccess("interrupt channel connected: %s", intr.RemoteAddr())
	q.step(StepLinkConnected, ctrl.RemoteAddr())

	// Phase 2: the remote peer.
	q.step(StepTCPWaiting, tcpL.Addr())
	tcp, err := q.accept(ctx, tcpL, "tcp")
	if err != nil {
		release()
		return nil, err
	}
	util.LogSuccess("tcp peer connected: %s", tcp.RemoteAddr())
	q.step(StepTCPConnected, tcp.RemoteAddr())

	return relay.NewSession(tcp, ctrl, intr, ctrlL, intrL, tcpL), nil
}

func (q *Sequencer) accept(ctx context.Context, l link.Listener, what string) (socket.Socket, error) {
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, q.Timeout, ErrAcceptTimeout)
		defer cancel()
	}
	s, err := l.Accept(ctx)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrAcceptTimeout) {
			err = cause
		}
		return nil, fmt.Errorf("accept %s: %w", what, err)
	}
	return s, nil
}

func (q *Sequencer) step(s Step, addr string) {
	if q.OnStep != nil {
		q.OnStep(Event{Step: s, Addr: addr})
	}
}
