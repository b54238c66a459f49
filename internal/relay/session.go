// Package relay moves frames between one TCP peer and the two local link
// channels. A single goroutine runs the Engine; it owns every descriptor
// in the Session and suspends only inside poll(2).
package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
	"github.com/1ureka/hidrelay/internal/util"
)

// State is the lifecycle phase of a Session.
type State int32

const (
	Establishing State = iota
	Relaying
	Terminated
)

func (s State) String() string {
	switch s {
	case Establishing:
		return "establishing"
	case Relaying:
		return "relaying"
	default:
		return "terminated"
	}
}

// Session owns the three connected sockets of one relay run and the
// listeners they were accepted from. It exists only once all three peers
// are connected.
type Session struct {
	TCP       socket.Socket
	Control   socket.Socket
	Interrupt socket.Socket

	listeners []io.Closer
	stop      atomic.Bool
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
	id        uint32
}

// NewSession takes ownership of the sockets and listeners.
func NewSession(tcp, control, interrupt socket.Socket, listeners ...io.Closer) *Session {
	s := &Session{
		TCP:       tcp,
		Control:   control,
		Interrupt: interrupt,
		listeners: listeners,
		id:        util.SessionID(tcp.RemoteAddr(), control.RemoteAddr(), interrupt.RemoteAddr()),
	}
	s.state.Store(int32(Establishing))
	return s
}

// ID is a short identifier derived from the peer addresses, used in logs.
func (s *Session) ID() uint32 { return s.id }

// Stop asks the engine to end the session at its next iteration. It is safe
// to call from any goroutine, including a signal handler's.
func (s *Session) Stop() { s.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool { return s.stop.Load() }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	// Terminated is final.
	for {
		cur := s.state.Load()
		if State(cur) == Terminated {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// link returns the link socket carrying ch.
func (s *Session) link(ch protocol.Channel) socket.Socket {
	if ch == protocol.Interrupt {
		return s.Interrupt
	}
	return s.Control
}

// Close releases every socket and listener exactly once and marks the
// session Terminated. Later calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Terminated))
		var errs []error
		for _, c := range []io.Closer{s.TCP, s.Control, s.Interrupt} {
			if c != nil {
				errs = append(errs, c.Close())
			}
		}
		for _, l := range s.listeners {
			errs = append(errs, l.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
