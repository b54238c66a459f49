// Package socket provides a uniform non-blocking handle over the raw
// descriptors the relay owns: the TCP peer connection and the two link
// channels. Every handle exposes its descriptor so a single poll(2) call can
// wait on all of them. The descriptor-backed types are Linux only.
package socket

import (
	"errors"
	"time"
)

// Status is the outcome of a non-blocking receive.
type Status uint8

const (
	Data       Status = iota // bytes were read
	WouldBlock               // nothing available right now
	Closed                   // orderly end of stream
	Failed                   // socket error; see the returned error
)

func (s Status) String() string {
	switch s {
	case Data:
		return "data"
	case WouldBlock:
		return "would-block"
	case Closed:
		return "closed"
	default:
		return "failed"
	}
}

// DefaultSendTimeout bounds how long SendAll waits for a full send buffer
// to drain before giving up.
const DefaultSendTimeout = 2 * time.Second

var (
	ErrClosed      = errors.New("socket: use of closed socket")
	ErrSendTimeout = errors.New("socket: send timed out")
	ErrEmptyBuffer = errors.New("socket: receive into empty buffer")
)

// Pollable is anything the Poller can wait on.
type Pollable interface {
	Fd() int
}

// Receiver is the receive half of a Socket.
type Receiver interface {
	TryReceive(p []byte) (int, Status, error)
}

// Socket is a non-blocking, pollable byte channel.
type Socket interface {
	Pollable
	Receiver
	SendAll(p []byte) error
	Close() error
	Name() string
	RemoteAddr() string
}
