package socket

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// FD is a Socket over a raw descriptor. It is owned by one goroutine; only
// Close is safe to call concurrently.
type FD struct {
	fd          int
	name        string
	remote      string
	SendTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewFD takes ownership of fd and switches it to non-blocking mode.
func NewFD(fd int, name, remote string) (*FD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%s: set non-blocking: %w", name, err)
	}
	return &FD{fd: fd, name: name, remote: remote, SendTimeout: DefaultSendTimeout}, nil
}

// Fd returns the descriptor, or -1 once closed. poll(2) ignores negative
// descriptors.
func (s *FD) Fd() int {
	if s.closed.Load() {
		return -1
	}
	return s.fd
}

func (s *FD) Name() string       { return s.name }
func (s *FD) RemoteAddr() string { return s.remote }

// TryReceive performs one non-blocking read into p.
func (s *FD) TryReceive(p []byte) (int, Status, error) {
	if s.closed.Load() {
		return 0, Failed, ErrClosed
	}
	if len(p) == 0 {
		return 0, Failed, ErrEmptyBuffer
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil && n > 0:
			return n, Data, nil
		case err == nil:
			return 0, Closed, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, WouldBlock, nil
		default:
			return 0, Failed, fmt.Errorf("%s: receive: %w", s.name, err)
		}
	}
}

// SendAll writes every byte of p. A full send buffer is waited out with
// poll(2) for at most SendTimeout. A partial write followed by a failure is
// reported as an error. An empty p still makes one send, so a packet socket
// carries it as a zero-length record.
func (s *FD) SendAll(p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	deadline := time.Now().Add(s.SendTimeout)
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			p = p[n:]
			if len(p) == 0 {
				return nil
			}
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			if err := s.waitWritable(deadline); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: send: %w", s.name, err)
		}
	}
}

func (s *FD) waitWritable(deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%s: %w", s.name, ErrSendTimeout)
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
		count, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: poll for send: %w", s.name, err)
		}
		if count > 0 {
			// Errors and hangups surface on the next send.
			return nil
		}
	}
}

// Close releases the descriptor. Only the first call does anything; later
// calls return nil.
func (s *FD) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = unix.Close(s.fd)
		err = s.closeErr
	})
	return err
}

// Closed reports whether Close has been called.
func (s *FD) Closed() bool { return s.closed.Load() }

// FormatSockaddr renders a peer address for diagnostics.
func FormatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix"
		}
		return a.Name
	case nil:
		return "unknown"
	case *unix.SockaddrL2:
		return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X psm 0x%04X",
			a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Addr[4], a.Addr[5], a.PSM)
	default:
		return fmt.Sprintf("%T", sa)
	}
}
