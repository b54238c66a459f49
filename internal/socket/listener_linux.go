package socket

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// acceptPollMillis is how long one poll(2) slice of Accept lasts before the
// context is checked again.
const acceptPollMillis = 100

// ListenConfig describes a raw listening endpoint.
type ListenConfig struct {
	Family, Type, Proto int
	Addr                unix.Sockaddr
	Name                string
	Backlog             int

	// Control runs on the listening descriptor before bind.
	Control func(fd int) error
	// Setup runs on every accepted descriptor.
	Setup func(fd int) error
	// Cleanup runs once after the listening descriptor is closed.
	Cleanup func()
}

// Listener is a non-blocking listening descriptor with a context-aware,
// blocking Accept.
type Listener struct {
	fd      int
	name    string
	addr    string
	setup   func(fd int) error
	cleanup func()

	closed    atomic.Bool
	closeOnce sync.Once
}

// Listen creates, binds and listens on the configured endpoint.
func (c ListenConfig) Listen() (*Listener, error) {
	fd, err := unix.Socket(c.Family, c.Type|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, c.Proto)
	if err != nil {
		return nil, fmt.Errorf("%s: socket: %w", c.Name, err)
	}
	if c.Control != nil {
		if err := c.Control(fd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	if err := unix.Bind(fd, c.Addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: bind: %w", c.Name, err)
	}
	backlog := c.Backlog
	if backlog <= 0 {
		backlog = 1
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: listen: %w", c.Name, err)
	}

	addr := FormatSockaddr(c.Addr)
	if sa, err := unix.Getsockname(fd); err == nil {
		addr = FormatSockaddr(sa)
	}

	return &Listener{
		fd:      fd,
		name:    c.Name,
		addr:    addr,
		setup:   c.Setup,
		cleanup: c.Cleanup,
	}, nil
}

// ListenTCP listens on a host:port with SO_REUSEADDR and Nagle disabled on
// both the listener and every accepted connection. An empty host means all
// IPv4 interfaces.
func ListenTCP(address string) (*Listener, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("tcp listen %q: invalid port", address)
	}

	var family int
	var sa unix.Sockaddr
	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return nil, fmt.Errorf("tcp listen %q: host must be an IP literal", address)
		}
	}
	if ip4 := ip.To4(); ip4 != nil {
		a := &unix.SockaddrInet4{Port: port}
		copy(a.Addr[:], ip4)
		family, sa = unix.AF_INET, a
	} else {
		a := &unix.SockaddrInet6{Port: port}
		copy(a.Addr[:], ip.To16())
		family, sa = unix.AF_INET6, a
	}

	return ListenConfig{
		Family: family,
		Type:   unix.SOCK_STREAM,
		Addr:   sa,
		Name:   "tcp",
		Control: func(fd int) error {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				return fmt.Errorf("SO_REUSEADDR: %w", err)
			}
			return setNoDelay(fd)
		},
		Setup: setNoDelay,
	}.Listen()
}

func setNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("TCP_NODELAY: %w", err)
	}
	return nil
}

// Addr returns the bound address, with the real port when port 0 was asked.
func (l *Listener) Addr() string { return l.addr }

// Name returns the listener's diagnostic name.
func (l *Listener) Name() string { return l.name }

// Accept blocks until one peer connects or ctx is done. The accepted socket
// is already non-blocking.
func (l *Listener) Accept(ctx context.Context) (Socket, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.closed.Load() {
			return nil, fmt.Errorf("%s: accept: %w", l.name, ErrClosed)
		}

		fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(fds, acceptPollMillis)
		if err == unix.EINTR || (err == nil && count == 0) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: poll: %w", l.name, err)
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return nil, fmt.Errorf("%s: listener error (revents 0x%x)", l.name, fds[0].Revents)
		}

		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
			continue
		default:
			return nil, fmt.Errorf("%s: accept: %w", l.name, err)
		}

		if l.setup != nil {
			if err := l.setup(nfd); err != nil {
				unix.Close(nfd)
				return nil, fmt.Errorf("%s: %w", l.name, err)
			}
		}
		conn, err := NewFD(nfd, l.name, FormatSockaddr(sa))
		if err != nil {
			unix.Close(nfd)
			return nil, err
		}
		return conn, nil
	}
}

// Close releases the listening descriptor. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = unix.Close(l.fd)
		if l.cleanup != nil {
			l.cleanup()
		}
	})
	return err
}
