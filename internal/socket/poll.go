package socket

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Event is the readiness reported for one polled item.
type Event uint8

const (
	Readable    Event = 1 << iota // data, EOF or hangup is waiting to be read
	Exceptional                   // error, invalid descriptor or urgent data
)

// Poller waits on several Pollables at once with poll(2). Its descriptor
// slice is reused between calls, so a Poller belongs to one goroutine.
type Poller struct {
	fds []unix.PollFd
}

// Wait blocks for at most timeout and returns one Event per item, in item
// order. A signal interrupting the wait counts as a timeout.
func (p *Poller) Wait(items []Pollable, timeout time.Duration) ([]Event, error) {
	if cap(p.fds) < len(items) {
		p.fds = make([]unix.PollFd, len(items))
	}
	p.fds = p.fds[:len(items)]
	for i, item := range items {
		p.fds[i] = unix.PollFd{Fd: int32(item.Fd()), Events: unix.POLLIN | unix.POLLPRI}
	}

	events := make([]Event, len(items))
	count, err := unix.Poll(p.fds, int(timeout.Milliseconds()))
	if err == unix.EINTR {
		return events, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if count == 0 {
		return events, nil
	}

	for i, fd := range p.fds {
		if fd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			events[i] |= Readable
		}
		if fd.Revents&(unix.POLLERR|unix.POLLNVAL|unix.POLLPRI) != 0 {
			events[i] |= Exceptional
		}
	}
	return events, nil
}
