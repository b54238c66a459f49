package rtclink

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sys/unix"

	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// messageChannel is the part of *webrtc.DataChannel the bridge uses.
type messageChannel interface {
	Label() string
	Send(data []byte) error
	Close() error
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// bridge carries one DataChannel over a unix seqpacket socketpair, so the
// relay sees an ordinary pollable descriptor with message boundaries intact.
// Each DataChannel message is one datagram and vice versa.
type bridge struct {
	dc          messageChannel
	ch          protocol.Channel
	conn        *net.UnixConn
	drainSignal chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	closed      atomic.Bool
}

// newBridge wires dc to a fresh socketpair and returns the application end
// as a raw descriptor. The caller owns that descriptor.
func newBridge(dc messageChannel, ch protocol.Channel) (*bridge, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("socketpair: %w", err)
	}

	f := os.NewFile(uintptr(fds[1]), "datachannel "+dc.Label())
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[0])
		return nil, -1, fmt.Errorf("bridge %s: %w", dc.Label(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &bridge{
		dc:          dc,
		ch:          ch,
		conn:        c.(*net.UnixConn),
		drainSignal: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case b.drainSignal <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(b.deliver)
	dc.OnClose(func() {
		util.LogDebug("datachannel %s closed", dc.Label())
		b.close()
	})

	go b.pump()
	return b, fds[0], nil
}

// deliver writes one inbound DataChannel message to the socketpair.
func (b *bridge) deliver(msg webrtc.DataChannelMessage) {
	if _, err := b.conn.Write(msg.Data); err != nil {
		select {
		case <-b.ctx.Done():
		default:
			util.LogDebug("datachannel %s: deliver: %v", b.dc.Label(), err)
		}
	}
}

// pump forwards every datagram the application writes to the DataChannel.
// It is the channel's single writer and applies the buffered-amount
// backpressure before each send.
func (b *bridge) pump() {
	defer b.close()

	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, _, _, _, err := b.conn.ReadMsgUnix(buf, nil)
		if err != nil {
			return
		}
		if n == 0 && b.appClosed() {
			return
		}

		if b.dc.BufferedAmount() > highWaterMark {
			select {
			case <-b.drainSignal:
			case <-b.ctx.Done():
				return
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := b.dc.Send(data); err != nil {
			util.LogError("datachannel %s: send: %v", b.dc.Label(), err)
			return
		}
	}
}

// appClosed reports whether the application end has hung up. On a
// seqpacket socket a zero-length read is either an empty record or end of
// stream; only the hangup flag tells them apart.
func (b *bridge) appClosed() bool {
	rc, err := b.conn.SyscallConn()
	if err != nil {
		return true
	}
	hup := true
	rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLRDHUP}}
		if _, err := unix.Poll(fds, 0); err == nil {
			hup = fds[0].Revents&(unix.POLLHUP|unix.POLLRDHUP) != 0
		}
	})
	return hup
}

// close tears down both directions. The application end then reads EOF.
// Closing the DataChannel may re-enter close through OnClose.
func (b *bridge) close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.conn.Close()
	b.dc.Close()
}
