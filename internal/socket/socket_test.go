package socket_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
)

// peer is the blocking far end of a socketpair.
type peer struct {
	fd   int
	once sync.Once
}

func (p *peer) write(t *testing.T, b []byte) {
	t.Helper()
	if _, err := unix.Write(p.fd, b); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
}

func (p *peer) read(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got, err := unix.Read(p.fd, buf)
	if err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	return buf[:got]
}

func (p *peer) close() { p.once.Do(func() { unix.Close(p.fd) }) }

// socketPair returns a non-blocking FD and the blocking peer descriptor.
func socketPair(t *testing.T, typ int) (*socket.FD, *peer) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	s, err := socket.NewFD(fds[0], "test", "pair")
	if err != nil {
		t.Fatalf("NewFD failed: %v", err)
	}
	p := &peer{fd: fds[1]}
	t.Cleanup(func() {
		s.Close()
		p.close()
	})
	return s, p
}

// TestTryReceiveStates walks one socket through WouldBlock, Data and Closed.
func TestTryReceiveStates(t *testing.T) {
	s, p := socketPair(t, unix.SOCK_SEQPACKET)
	buf := make([]byte, 256)

	if _, st, err := s.TryReceive(buf); st != socket.WouldBlock || err != nil {
		t.Fatalf("empty socket: got (%s, %v), want would-block", st, err)
	}

	p.write(t, []byte{0xA1, 0x01})
	n, st, err := s.TryReceive(buf)
	if st != socket.Data || err != nil {
		t.Fatalf("got (%s, %v), want data", st, err)
	}
	if !bytes.Equal(buf[:n], []byte{0xA1, 0x01}) {
		t.Fatalf("payload mismatch: % X", buf[:n])
	}

	p.close()
	if _, st, err := s.TryReceive(buf); st != socket.Closed || err != nil {
		t.Fatalf("after peer close: got (%s, %v), want closed", st, err)
	}
}

// TestSendAll verifies delivery and that a dead peer is an error.
func TestSendAll(t *testing.T) {
	s, p := socketPair(t, unix.SOCK_STREAM)

	payload := bytes.Repeat([]byte{0x5A}, 300)
	if err := s.SendAll(payload); err != nil {
		t.Fatalf("SendAll failed: %v", err)
	}
	var got []byte
	for len(got) < len(payload) {
		got = append(got, p.read(t, 512)...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d", len(got), len(payload))
	}

	if err := s.SendAll(nil); err != nil {
		t.Fatalf("empty SendAll failed: %v", err)
	}

	p.close()
	if err := s.SendAll([]byte{1}); err == nil {
		t.Fatal("expected error sending to a closed peer")
	}
}

// TestCloseIdempotent verifies double close and use after close.
func TestCloseIdempotent(t *testing.T) {
	s, _ := socketPair(t, unix.SOCK_SEQPACKET)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if s.Fd() != -1 {
		t.Errorf("Fd after close = %d, want -1", s.Fd())
	}
	if _, st, err := s.TryReceive(make([]byte, 8)); st != socket.Failed || !errors.Is(err, socket.ErrClosed) {
		t.Errorf("TryReceive after close: got (%s, %v)", st, err)
	}
	if err := s.SendAll([]byte{1}); !errors.Is(err, socket.ErrClosed) {
		t.Errorf("SendAll after close: got %v", err)
	}
}

// TestPollerReadiness verifies timeout and readable reporting.
func TestPollerReadiness(t *testing.T) {
	a, pa := socketPair(t, unix.SOCK_SEQPACKET)
	b, _ := socketPair(t, unix.SOCK_SEQPACKET)
	var poller socket.Poller
	items := []socket.Pollable{a, b}

	start := time.Now()
	events, err := poller.Wait(items, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if events[0] != 0 || events[1] != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("Wait returned early after %v", time.Since(start))
	}

	pa.write(t, []byte{0x01})
	events, err = poller.Wait(items, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if events[0]&socket.Readable == 0 || events[1] != 0 {
		t.Fatalf("expected only item 0 readable, got %v", events)
	}

	// A hangup is reported as readable so the read can classify it.
	pa.close()
	a.TryReceive(make([]byte, 8))
	events, err = poller.Wait(items, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if events[0]&socket.Readable == 0 {
		t.Fatalf("expected hangup to be readable, got %v", events)
	}
}

// TestFrameReaderPartialHeader delivers a header one byte at a time and
// checks that no frame is produced before the payload is complete.
func TestFrameReaderPartialHeader(t *testing.T) {
	s, p := socketPair(t, unix.SOCK_STREAM)
	r := socket.NewFrameReader(s)

	for _, b := range []byte{0x11, 0x00, 0x02} {
		p.write(t, []byte{b})
		if _, st, err := r.Next(); st != socket.WouldBlock || err != nil {
			t.Fatalf("after header byte 0x%02X: got (%s, %v), want would-block", b, st, err)
		}
		if !r.Pending() {
			t.Fatal("expected a pending frame")
		}
	}

	p.write(t, []byte{0x01})
	if _, st, _ := r.Next(); st != socket.WouldBlock {
		t.Fatalf("after first payload byte: got %s, want would-block", st)
	}

	p.write(t, []byte{0x02, 0x13})
	f, st, err := r.Next()
	if st != socket.Data || err != nil {
		t.Fatalf("got (%s, %v), want data", st, err)
	}
	if f.Channel != protocol.Control || !bytes.Equal(f.Payload, []byte{0x01, 0x02}) {
		t.Fatalf("frame mismatch: %+v", f)
	}
	// 0x13 stayed in the kernel buffer and starts the next frame.
	if _, st, _ := r.Next(); st != socket.WouldBlock {
		t.Fatalf("got %s, want would-block on partial second header", st)
	}
	if !r.Pending() {
		t.Fatal("expected the second frame to be pending")
	}
}

// TestFrameReaderConsecutiveFrames reads two frames written in one burst.
func TestFrameReaderConsecutiveFrames(t *testing.T) {
	s, p := socketPair(t, unix.SOCK_STREAM)
	r := socket.NewFrameReader(s)

	p.write(t, []byte{0x11, 0x00, 0x02, 0x01, 0x02, 0x13, 0x00, 0x01, 0xAA, 0x11, 0x00, 0x00})

	want := []protocol.Frame{
		{Channel: protocol.Control, Payload: []byte{0x01, 0x02}},
		{Channel: protocol.Interrupt, Payload: []byte{0xAA}},
		{Channel: protocol.Control, Payload: []byte{}},
	}
	for i, w := range want {
		f, st, err := r.Next()
		if st != socket.Data || err != nil {
			t.Fatalf("frame %d: got (%s, %v)", i, st, err)
		}
		if f.Channel != w.Channel || !bytes.Equal(f.Payload, w.Payload) {
			t.Fatalf("frame %d mismatch: got %+v, want %+v", i, f, w)
		}
	}
	if r.Pending() {
		t.Fatal("no frame should be pending")
	}
}

// TestFrameReaderInvalidChannel verifies the stream is rejected and stays
// rejected.
func TestFrameReaderInvalidChannel(t *testing.T) {
	s, p := socketPair(t, unix.SOCK_STREAM)
	r := socket.NewFrameReader(s)

	p.write(t, []byte{0x42, 0x00, 0x01, 0xFF})
	if _, st, err := r.Next(); st != socket.Failed || !errors.Is(err, protocol.ErrInvalidChannel) {
		t.Fatalf("got (%s, %v), want ErrInvalidChannel", st, err)
	}
	if _, st, err := r.Next(); st != socket.Failed || !errors.Is(err, protocol.ErrInvalidChannel) {
		t.Fatalf("second call: got (%s, %v), want ErrInvalidChannel", st, err)
	}
}

// TestFrameReaderClosedMidFrame verifies end of stream inside a payload.
func TestFrameReaderClosedMidFrame(t *testing.T) {
	s, p := socketPair(t, unix.SOCK_STREAM)
	r := socket.NewFrameReader(s)

	p.write(t, []byte{0x13, 0x00, 0x04, 0x01})
	if _, st, _ := r.Next(); st != socket.WouldBlock {
		t.Fatalf("got %s, want would-block", st)
	}
	p.close()
	if _, st, _ := r.Next(); st != socket.Closed {
		t.Fatalf("got %s, want closed", st)
	}
}

// TestListenTCPAccept accepts one loopback connection and checks Nagle is off.
func TestListenTCPAccept(t *testing.T) {
	l, err := socket.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}
	defer l.Close()

	client, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatalf("Dial %s failed: %v", l.Addr(), err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer conn.Close()

	noDelay, err := unix.GetsockoptInt(conn.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	if err != nil {
		t.Fatalf("getsockopt failed: %v", err)
	}
	if noDelay == 0 {
		t.Error("TCP_NODELAY not set on accepted socket")
	}
	if conn.RemoteAddr() != client.LocalAddr().String() {
		t.Errorf("RemoteAddr = %q, want %q", conn.RemoteAddr(), client.LocalAddr().String())
	}

	if _, err := client.Write([]byte{0x11, 0x00, 0x00}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	var poller socket.Poller
	if _, err := poller.Wait([]socket.Pollable{conn}, time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	f, st, err := socket.NewFrameReader(conn).Next()
	if st != socket.Data || err != nil || f.Channel != protocol.Control || len(f.Payload) != 0 {
		t.Fatalf("got (%+v, %s, %v)", f, st, err)
	}
}

// TestAcceptHonoursContext verifies a blocked Accept returns when the
// context is cancelled and that Close is idempotent.
func TestAcceptHonoursContext(t *testing.T) {
	l, err := socket.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := l.Accept(context.Background()); !errors.Is(err, socket.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
