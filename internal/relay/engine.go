package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
	"github.com/1ureka/hidrelay/internal/traffic"
	"github.com/1ureka/hidrelay/internal/util"
)

var (
	ErrPeerClosed   = errors.New("relay: peer closed connection")
	ErrSocket       = errors.New("relay: socket error")
	ErrSend         = errors.New("relay: send failed")
	ErrProtocol     = errors.New("relay: protocol violation")
	ErrFrameStalled = errors.New("relay: partial frame stalled")
)

// Options tune the relay loop.
type Options struct {
	// PollInterval bounds each readiness wait and therefore stop latency.
	PollInterval time.Duration
	// ReadBufferSize is the most a single link read may return.
	ReadBufferSize int
	// FrameTimeout terminates the session when a TCP frame stays
	// incomplete for longer than this. Zero waits indefinitely.
	FrameTimeout time.Duration
	// StatsInterval is the period of the rate report. Zero disables it.
	StatsInterval time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns the reference loop settings.
func DefaultOptions() Options {
	return Options{
		PollInterval:   100 * time.Millisecond,
		ReadBufferSize: 256,
	}
}

// Engine relays frames for one Session until a leg drops, a send fails,
// the peer violates the protocol, or Stop is called.
type Engine struct {
	session *Session
	log     *traffic.Logger
	opts    Options

	stats    util.Stats
	reporter *util.StatsReporter
	reader   *socket.FrameReader
	poller   socket.Poller
	buf      []byte
}

// NewEngine returns an engine for session. Zero-valued options fall back
// to DefaultOptions.
func NewEngine(session *Session, log *traffic.Logger, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = def.ReadBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		session: session,
		log:     log,
		opts:    opts,
		reader:  socket.NewFrameReader(session.TCP),
		buf:     make([]byte, opts.ReadBufferSize),
	}
	e.reader.SetClock(opts.Now)
	e.reporter = util.NewStatsReporter(&e.stats, opts.StatsInterval, opts.Now())
	return e
}

// Stats returns the running totals. Safe to read from other goroutines.
func (e *Engine) Stats() *util.Stats { return &e.stats }

// Run relays until the session ends. It returns nil when the session was
// stopped, either by Session.Stop or by ctx, and otherwise an error wrapping
// one of the package's sentinel errors. The session is closed before Run
// returns.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.session.Stop)
	defer stop()
	defer func() {
		if err := e.session.Close(); err != nil {
			util.LogDebug("[%08x] close: %v", e.session.ID(), err)
		}
	}()

	e.session.setState(Relaying)
	util.LogSuccess("[%08x] relaying %s <-> %s, %s", e.session.ID(),
		e.session.TCP.RemoteAddr(), e.session.Control.RemoteAddr(), e.session.Interrupt.RemoteAddr())

	items := []socket.Pollable{e.session.TCP, e.session.Control, e.session.Interrupt}
	for {
		if e.session.Stopped() {
			util.LogInfo("[%08x] stop requested", e.session.ID())
			return nil
		}

		events, err := e.poller.Wait(items, e.opts.PollInterval)
		if err != nil {
			return e.terminate(fmt.Errorf("%w: %w", ErrSocket, err))
		}
		if err := e.handle(events); err != nil {
			return e.terminate(err)
		}
		if err := e.housekeeping(); err != nil {
			return e.terminate(err)
		}
	}
}

func (e *Engine) terminate(err error) error {
	util.LogError("[%08x] session ended: %v", e.session.ID(), err)
	return err
}

// handle processes one poll result. The first terminating event ends the
// iteration.
func (e *Engine) handle(events []socket.Event) error {
	socks := []socket.Socket{e.session.TCP, e.session.Control, e.session.Interrupt}
	for i, ev := range events {
		if ev&socket.Exceptional != 0 {
			return fmt.Errorf("%w: exceptional condition on %s", ErrSocket, socks[i].Name())
		}
	}

	if events[0]&socket.Readable != 0 {
		if err := e.fromRemote(); err != nil {
			return err
		}
	}
	if events[1]&socket.Readable != 0 {
		if err := e.fromLocal(protocol.Control, e.session.Control); err != nil {
			return err
		}
	}
	if events[2]&socket.Readable != 0 {
		if err := e.fromLocal(protocol.Interrupt, e.session.Interrupt); err != nil {
			return err
		}
	}
	return nil
}

// fromRemote advances the TCP frame reader and forwards a completed frame
// to the matching link channel.
func (e *Engine) fromRemote() error {
	tcp := e.session.TCP
	f, st, err := e.reader.Next()
	switch st {
	case socket.WouldBlock:
		return nil
	case socket.Closed:
		return fmt.Errorf("%w: %s", ErrPeerClosed, tcp.Name())
	case socket.Failed:
		if errors.Is(err, protocol.ErrInvalidChannel) {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}

	if err := e.log.Log(traffic.Remote, f.Channel, f.Payload); err != nil {
		util.LogWarning("traffic log write failed: %v", err)
	}
	e.stats.AddRemote(len(f.Payload))

	dst := e.session.link(f.Channel)
	if err := dst.SendAll(f.Payload); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// fromLocal performs one bounded read on a link channel and forwards the
// bytes to TCP as a single frame.
func (e *Engine) fromLocal(ch protocol.Channel, src socket.Socket) error {
	n, st, err := src.TryReceive(e.buf)
	switch st {
	case socket.WouldBlock:
		return nil
	case socket.Closed:
		return fmt.Errorf("%w: %s", ErrPeerClosed, src.Name())
	case socket.Failed:
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}

	payload := e.buf[:n]
	if err := e.log.Log(traffic.Local, ch, payload); err != nil {
		util.LogWarning("traffic log write failed: %v", err)
	}
	e.stats.AddLocal(n)

	frame, err := protocol.Encode(ch, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := e.session.TCP.SendAll(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

func (e *Engine) housekeeping() error {
	now := e.opts.Now()
	e.reporter.Tick(now)

	if e.opts.FrameTimeout > 0 && e.reader.Pending() {
		if age := now.Sub(e.reader.PendingSince()); age > e.opts.FrameTimeout {
			return fmt.Errorf("%w: incomplete for %s", ErrFrameStalled, age.Round(time.Millisecond))
		}
	}
	return nil
}
