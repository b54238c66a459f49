// Package rtclink carries the two link channels over WebRTC, for a link
// peer that is not within radio range of the relay. The relay runs a
// PIN-guarded WebSocket signaling endpoint; the remote peer connects, the
// relay offers, and two pre-negotiated ordered DataChannels ("ctrl" id 0,
// "intr" id 1) stand in for the Control and Interrupt channels.
//
// Each DataChannel is bridged onto a unix seqpacket socketpair so the relay
// polls it like any other descriptor.
package rtclink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
	"github.com/1ureka/hidrelay/internal/util"
)

var (
	ErrClosed          = errors.New("rtclink: provider closed")
	ErrAlreadyListened = errors.New("rtclink: channel already has a listener")
)

// Config configures the signaling endpoint and ICE.
type Config struct {
	// Addr is the signaling listen address, e.g. ":8765". Port 0 picks one.
	Addr string
	// PIN guards the signaling endpoint. Empty generates a 4-digit PIN.
	PIN string
	// ICEServers are STUN/TURN URLs. Nil uses DefaultICEServers; an empty
	// non-nil slice disables them.
	ICEServers []string
	// Loopback also gathers loopback candidates.
	Loopback bool
}

// Provider negotiates one PeerConnection with the first peer that presents
// the PIN, then hands out the two bridged channels through its listeners.
type Provider struct {
	cfg Config
	srv *server

	startOnce sync.Once
	startErr  error
	addr      string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[protocol.Channel]*listener
	bridges   []*bridge
	pc        *webrtc.PeerConnection
	failErr   error
	failed    chan struct{}
	closeOnce sync.Once
}

// New returns a provider. Nothing listens until the first Listen.
func New(cfg Config) *Provider {
	if cfg.PIN == "" {
		cfg.PIN = generatePIN(4)
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:       cfg,
		srv:       newServer(cfg.PIN),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[protocol.Channel]*listener),
		failed:    make(chan struct{}),
	}
}

func (p *Provider) Name() string { return link.KindWebRTC }

// PIN returns the PIN the remote peer must present.
func (p *Provider) PIN() string { return p.cfg.PIN }

// Addr returns the bound signaling address once started.
func (p *Provider) Addr() string { return p.addr }

// Start binds the signaling endpoint and begins waiting for the peer. Listen
// calls it implicitly.
func (p *Provider) Start() error {
	p.startOnce.Do(func() {
		addr, err := p.srv.start(p.cfg.Addr)
		if err != nil {
			p.startErr = err
			return
		}
		p.addr = addr
		util.LogInfo("signaling on ws://%s/ws (PIN %s)", addr, p.cfg.PIN)
		go p.negotiate()
	})
	return p.startErr
}

// Listen returns the listener for ch.
func (p *Provider) Listen(ch protocol.Channel) (link.Listener, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("rtclink: %w", protocol.ErrInvalidChannel)
	}
	if err := p.Start(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.listeners[ch]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListened, ch)
	}
	l := &listener{
		p:      p,
		ch:     ch,
		queue:  make(chan socket.Socket, 1),
		closed: make(chan struct{}),
	}
	p.listeners[ch] = l
	return l, nil
}

// negotiate waits for the signaling peer and sets up the PeerConnection.
func (p *Provider) negotiate() {
	wsConn, err := p.srv.waitForClient(p.ctx)
	if err != nil {
		p.fail(err)
		return
	}
	defer wsConn.Close()
	util.LogInfo("signaling peer connected from %s", wsConn.RemoteAddr())

	pc, err := newPeerConnection(p.cfg.ICEServers, p.cfg.Loopback)
	if err != nil {
		p.fail(fmt.Errorf("PeerConnection: %w", err))
		return
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	dead := watchState(pc, p.closeBridges)

	var wg sync.WaitGroup
	for _, ch := range protocol.Channels {
		ch := ch
		dc, err := newDataChannel(pc, ch)
		if err != nil {
			p.fail(fmt.Errorf("DataChannel %s: %w", ch, err))
			return
		}
		wg.Add(1)
		var once sync.Once
		dc.OnOpen(func() {
			once.Do(func() {
				defer wg.Done()
				p.open(dc, ch)
			})
		})
	}

	ready := make(chan struct{})
	go func() {
		wg.Wait()
		close(ready)
	}()

	if err := exchange(p.ctx, wsConn, pc, true, ready, dead); err != nil {
		p.fail(err)
		return
	}
	util.LogSuccess("WebRTC link established, signaling closed")
	p.srv.close()
}

// open bridges an opened DataChannel and queues it for its listener.
func (p *Provider) open(dc *webrtc.DataChannel, ch protocol.Channel) {
	b, fd, err := newBridge(dc, ch)
	if err != nil {
		p.fail(err)
		return
	}
	s, err := socket.NewFD(fd, "webrtc "+ch.String(), "datachannel "+dc.Label())
	if err != nil {
		b.close()
		p.fail(err)
		return
	}

	p.mu.Lock()
	p.bridges = append(p.bridges, b)
	l := p.listeners[ch]
	p.mu.Unlock()

	if l == nil || !l.offer(s) {
		util.LogWarning("datachannel %s opened with no listener", dc.Label())
		s.Close()
	}
}

// fail records the first negotiation error and wakes every Accept.
func (p *Provider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return
	}
	p.failErr = err
	close(p.failed)
}

func (p *Provider) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failErr
}

func (p *Provider) closeBridges() {
	p.mu.Lock()
	bridges := p.bridges
	p.mu.Unlock()
	for _, b := range bridges {
		b.close()
	}
}

// Close stops signaling and tears down the PeerConnection. Sockets already
// handed out read EOF afterwards.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.fail(ErrClosed)
		p.cancel()
		p.srv.close()
		p.closeBridges()
		p.mu.Lock()
		pc := p.pc
		p.mu.Unlock()
		if pc != nil {
			err = pc.Close()
		}
	})
	return err
}

// listener hands out the single bridged socket for one channel.
type listener struct {
	p         *Provider
	ch        protocol.Channel
	queue     chan socket.Socket
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) offer(s socket.Socket) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.queue <- s:
		return true
	default:
		return false
	}
}

// Accept waits for the channel's DataChannel to open.
func (l *listener) Accept(ctx context.Context) (socket.Socket, error) {
	select {
	case s := <-l.queue:
		return s, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.p.failed:
		// A channel that opened just before the failure is still usable.
		select {
		case s := <-l.queue:
			return s, nil
		default:
		}
		return nil, fmt.Errorf("webrtc %s: %w", l.ch, l.p.err())
	}
}

func (l *listener) Addr() string {
	return fmt.Sprintf("ws://%s/ws datachannel %s", l.p.Addr(), channelLabel(l.ch))
}

// Close releases a socket that was never accepted.
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		select {
		case s := <-l.queue:
			s.Close()
		default:
		}
	})
	return nil
}

// Conn is the link-peer side of an established WebRTC link.
type Conn struct {
	Control   net.Conn
	Interrupt net.Conn

	pc      *webrtc.PeerConnection
	bridges []*bridge
}

// Dial connects to a relay's signaling URL as the link peer and returns
// once both channels are open. Each net.Conn preserves message boundaries.
func Dial(ctx context.Context, url string, iceServers []string, loopback bool) (*Conn, error) {
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	wsConn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()

	pc, err := newPeerConnection(iceServers, loopback)
	if err != nil {
		return nil, fmt.Errorf("PeerConnection: %w", err)
	}

	c := &Conn{pc: pc}
	dead := watchState(pc, nil)
	var mu sync.Mutex
	var openErr error
	var wg sync.WaitGroup
	for _, ch := range protocol.Channels {
		ch := ch
		dc, err := newDataChannel(pc, ch)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("DataChannel %s: %w", ch, err)
		}
		wg.Add(1)
		var once sync.Once
		dc.OnOpen(func() {
			once.Do(func() {
				defer wg.Done()
				b, fd, err := newBridge(dc, ch)
				var nc net.Conn
				if err == nil {
					nc, err = fileConn(fd, dc.Label())
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if b != nil {
						b.close()
					}
					openErr = errors.Join(openErr, err)
					return
				}
				c.bridges = append(c.bridges, b)
				if ch == protocol.Interrupt {
					c.Interrupt = nc
				} else {
					c.Control = nc
				}
			})
		})
	}

	ready := make(chan struct{})
	go func() {
		wg.Wait()
		close(ready)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- exchange(ctx, wsConn, pc, false, ready, dead) }()

	select {
	case err := <-errCh:
		if err == nil {
			<-ready
		}
		mu.Lock()
		err = errors.Join(err, openErr)
		mu.Unlock()
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		mu.Lock()
		c.Close()
		mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears down both channels and the PeerConnection.
func (c *Conn) Close() error {
	for _, b := range c.bridges {
		b.close()
	}
	var errs []error
	for _, nc := range []net.Conn{c.Control, c.Interrupt} {
		if nc != nil {
			errs = append(errs, nc.Close())
		}
	}
	errs = append(errs, c.pc.Close())
	return errors.Join(errs...)
}

func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return net.FileConn(f)
}
