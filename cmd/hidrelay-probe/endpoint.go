package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/1ureka/hidrelay/internal/link/rtclink"
	"github.com/1ureka/hidrelay/internal/link/unixlink"
	"github.com/1ureka/hidrelay/internal/protocol"
)

// endpoint is whatever side of the node the probe is playing.
type endpoint interface {
	Send(ch protocol.Channel, payload []byte) error
	// Receive calls fn for every inbound frame until the connection ends.
	Receive(fn func(ch protocol.Channel, payload []byte)) error
	Close() error
	String() string
}

// tcpEndpoint speaks the framed protocol, as relay-1 does.
type tcpEndpoint struct {
	conn net.Conn
	mu   sync.Mutex
}

func dialTCP(ctx context.Context, host string, port int) (*tcpEndpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpEndpoint{conn: conn}, nil
}

func (e *tcpEndpoint) Send(ch protocol.Channel, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return protocol.WriteFrame(e.conn, protocol.Frame{Channel: ch, Payload: payload})
}

func (e *tcpEndpoint) Receive(fn func(protocol.Channel, []byte)) error {
	for {
		f, err := protocol.ReadFrame(e.conn)
		if err != nil {
			return err
		}
		fn(f.Channel, f.Payload)
	}
}

func (e *tcpEndpoint) Close() error   { return e.conn.Close() }
func (e *tcpEndpoint) String() string { return "tcp " + e.conn.RemoteAddr().String() }

// linkEndpoint plays the link peer over one message-preserving connection
// per channel.
type linkEndpoint struct {
	name  string
	conns map[protocol.Channel]net.Conn
	close func() error
}

func dialUnix(dir string) (*linkEndpoint, error) {
	p := unixlink.New(dir)
	e := &linkEndpoint{name: "unix " + dir, conns: make(map[protocol.Channel]net.Conn)}
	// Control first, as a real controller does.
	for _, ch := range protocol.Channels {
		conn, err := net.Dial("unixpacket", p.Path(ch))
		if err != nil {
			e.closeConns()
			return nil, err
		}
		e.conns[ch] = conn
	}
	e.close = e.closeConns
	return e, nil
}

func dialRTC(ctx context.Context, url string) (*linkEndpoint, error) {
	c, err := rtclink.Dial(ctx, url, nil, false)
	if err != nil {
		return nil, err
	}
	return &linkEndpoint{
		name: "webrtc " + url,
		conns: map[protocol.Channel]net.Conn{
			protocol.Control:   c.Control,
			protocol.Interrupt: c.Interrupt,
		},
		close: c.Close,
	}, nil
}

func (e *linkEndpoint) closeConns() error {
	var errs []error
	for _, c := range e.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (e *linkEndpoint) Send(ch protocol.Channel, payload []byte) error {
	_, err := e.conns[ch].Write(payload)
	return err
}

// Receive reads both channels; it returns when either one ends.
func (e *linkEndpoint) Receive(fn func(protocol.Channel, []byte)) error {
	var mu sync.Mutex
	errCh := make(chan error, len(e.conns))
	for ch, conn := range e.conns {
		ch, conn := ch, conn
		go func() {
			buf := make([]byte, protocol.MaxPayloadSize)
			for {
				n, err := conn.Read(buf)
				if err != nil {
					errCh <- fmt.Errorf("%s: %w", ch, err)
					return
				}
				if n == 0 {
					errCh <- fmt.Errorf("%s: %w", ch, net.ErrClosed)
					return
				}
				mu.Lock()
				fn(ch, buf[:n])
				mu.Unlock()
			}
		}()
	}
	return <-errCh
}

func (e *linkEndpoint) Close() error   { return e.close() }
func (e *linkEndpoint) String() string { return e.name }

var errEmptyLine = errors.New("empty line")

// parseCommand parses "ctrl|intr <hex bytes>". Bytes may be separated by
// spaces, commas or nothing at all.
func parseCommand(line string) (protocol.Channel, []byte, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, nil, errEmptyLine
	}
	name, rest, _ := strings.Cut(line, " ")
	ch, err := protocol.ParseChannel(name)
	if err != nil {
		return 0, nil, fmt.Errorf("bad channel %q: want ctrl or intr", name)
	}

	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ',':
			return -1
		}
		return r
	}, rest)
	digits = strings.TrimPrefix(strings.ToLower(digits), "0x")
	payload, err := hex.DecodeString(digits)
	if err != nil {
		return 0, nil, fmt.Errorf("bad payload %q: %w", rest, err)
	}
	if len(payload) > protocol.MaxPayloadSize {
		return 0, nil, protocol.ErrPayloadTooLarge
	}
	return ch, payload, nil
}

// normalizeWSURL validates a signaling URL, defaults the scheme to ws and
// the path to /ws, and adds pin unless the URL already carries one.
func normalizeWSURL(raw, pin string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %q", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid WebSocket URL scheme: %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if pin != "" && q.Get("pin") == "" {
		q.Set("pin", pin)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
