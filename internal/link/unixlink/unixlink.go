// Package unixlink emulates the link channels with unix seqpacket sockets,
// one per channel, so the relay can run on a bench without a Bluetooth
// adapter. Message boundaries are preserved the same way L2CAP preserves
// them.
package unixlink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/socket"
)

// Provider creates <Dir>/ctrl.sock and <Dir>/intr.sock.
type Provider struct {
	Dir string
}

// New returns a provider rooted at dir.
func New(dir string) *Provider { return &Provider{Dir: dir} }

func (p *Provider) Name() string { return link.KindUnix }

// Path returns the socket path used for ch.
func (p *Provider) Path(ch protocol.Channel) string {
	name := "ctrl.sock"
	if ch == protocol.Interrupt {
		name = "intr.sock"
	}
	return filepath.Join(p.Dir, name)
}

// Listen removes any stale socket file and binds a fresh one. The file is
// unlinked when the listener closes.
func (p *Provider) Listen(ch protocol.Channel) (link.Listener, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("unix link dir: %w", err)
	}
	path := p.Path(ch)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale %s: %w", path, err)
	}

	l, err := socket.ListenConfig{
		Family:  unix.AF_UNIX,
		Type:    unix.SOCK_SEQPACKET,
		Addr:    &unix.SockaddrUnix{Name: path},
		Name:    "unix " + ch.String(),
		Backlog: 1,
		Cleanup: func() { os.Remove(path) },
	}.Listen()
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *Provider) Close() error { return nil }
