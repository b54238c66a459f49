// Package config holds the relay's settings: built-in defaults, an optional
// TOML file on top, and command-line flags on top of that.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/protocol"
)

// DefaultPort is the TCP port the remote relay connects to.
const DefaultPort = 5555

var ErrInvalid = errors.New("config: invalid value")

// Config is the resolved relay configuration.
type Config struct {
	ListenHost string
	Port       int

	// Link selects the link provider: l2cap, unix or webrtc.
	Link       string
	UnixDir    string
	RTCAddr    string
	RTCPIN     string
	ICEServers []string

	RemoteLabel string
	LocalLabel  string

	EstablishTimeout time.Duration
	FrameTimeout     time.Duration
	PollInterval     time.Duration
	StatsInterval    time.Duration
	ReadBufferSize   int

	// MonitorAddr enables the live traffic monitor when non-empty.
	MonitorAddr string
	Debug       bool
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		ListenHost:     "0.0.0.0",
		Port:           DefaultPort,
		Link:           link.KindL2CAP,
		UnixDir:        filepath.Join(os.TempDir(), "hidrelay"),
		RTCAddr:        ":8765",
		RemoteLabel:    "PS3",
		LocalLabel:     "DS3",
		PollInterval:   100 * time.Millisecond,
		StatsInterval:  10 * time.Second,
		ReadBufferSize: 256,
	}
}

type fileConfig struct {
	ListenHost       string `toml:"listen_host"`
	Port             int    `toml:"port"`
	Link             string `toml:"link"`
	EstablishTimeout string `toml:"establish_timeout"`
	FrameTimeout     string `toml:"frame_timeout"`
	PollInterval     string `toml:"poll_interval"`
	StatsInterval    string `toml:"stats_interval"`
	ReadBufferSize   int    `toml:"read_buffer_size"`
	Debug            bool   `toml:"debug"`

	Labels struct {
		Remote string `toml:"remote"`
		Local  string `toml:"local"`
	} `toml:"labels"`

	Unix struct {
		Dir string `toml:"dir"`
	} `toml:"unix"`

	WebRTC struct {
		Addr       string   `toml:"addr"`
		PIN        string   `toml:"pin"`
		ICEServers []string `toml:"ice_servers"`
	} `toml:"webrtc"`

	Monitor struct {
		Addr string `toml:"addr"`
	} `toml:"monitor"`
}

// Load reads path over the defaults. Keys absent from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_host") {
		cfg.ListenHost = strings.TrimSpace(raw.ListenHost)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("link") {
		cfg.Link = strings.ToLower(strings.TrimSpace(raw.Link))
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"establish_timeout", raw.EstablishTimeout, &cfg.EstablishTimeout},
		{"frame_timeout", raw.FrameTimeout, &cfg.FrameTimeout},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"stats_interval", raw.StatsInterval, &cfg.StatsInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("labels", "remote") {
		cfg.RemoteLabel = strings.TrimSpace(raw.Labels.Remote)
	}
	if meta.IsDefined("labels", "local") {
		cfg.LocalLabel = strings.TrimSpace(raw.Labels.Local)
	}
	if meta.IsDefined("unix", "dir") {
		cfg.UnixDir = strings.TrimSpace(raw.Unix.Dir)
	}
	if meta.IsDefined("webrtc", "addr") {
		cfg.RTCAddr = strings.TrimSpace(raw.WebRTC.Addr)
	}
	if meta.IsDefined("webrtc", "pin") {
		cfg.RTCPIN = strings.TrimSpace(raw.WebRTC.PIN)
	}
	if meta.IsDefined("webrtc", "ice_servers") {
		cfg.ICEServers = normalizeList(raw.WebRTC.ICEServers)
	}
	if meta.IsDefined("monitor", "addr") {
		cfg.MonitorAddr = strings.TrimSpace(raw.Monitor.Addr)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if c.ListenHost != "" && net.ParseIP(c.ListenHost) == nil {
		return fmt.Errorf("%w: listen_host %q is not an IP address", ErrInvalid, c.ListenHost)
	}
	switch c.Link {
	case link.KindL2CAP, link.KindWebRTC:
	case link.KindUnix:
		if c.UnixDir == "" {
			return fmt.Errorf("%w: unix link needs a directory", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: %w", ErrInvalid, link.ErrUnknownKind(c.Link))
	}
	if c.ReadBufferSize <= 0 || c.ReadBufferSize > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: read_buffer_size %d (want 1..%d)", ErrInvalid, c.ReadBufferSize, protocol.MaxPayloadSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	}
	for name, d := range map[string]time.Duration{
		"establish_timeout": c.EstablishTimeout,
		"frame_timeout":     c.FrameTimeout,
		"stats_interval":    c.StatsInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalid, name)
		}
	}
	if c.RemoteLabel == "" || c.LocalLabel == "" {
		return fmt.Errorf("%w: labels must not be empty", ErrInvalid)
	}
	return nil
}

// TCPAddr is the host:port the relay listens on for the remote peer.
func (c Config) TCPAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}
