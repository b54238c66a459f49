package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/1ureka/hidrelay/internal/config"
)

type cliOptions struct {
	configPath       string
	port             int
	listenHost       string
	link             string
	unixDir          string
	rtcAddr          string
	rtcPIN           string
	monitorAddr      string
	establishTimeout time.Duration
	frameTimeout     time.Duration
	statsInterval    time.Duration
	debug            bool
	version          bool
}

func registerFlags(flags *pflag.FlagSet) *cliOptions {
	o := &cliOptions{}
	def := config.Default()
	flags.StringVarP(&o.configPath, "config", "c", "", "TOML config file")
	flags.IntVarP(&o.port, "port", "p", def.Port, "TCP port for the remote relay")
	flags.StringVar(&o.listenHost, "listen", def.ListenHost, "TCP listen address (IP literal)")
	flags.StringVar(&o.link, "link", def.Link, "link provider: l2cap, unix or webrtc")
	flags.StringVar(&o.unixDir, "unix-dir", def.UnixDir, "socket directory for the unix link")
	flags.StringVar(&o.rtcAddr, "rtc-addr", def.RTCAddr, "signaling listen address for the webrtc link")
	flags.StringVar(&o.rtcPIN, "rtc-pin", "", "signaling PIN for the webrtc link (default: random)")
	flags.StringVar(&o.monitorAddr, "monitor", "", "serve the live traffic monitor on this address")
	flags.DurationVar(&o.establishTimeout, "establish-timeout", 0, "give up if a peer does not connect in time (0 waits forever)")
	flags.DurationVar(&o.frameTimeout, "frame-timeout", 0, "end the session if a TCP frame stays incomplete this long (0 disables)")
	flags.DurationVar(&o.statsInterval, "stats-interval", def.StatsInterval, "traffic rate report period (0 disables)")
	flags.BoolVar(&o.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&o.version, "version", false, "print version and exit")
	return o
}

// resolveConfig layers defaults, the config file and explicitly set flags.
func resolveConfig(flags *pflag.FlagSet, o *cliOptions) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}

	overrides := []struct {
		name  string
		apply func()
	}{
		{"port", func() { cfg.Port = o.port }},
		{"listen", func() { cfg.ListenHost = o.listenHost }},
		{"link", func() { cfg.Link = o.link }},
		{"unix-dir", func() { cfg.UnixDir = o.unixDir }},
		{"rtc-addr", func() { cfg.RTCAddr = o.rtcAddr }},
		{"rtc-pin", func() { cfg.RTCPIN = o.rtcPIN }},
		{"monitor", func() { cfg.MonitorAddr = o.monitorAddr }},
		{"establish-timeout", func() { cfg.EstablishTimeout = o.establishTimeout }},
		{"frame-timeout", func() { cfg.FrameTimeout = o.frameTimeout }},
		{"stats-interval", func() { cfg.StatsInterval = o.statsInterval }},
		{"debug", func() { cfg.Debug = o.debug }},
	}
	for _, ov := range overrides {
		if flags.Changed(ov.name) {
			ov.apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
