// hidrelay is the far-end node of a HID link relay:
//
//	console <--link--> relay-1 <--TCP--> hidrelay <--link--> controller
//
// It accepts the controller on the two link channels (Control, PSM 0x11,
// and Interrupt, PSM 0x13), then the remote relay over TCP, and forwards
// frames both ways while logging every one of them to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/1ureka/hidrelay/internal/config"
	"github.com/1ureka/hidrelay/internal/establish"
	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/link/l2cap"
	"github.com/1ureka/hidrelay/internal/link/rtclink"
	"github.com/1ureka/hidrelay/internal/link/unixlink"
	"github.com/1ureka/hidrelay/internal/monitor"
	"github.com/1ureka/hidrelay/internal/relay"
	"github.com/1ureka/hidrelay/internal/traffic"
	"github.com/1ureka/hidrelay/internal/util"
)

var version = "dev"

// loggedError is an error that has already been reported.
type loggedError struct{ error }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var logged loggedError
		if !errors.As(err, &logged) {
			util.LogError("%v", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("hidrelay", pflag.ContinueOnError)
	opts := registerFlags(flags)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Printf("hidrelay %s\n", version)
		return nil
	}

	cfg, err := resolveConfig(flags, opts)
	if err != nil {
		return err
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	// stdout carries only the traffic log.
	util.SetLogOutput(os.Stderr)
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		pterm.DisableColor()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	printBanner(cfg, provider)

	logger := traffic.NewLogger(os.Stdout, traffic.Labels{Remote: cfg.RemoteLabel, Local: cfg.LocalLabel})
	if cfg.MonitorAddr != "" {
		hub := monitor.NewHub()
		srv, err := monitor.Start(cfg.MonitorAddr, hub)
		if err != nil {
			return err
		}
		defer srv.Close()
		logger.Tap(hub.Publish)
		util.LogInfo("traffic monitor on ws://%s/traffic", srv.Addr())
	}

	seq := &establish.Sequencer{
		Link:    provider,
		TCPAddr: cfg.TCPAddr(),
		Timeout: cfg.EstablishTimeout,
		OnStep:  func(ev establish.Event) { printStep(cfg, ev) },
	}
	session, err := seq.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			util.LogInfo("stopped before the session was established")
			return nil
		}
		return fmt.Errorf("establish: %w", err)
	}

	printActive()
	engine := relay.NewEngine(session, logger, relay.Options{
		PollInterval:   cfg.PollInterval,
		ReadBufferSize: cfg.ReadBufferSize,
		FrameTimeout:   cfg.FrameTimeout,
		StatsInterval:  cfg.StatsInterval,
	})
	err = engine.Run(ctx)
	util.LogInfo("totals: %s", engine.Stats().Summary())
	if err != nil {
		return loggedError{err}
	}
	util.LogInfo("relay stopped")
	return nil
}

// newProvider builds the configured link provider.
func newProvider(cfg config.Config) (link.Provider, error) {
	switch cfg.Link {
	case link.KindL2CAP:
		return l2cap.New(), nil
	case link.KindUnix:
		return unixlink.New(cfg.UnixDir), nil
	case link.KindWebRTC:
		return rtclink.New(rtclink.Config{
			Addr:       cfg.RTCAddr,
			PIN:        cfg.RTCPIN,
			ICEServers: cfg.ICEServers,
		}), nil
	default:
		return nil, link.ErrUnknownKind(cfg.Link)
	}
}
