// hidrelay-probe is a bench tool for exercising a hidrelay node without real
// hardware. By default it plays relay-1: it dials the node over TCP, prints
// every frame it receives in the traffic log format, and sends one frame
// per stdin line:
//
//	ctrl 43 F2
//	intr A1 01 00 0A
//
// With --link unix or --link webrtc it plays the link peer instead,
// connecting to the node's Control and Interrupt channels.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/1ureka/hidrelay/internal/config"
	"github.com/1ureka/hidrelay/internal/protocol"
	"github.com/1ureka/hidrelay/internal/traffic"
	"github.com/1ureka/hidrelay/internal/util"
)

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader) error {
	def := config.Default()
	var (
		relayHost string
		port      int
		linkKind  string
		unixDir   string
		rtcURL    string
		rtcPIN    string
		debug     bool
	)
	flags := pflag.NewFlagSet("hidrelay-probe", pflag.ContinueOnError)
	flags.StringVar(&relayHost, "relay", "127.0.0.1", "hidrelay node address (tcp mode)")
	flags.IntVarP(&port, "port", "p", def.Port, "hidrelay node TCP port (tcp mode)")
	flags.StringVar(&linkKind, "link", "", "play the link peer instead: unix or webrtc")
	flags.StringVar(&unixDir, "unix-dir", def.UnixDir, "socket directory of the node's unix link")
	flags.StringVar(&rtcURL, "rtc-url", "", "signaling URL of the node's webrtc link")
	flags.StringVar(&rtcPIN, "rtc-pin", "", "signaling PIN (if not already in --rtc-url)")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if debug {
		util.EnableDebug()
	}
	util.SetLogOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ep endpoint
	var err error
	switch linkKind {
	case "":
		ep, err = dialTCP(ctx, relayHost, port)
	case "unix":
		ep, err = dialUnix(unixDir)
	case "webrtc":
		url, uerr := normalizeWSURL(rtcURL, rtcPIN)
		if uerr != nil {
			return uerr
		}
		ep, err = dialRTC(ctx, url)
	default:
		return fmt.Errorf("unknown --link %q (want unix or webrtc)", linkKind)
	}
	if err != nil {
		return err
	}
	defer ep.Close()
	util.LogSuccess("connected: %s", ep)

	// Frames read come from the far side, frames typed are ours.
	logger := traffic.NewLogger(os.Stdout, traffic.DefaultLabels())
	inbound, outbound := traffic.Local, traffic.Remote
	if linkKind != "" {
		inbound, outbound = traffic.Remote, traffic.Local
	}

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- ep.Receive(func(ch protocol.Channel, payload []byte) {
			logger.Log(inbound, ch, payload)
		})
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			if err == nil || errors.Is(err, io.EOF) {
				util.LogInfo("node closed the connection")
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				// stdin ended; keep printing until the node goes away.
				lines = nil
				continue
			}
			ch, payload, err := parseCommand(line)
			if errors.Is(err, errEmptyLine) {
				continue
			}
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if err := ep.Send(ch, payload); err != nil {
				return err
			}
			logger.Log(outbound, ch, payload)
		}
	}
}
