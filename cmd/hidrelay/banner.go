package main

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/hidrelay/internal/config"
	"github.com/1ureka/hidrelay/internal/establish"
	"github.com/1ureka/hidrelay/internal/link"
	"github.com/1ureka/hidrelay/internal/link/rtclink"
	"github.com/1ureka/hidrelay/internal/protocol"
)

func printBanner(cfg config.Config, provider link.Provider) {
	pterm.DefaultHeader.WithFullWidth().Println(fmt.Sprintf("hidrelay %s", version))
	pterm.Println()

	flow := fmt.Sprintf("%s <--link--> relay-1 <--TCP--> hidrelay <--%s--> %s",
		cfg.RemoteLabel, provider.Name(), cfg.LocalLabel)
	legend := fmt.Sprintf(`<unix time> <from> <channel> <hex bytes>
  %-4s = from the remote side (%s)
  %-4s = from the local link peer (%s)
  %-4s = control channel (0x%02X)
  %-4s = interrupt channel (0x%02X)`,
		cfg.RemoteLabel, "TCP", cfg.LocalLabel, provider.Name(),
		protocol.Control, uint8(protocol.Control),
		protocol.Interrupt, uint8(protocol.Interrupt))

	pterm.DefaultBox.WithTitle("Data flow").Println(flow)
	pterm.DefaultBox.WithTitle("Log format (stdout)").Println(legend)
	pterm.Println()

	if p, ok := provider.(*rtclink.Provider); ok {
		pterm.Info.Println(fmt.Sprintf("WebRTC link PIN: %s", p.PIN()))
	}
}

func printStep(cfg config.Config, ev establish.Event) {
	switch ev.Step {
	case establish.StepLinkWaiting:
		pterm.DefaultSection.Println("Step 1: connect the link peer")
		pterm.Info.Println(fmt.Sprintf("waiting on %s", ev.Addr))
	case establish.StepLinkConnected:
		pterm.Success.Println(fmt.Sprintf("%s fully connected (%s)", cfg.LocalLabel, ev.Addr))
	case establish.StepTCPWaiting:
		pterm.DefaultSection.Println("Step 2: start relay-1 against this node")
		pterm.Info.Println(fmt.Sprintf("listening on %s", ev.Addr))
	case establish.StepTCPConnected:
		pterm.Success.Println(fmt.Sprintf("relay-1 connected from %s", ev.Addr))
	}
}

func printActive() {
	pterm.DefaultSection.Println("Relay active")
	pterm.Info.Println("Logging all traffic to stdout. Press Ctrl+C to stop.")
	pterm.Println()
}
