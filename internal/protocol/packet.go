// Package protocol defines the frame format used on the TCP link between the
// relay nodes.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Channel identifies which link channel a frame belongs to. The tag doubles as
// the L2CAP PSM of that channel.
type Channel uint8

// Channel tags.
const (
	Control   Channel = 0x11 // HID control channel
	Interrupt Channel = 0x13 // HID interrupt channel
)

// Channels lists the valid channels in establishment order.
var Channels = []Channel{Control, Interrupt}

// HeaderSize is the fixed header size: Channel(1) + Length(2).
const HeaderSize = 3

// MaxPayloadSize is the largest payload the 16-bit length field can carry.
const MaxPayloadSize = 0xFFFF

var (
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrInvalidChannel  = errors.New("protocol: invalid channel tag")
	ErrShortHeader     = errors.New("protocol: short header")
	ErrTruncated       = errors.New("protocol: truncated payload")
)

// Valid reports whether c is a known channel tag.
func (c Channel) Valid() bool {
	return c == Control || c == Interrupt
}

// PSM returns the L2CAP PSM carried by the channel.
func (c Channel) PSM() uint16 { return uint16(c) }

func (c Channel) String() string {
	switch c {
	case Control:
		return "CTRL"
	case Interrupt:
		return "INTR"
	default:
		return fmt.Sprintf("0x%02X", uint8(c))
	}
}

// ParseChannel accepts the log labels ("ctrl", "intr") and the long names
// ("control", "interrupt"), case-insensitively.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ctrl", "control":
		return Control, nil
	case "intr", "interrupt":
		return Interrupt, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

// Frame is one tagged, length-prefixed payload on the TCP link.
type Frame struct {
	Channel Channel
	Payload []byte
}
