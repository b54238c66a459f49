// Package traffic formats the relay's frame log: one line per frame, in
// transmission order, written unbuffered so it can be followed live.
//
//	<unix seconds.mmm> <origin> <CTRL|INTR> <hex bytes>
//	1734621234.567 PS3 CTRL 43 F2
//	1734621234.572 DS3 CTRL F2 FF FF 00 34 C7
package traffic

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/hidrelay/internal/protocol"
)

// Origin says which side of this node a frame came from.
type Origin uint8

const (
	Remote Origin = iota // read from the TCP peer
	Local                // read from a local link channel
)

// Labels names the two origins after the deployment's peers.
type Labels struct {
	Remote string
	Local  string
}

// DefaultLabels are the console (behind the TCP link) and the controller
// (on the local link).
func DefaultLabels() Labels {
	return Labels{Remote: "PS3", Local: "DS3"}
}

func (l Labels) For(o Origin) string {
	if o == Local {
		return l.Local
	}
	return l.Remote
}

// Logger writes one line per frame to its sink and to any taps.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	labels Labels
	now    func() time.Time
	taps   []func(line string)
	buf    []byte
}

// NewLogger returns a logger writing to w.
func NewLogger(w io.Writer, labels Labels) *Logger {
	return &Logger{w: w, labels: labels, now: time.Now}
}

// SetClock replaces the timestamp source.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Tap registers fn to receive every line, without the trailing newline.
// fn must not block.
func (l *Logger) Tap(fn func(line string)) {
	l.mu.Lock()
	l.taps = append(l.taps, fn)
	l.mu.Unlock()
}

// Log formats and writes one frame line with a single Write call.
func (l *Logger) Log(origin Origin, ch protocol.Channel, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = AppendLine(l.buf[:0], l.now(), l.labels.For(origin), ch, payload)
	if len(l.taps) > 0 {
		line := string(l.buf)
		for _, tap := range l.taps {
			tap(line)
		}
	}
	l.buf = append(l.buf, '\n')
	_, err := l.w.Write(l.buf)
	return err
}

const hexDigits = "0123456789ABCDEF"

// AppendLine appends a formatted line, without newline, to dst. The
// timestamp is rounded to milliseconds.
func AppendLine(dst []byte, ts time.Time, label string, ch protocol.Channel, payload []byte) []byte {
	ms := (ts.UnixNano() + 500_000) / 1_000_000
	dst = strconv.AppendInt(dst, ms/1000, 10)
	frac := ms % 1000
	dst = append(dst, '.', byte('0'+frac/100), byte('0'+frac/10%10), byte('0'+frac%10))
	dst = append(dst, ' ')
	dst = append(dst, label...)
	dst = append(dst, ' ')
	dst = append(dst, ch.String()...)
	dst = append(dst, ' ')
	for i, b := range payload {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return dst
}

// FormatLine is AppendLine into a new string.
func FormatLine(ts time.Time, label string, ch protocol.Channel, payload []byte) string {
	return string(AppendLine(nil, ts, label, ch, payload))
}
