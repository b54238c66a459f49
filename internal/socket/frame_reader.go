package socket

import (
	"time"

	"github.com/1ureka/hidrelay/internal/protocol"
)

// FrameReader assembles protocol frames from a non-blocking stream. It keeps
// the partial header and payload between calls, so the caller can go back to
// its poll loop on WouldBlock and resume when the socket is readable again.
// It never reads past the end of the current frame.
type FrameReader struct {
	src Receiver
	now func() time.Time

	header  [protocol.HeaderSize]byte
	hn      int
	ch      protocol.Channel
	payload []byte
	pn      int
	started time.Time
	err     error
}

// NewFrameReader returns a reader over src.
func NewFrameReader(src Receiver) *FrameReader {
	return &FrameReader{src: src, now: time.Now}
}

// SetClock replaces the source of PendingSince timestamps.
func (r *FrameReader) SetClock(now func() time.Time) { r.now = now }

// Next reads as much of the current frame as is available. It returns Data
// with a complete frame, WouldBlock when more bytes are needed, Closed on end
// of stream, or Failed with the socket error or a protocol error (an invalid
// channel tag).
func (r *FrameReader) Next() (protocol.Frame, Status, error) {
	if r.err != nil {
		return protocol.Frame{}, Failed, r.err
	}
	for r.hn < protocol.HeaderSize {
		n, st, err := r.src.TryReceive(r.header[r.hn:])
		if st != Data {
			return protocol.Frame{}, st, err
		}
		if r.hn == 0 {
			r.started = r.now()
		}
		r.hn += n
		if r.hn < protocol.HeaderSize {
			continue
		}
		ch, length, err := protocol.DecodeHeader(r.header[:])
		if err != nil {
			// The stream is out of sync; every later call fails the same way.
			r.err = err
			return protocol.Frame{}, Failed, err
		}
		r.ch = ch
		r.payload = make([]byte, length)
		r.pn = 0
	}

	for r.pn < len(r.payload) {
		n, st, err := r.src.TryReceive(r.payload[r.pn:])
		if st != Data {
			return protocol.Frame{}, st, err
		}
		r.pn += n
	}

	f := protocol.Frame{Channel: r.ch, Payload: r.payload}
	r.hn, r.pn, r.payload = 0, 0, nil
	return f, Data, nil
}

// Pending reports whether a frame has been started but not completed.
func (r *FrameReader) Pending() bool { return r.hn > 0 }

// PendingSince returns when the first byte of the current partial frame
// arrived. It is only meaningful while Pending is true.
func (r *FrameReader) PendingSince() time.Time { return r.started }
