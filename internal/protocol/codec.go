package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Encode serializes a payload for the given channel into
// [channel:1][length:2][payload:N].
func Encode(ch Channel, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(ch)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeHeader parses a 3-byte header into its channel and payload length.
func DecodeHeader(b []byte) (Channel, int, error) {
	if len(b) != HeaderSize {
		return 0, 0, fmt.Errorf("%w: %d bytes (need %d)", ErrShortHeader, len(b), HeaderSize)
	}
	ch := Channel(b[0])
	if !ch.Valid() {
		return 0, 0, fmt.Errorf("%w: 0x%02X", ErrInvalidChannel, b[0])
	}
	return ch, int(binary.BigEndian.Uint16(b[1:3])), nil
}

// Decode deserializes one complete frame. Trailing bytes are an error.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (need %d)", ErrShortHeader, len(data), HeaderSize)
	}
	ch, n, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}
	if len(data)-HeaderSize != n {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d", ErrTruncated, n, len(data)-HeaderSize)
	}
	payload := make([]byte, n)
	copy(payload, data[HeaderSize:])
	return Frame{Channel: ch, Payload: payload}, nil
}

// ReadFrame reads exactly one frame from a blocking stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	ch, n, err := DecodeHeader(header[:])
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return Frame{Channel: ch, Payload: payload}, nil
}

// WriteFrame encodes f and writes it with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f.Channel, f.Payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
