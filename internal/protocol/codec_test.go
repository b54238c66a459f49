package protocol_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/1ureka/hidrelay/internal/protocol"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations on both channels across the payload size range.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 2, 49, 256, 1024, 16 * 1024, protocol.MaxPayloadSize}

	for _, ch := range protocol.Channels {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d bytes", ch, size), func(t *testing.T) {
				payload := make([]byte, size)
				for i := range payload {
					payload[i] = byte(i % 251)
				}

				encoded, err := protocol.Encode(ch, payload)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				if len(encoded) != protocol.HeaderSize+size {
					t.Fatalf("Encoded size mismatch: got %d, want %d", len(encoded), protocol.HeaderSize+size)
				}

				decoded, err := protocol.Decode(encoded)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if decoded.Channel != ch {
					t.Errorf("Channel mismatch: got %s, want %s", decoded.Channel, ch)
				}
				if !bytes.Equal(decoded.Payload, payload) {
					t.Errorf("Payload mismatch for size %d", size)
				}
			})
		}
	}
}

// TestEncodeWireLayout pins the exact header bytes.
func TestEncodeWireLayout(t *testing.T) {
	encoded, err := protocol.Encode(protocol.Interrupt, []byte{0xA1, 0x01, 0x00, 0x7F})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []byte{0x13, 0x00, 0x04, 0xA1, 0x01, 0x00, 0x7F}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("wire bytes mismatch: got % X, want % X", encoded, want)
	}

	encoded, err = protocol.Encode(protocol.Control, make([]byte, 0x1234))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if encoded[0] != 0x11 || encoded[1] != 0x12 || encoded[2] != 0x34 {
		t.Fatalf("header mismatch: got % X", encoded[:3])
	}
}

// TestEncodeOversizeRejected verifies that payloads beyond the 16-bit length
// field fail without producing output.
func TestEncodeOversizeRejected(t *testing.T) {
	for _, size := range []int{protocol.MaxPayloadSize + 1, 128 * 1024} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			encoded, err := protocol.Encode(protocol.Control, make([]byte, size))
			if !errors.Is(err, protocol.ErrPayloadTooLarge) {
				t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
			}
			if encoded != nil {
				t.Fatalf("expected no output, got %d bytes", len(encoded))
			}
		})
	}
}

// TestDecodeHeaderInvalidChannel verifies that any tag other than 0x11/0x13
// is rejected.
func TestDecodeHeaderInvalidChannel(t *testing.T) {
	for _, tag := range []byte{0x00, 0x01, 0x10, 0x12, 0x14, 0xFF} {
		t.Run(fmt.Sprintf("0x%02X", tag), func(t *testing.T) {
			_, _, err := protocol.DecodeHeader([]byte{tag, 0x00, 0x01})
			if !errors.Is(err, protocol.ErrInvalidChannel) {
				t.Fatalf("expected ErrInvalidChannel, got %v", err)
			}
		})
	}
}

// TestDecodeHeader verifies channel and big-endian length parsing.
func TestDecodeHeader(t *testing.T) {
	testCases := []struct {
		name   string
		header []byte
		ch     protocol.Channel
		length int
	}{
		{"control empty", []byte{0x11, 0x00, 0x00}, protocol.Control, 0},
		{"interrupt 50", []byte{0x13, 0x00, 0x32}, protocol.Interrupt, 50},
		{"control max", []byte{0x11, 0xFF, 0xFF}, protocol.Control, protocol.MaxPayloadSize},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch, n, err := protocol.DecodeHeader(tc.header)
			if err != nil {
				t.Fatalf("DecodeHeader failed: %v", err)
			}
			if ch != tc.ch || n != tc.length {
				t.Errorf("got (%s, %d), want (%s, %d)", ch, n, tc.ch, tc.length)
			}
		})
	}
}

// TestDecodeTooShort verifies that short headers and payloads are reported.
func TestDecodeTooShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, protocol.ErrShortHeader},
		{"1 byte", []byte{0x11}, protocol.ErrShortHeader},
		{"header only, payload declared", []byte{0x11, 0x00, 0x02}, protocol.ErrTruncated},
		{"payload short by one", []byte{0x13, 0x00, 0x02, 0xAA}, protocol.ErrTruncated},
		{"trailing byte", []byte{0x13, 0x00, 0x01, 0xAA, 0xBB}, protocol.ErrTruncated},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// TestDecodePreservesPayload verifies that the decoded payload is not aliased
// to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded, err := protocol.Encode(protocol.Control, []byte("original"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := protocol.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[protocol.HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("Payload was incorrectly aliased: got %v", decoded.Payload)
	}
}

// TestReadWriteFrameStream verifies consecutive frames over a stream.
func TestReadWriteFrameStream(t *testing.T) {
	frames := []protocol.Frame{
		{Channel: protocol.Control, Payload: []byte{0x01, 0x02}},
		{Channel: protocol.Interrupt, Payload: []byte{0xAA}},
		{Channel: protocol.Control, Payload: []byte{}},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := protocol.WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for i, want := range frames {
		got, err := protocol.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if got.Channel != want.Channel || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d mismatch: got %+v, want %+v", i, got, want)
		}
	}

	if _, err := protocol.ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

// TestReadFrameTruncated verifies errors for streams that end mid-frame.
func TestReadFrameTruncated(t *testing.T) {
	if _, err := protocol.ReadFrame(bytes.NewReader([]byte{0x11, 0x00})); !errors.Is(err, protocol.ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	if _, err := protocol.ReadFrame(bytes.NewReader([]byte{0x11, 0x00, 0x03, 0x01})); !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

// TestParseChannel verifies the accepted spellings.
func TestParseChannel(t *testing.T) {
	testCases := []struct {
		in   string
		want protocol.Channel
	}{
		{"ctrl", protocol.Control},
		{"CTRL", protocol.Control},
		{"control", protocol.Control},
		{"intr", protocol.Interrupt},
		{" Interrupt ", protocol.Interrupt},
	}
	for _, tc := range testCases {
		got, err := protocol.ParseChannel(tc.in)
		if err != nil {
			t.Fatalf("ParseChannel(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseChannel(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	if _, err := protocol.ParseChannel("data"); !errors.Is(err, protocol.ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}
