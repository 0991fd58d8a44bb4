// Package protocol defines the relay wire contract: event names, their JSON
// payloads, and the length-prefixed binary framing used by the TCP and SSH
// transports.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current frame version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size considered for compression
	CompressionThreshold = 512
)

// Flag constants
const (
	FlagCompressed = 0x01
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one binary frame.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
// Length counts everything after itself.
type Frame struct {
	Version uint8
	Type    uint8 // event type code, see EventType
	Flags   uint8
	Payload []byte // JSON event data
}

// CompressPayload LZ4-compresses data behind a 4-byte big-endian length prefix.
// The second return is false when compression would not save space.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// EncodeFrame writes f to w in a single Write call, compressing payloads of
// at least CompressionThreshold bytes when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(3 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = flags
	copy(buf[7:], payload)

	// One write keeps frames intact on transports that map writes to messages
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if bw, ok := w.(flushWriter); ok {
		return bw.Flush()
	}
	return nil
}

// flushWriter is satisfied by buffered writers such as *bufio.Writer
type flushWriter interface {
	io.Writer
	Flush() error
}

// DecodeFrame reads one frame from r, decompressing the payload if needed.
// The length is validated before the body is allocated.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	switch size := binary.BigEndian.Uint32(prefix[:]); {
	case size > MaxFrameSize:
		return nil, ErrFrameTooLarge
	case size < 3:
		return nil, ErrInvalidFrameLength
	default:
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return parseBody(body)
	}
}

// parseBody splits version, type and flags off a frame body
func parseBody(body []byte) (*Frame, error) {
	f := &Frame{Version: body[0], Type: body[1], Flags: body[2]}
	if len(body) == 3 {
		return f, nil
	}

	f.Payload = body[3:]
	if f.Flags&FlagCompressed != 0 {
		plain, err := DecompressPayload(f.Payload)
		if err != nil {
			return nil, err
		}
		f.Payload = plain
		f.Flags &^= FlagCompressed
	}
	return f, nil
}

// FrameFromEnvelope converts an envelope into a frame
func FrameFromEnvelope(env *Envelope) (*Frame, error) {
	code, err := EventType(env.Event)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    code,
		Payload: env.Data,
	}, nil
}

// EnvelopeFromFrame converts a frame into an envelope
func EnvelopeFromFrame(f *Frame) (*Envelope, error) {
	name, err := EventName(f.Type)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Event: name}
	if len(f.Payload) > 0 {
		env.Data = append([]byte(nil), f.Payload...)
	}
	return env, nil
}

// WriteEnvelope frames env and writes it to w
func WriteEnvelope(w io.Writer, env *Envelope) error {
	frame, err := FrameFromEnvelope(env)
	if err != nil {
		return err
	}
	return EncodeFrame(w, frame)
}

// ReadEnvelope reads one frame from r and converts it into an envelope.
// Unknown event codes are reported with ErrUnknownEvent; the stream stays
// aligned so the caller may keep reading.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	return EnvelopeFromFrame(frame)
}

// EncodeEnvelope is a helper that frames env into a byte slice
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteEnvelope(buf, env); err != nil {
		return nil, fmt.Errorf("failed to encode %q: %w", env.Event, err)
	}
	return buf.Bytes(), nil
}
