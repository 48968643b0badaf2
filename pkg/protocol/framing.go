package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framing constants. Every message on the wire is a 4-byte little-endian
// payload length followed by exactly that many payload bytes.
const (
	// DefaultMaxRPCBytes bounds a single framed payload unless the caller
	// configures otherwise.
	DefaultMaxRPCBytes = 64 << 20

	// MaxHelloBytes bounds the first frame on a connection. Nothing a peer
	// sends before it has identified itself needs more than this.
	MaxHelloBytes = 1 << 20

	// initialReadChunk is the starting read-buffer size. The buffer doubles
	// as bytes arrive, capped by the announced length, so a hostile length
	// prefix cannot force a large up-front allocation.
	initialReadChunk = 8 << 10
)

// FrameTooLargeError reports a length prefix exceeding the connection's
// payload bound. It is a protocol violation: the connection must be torn
// down, not truncated.
type FrameTooLargeError struct {
	Len int
	Max int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d", e.Len, e.Max)
}

// WriteFrame writes one length-prefixed frame. maxBytes bounds the payload;
// a larger payload is refused locally rather than sent.
func WriteFrame(w io.Writer, payload []byte, maxBytes int) error {
	if len(payload) > maxBytes {
		return &FrameTooLargeError{Len: len(payload), Max: maxBytes}
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. The length prefix is validated
// against maxBytes before any payload allocation.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	total := int(binary.LittleEndian.Uint32(prefix[:]))
	if total > maxBytes {
		return nil, &FrameTooLargeError{Len: total, Max: maxBytes}
	}
	if total == 0 {
		return nil, nil
	}

	capacity := total
	if capacity > initialReadChunk {
		capacity = initialReadChunk
	}
	buf := make([]byte, capacity)
	filled := 0
	for filled < total {
		if filled == len(buf) {
			next := len(buf) * 2
			if next > total {
				next = total
			}
			grown := make([]byte, next)
			copy(grown, buf)
			buf = grown
		}
		n, err := r.Read(buf[filled:])
		filled += n
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return buf, nil
}
