// Package protocol implements the length-prefixed frame format used by every polyrpc server.
//
// A frame is a 4-byte signed length followed by that many payload bytes. The length is
// written in the host's native byte order, the same way a C int would be laid out in memory,
// so peers on the same architecture can talk without conversion.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────┐
//	│ length  │   payload ...     │
//	│ int32   │   length bytes    │
//	└─────────┴───────────────────┘
//
// The same format is used for requests and responses, and a stream may carry any number
// of frames back to back.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// LengthSize is the size of the length prefix in bytes.
const LengthSize = 4

// DefaultMaxFrameSize bounds the payload length accepted by readers unless configured otherwise.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrNegativeLength is returned when a length prefix decodes to a negative value.
	ErrNegativeLength = errors.New("protocol: negative frame length")
)

// Frame returns payload prefixed with its length. A payload too long for the signed
// 32-bit prefix yields ErrFrameTooLarge.
func Frame(payload []byte) ([]byte, error) {
	length, err := prefixLength(int64(len(payload)))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, LengthSize+len(payload))
	binary.NativeEndian.PutUint32(buf[:LengthSize], length)
	copy(buf[LengthSize:], payload)
	return buf, nil
}

func prefixLength(n int64) (uint32, error) {
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, math.MaxInt32)
	}
	return uint32(n), nil
}

// WriteFrame writes one complete frame to w with a single Write call.
// Callers sharing w between goroutines must serialize calls themselves.
func WriteFrame(w io.Writer, payload []byte) error {
	framed, err := Frame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}

// ReadFrame reads exactly one frame from r and returns its payload.
//
// maxSize limits the accepted payload length; zero or a negative value disables the check.
// A stream that ends cleanly before the first length byte yields io.EOF, any other short
// read yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length, err := checkLength(prefix[:], maxSize)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

func checkLength(prefix []byte, maxSize int) (int, error) {
	length := int(int32(binary.NativeEndian.Uint32(prefix)))
	if length < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeLength, length)
	}
	if maxSize > 0 && length > maxSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	return length, nil
}
