// Package frame slices reassembled TCP streams into length-prefixed
// application frames and decodes their two-byte type header.
package frame

import (
	"encoding/binary"
	"fmt"
)

const (
	// LengthSize is the size of the big-endian length prefix. The declared
	// length includes the prefix itself.
	LengthSize = 4
	// HeaderSize is the length prefix plus the type field.
	HeaderSize = LengthSize + 2

	// MaxFrameLength is the sanity ceiling for a declared length. Anything
	// larger means the stream lost alignment.
	MaxFrameLength = 0x0fffff

	compressedFlag = 0x8000
	kindMask       = 0x7fff
)

// Kind is the message kind carried in the low 15 bits of the type field.
type Kind uint16

const (
	KindNone      Kind = 0
	KindCall      Kind = 1
	KindNotify    Kind = 2
	KindReturn    Kind = 3
	KindEcho      Kind = 4
	KindFrameUp   Kind = 5
	KindFrameDown Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCall:
		return "call"
	case KindNotify:
		return "notify"
	case KindReturn:
		return "return"
	case KindEcho:
		return "echo"
	case KindFrameUp:
		return "frame_up"
	case KindFrameDown:
		return "frame_down"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Frame is one decoded frame. Body aliases the buffer the frame was
// extracted from and is only valid until that buffer is reused.
type Frame struct {
	Length uint32
	Type   uint16
	Body   []byte
}

func (f Frame) Compressed() bool { return f.Type&compressedFlag != 0 }
func (f Frame) Kind() Kind       { return Kind(f.Type & kindMask) }

// Parse decodes the header of one complete frame as produced by ExtractAll.
func Parse(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, NewError(ErrCodeShortFrame, "frame of %d bytes has no type field", len(raw))
	}
	n := binary.BigEndian.Uint32(raw)
	if int(n) != len(raw) {
		return Frame{}, NewError(ErrCodeBadLength, "declared length %d, have %d bytes", n, len(raw))
	}
	return Frame{
		Length: n,
		Type:   binary.BigEndian.Uint16(raw[LengthSize:]),
		Body:   raw[HeaderSize:],
	}, nil
}

// Encode builds a frame around body. It is used by tests and by tooling that
// synthesizes traffic.
func Encode(kind Kind, compressed bool, body []byte) []byte {
	typ := uint16(kind) & kindMask
	if compressed {
		typ |= compressedFlag
	}
	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(HeaderSize+len(body)))
	binary.BigEndian.PutUint16(out[LengthSize:], typ)
	return append(out, body...)
}
