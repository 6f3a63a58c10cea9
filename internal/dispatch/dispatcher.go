// Package dispatch decodes frame headers and routes message bodies to the
// handlers registered for their method ids, unwrapping nested frame
// containers on the way.
package dispatch

import (
	"encoding/binary"
	"fmt"

	"scenetap/internal/frame"
	"scenetap/internal/logging"
	"scenetap/internal/stream"
)

const (
	// DefaultMaxDepth bounds FrameUp/FrameDown nesting.
	DefaultMaxDepth = 8

	// ReturnPayloadOffset is where a Return body's payload starts. The
	// feature field that keys Return handlers is inferred from the byte
	// layout, so both are protocol-version specific.
	ReturnPayloadOffset = 18

	callHeaderSize   = 16
	returnHeaderSize = 20
	seqIDSize        = 4
)

// Message is one decoded message handed to a handler.
type Message struct {
	Dir   stream.Direction
	Kind  frame.Kind
	Table Table

	ServiceUUID uint64
	StubID      uint32
	// MethodID is the method id for Notify and Call, the feature field for
	// Return.
	MethodID uint32
	// Stuf is the Return field preceding feature; zero for other kinds.
	Stuf uint32

	// Payload is decompressed and aliases dispatcher buffers.
	Payload []byte
	Depth   int
}

// Options tunes a Dispatcher.
type Options struct {
	MaxDepth int
}

// Stats are the dispatcher counters. They are only touched from the
// goroutine calling Dispatch.
type Stats struct {
	Frames          int64 `json:"frames"`
	Dispatched      int64 `json:"dispatched"`
	Unregistered    int64 `json:"unregistered"`
	Ignored         int64 `json:"ignored"`
	Nested          int64 `json:"nested"`
	HandlerFailures int64 `json:"handler_failures"`
	DecodeFailures  int64 `json:"decode_failures"`
	ShortFrames     int64 `json:"short_frames"`
}

// Dispatcher routes frames to registry handlers. It is not safe for
// concurrent use; the engine serializes calls.
type Dispatcher struct {
	reg      *Registry
	log      logging.Logger
	maxDepth int
	zstd     *decompressor

	Stats Stats
}

func New(reg *Registry, opts Options, log logging.Logger) (*Dispatcher, error) {
	if reg == nil {
		return nil, fmt.Errorf("dispatch: nil registry")
	}
	if log == nil {
		log = logging.Nop()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	dec, err := newDecompressor()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{reg: reg, log: log, maxDepth: opts.MaxDepth, zstd: dec}, nil
}

func (d *Dispatcher) Close() { d.zstd.close() }

// Dispatch handles one complete frame from the stream of direction dir.
//
// A returned error satisfying frame.IsStreamCorruption means the stream the
// frame came from is misaligned. A *DecodeError is a per-message failure.
// Handler failures are logged and counted but never returned.
func (d *Dispatcher) Dispatch(dir stream.Direction, raw []byte) error {
	return d.dispatch(dir, raw, 0)
}

func (d *Dispatcher) dispatch(dir stream.Direction, raw []byte, depth int) error {
	d.Stats.Frames++
	f, err := frame.Parse(raw)
	if err != nil {
		if pe, ok := frame.IsProtocolError(err); ok && pe.Code == frame.ErrCodeShortFrame {
			d.Stats.ShortFrames++
			return nil
		}
		return err
	}

	switch f.Kind() {
	case frame.KindNotify:
		return d.call(dir, f, Notify, depth)
	case frame.KindCall:
		return d.call(dir, f, Send, depth)
	case frame.KindReturn:
		return d.ret(dir, f, depth)
	case frame.KindFrameUp, frame.KindFrameDown:
		return d.nested(dir, f, depth)
	default:
		d.Stats.Ignored++
		return nil
	}
}

// call handles Notify and Call bodies, which share one header layout.
func (d *Dispatcher) call(dir stream.Direction, f frame.Frame, tbl Table, depth int) error {
	body := f.Body
	if len(body) < callHeaderSize {
		return frame.NewError(frame.ErrCodeShortMessage, "%s body of %d bytes, header needs %d", f.Kind(), len(body), callHeaderSize)
	}
	msg := Message{
		Dir:         dir,
		Kind:        f.Kind(),
		Table:       tbl,
		ServiceUUID: binary.BigEndian.Uint64(body[0:8]),
		StubID:      binary.BigEndian.Uint32(body[8:12]),
		MethodID:    binary.BigEndian.Uint32(body[12:16]),
		Payload:     body[callHeaderSize:],
		Depth:       depth,
	}
	return d.route(f, &msg)
}

func (d *Dispatcher) ret(dir stream.Direction, f frame.Frame, depth int) error {
	body := f.Body
	if len(body) < returnHeaderSize {
		return frame.NewError(frame.ErrCodeShortBody, "return body of %d bytes, header needs %d", len(body), returnHeaderSize)
	}
	msg := Message{
		Dir:         dir,
		Kind:        frame.KindReturn,
		Table:       Return,
		ServiceUUID: binary.BigEndian.Uint64(body[0:8]),
		StubID:      binary.BigEndian.Uint32(body[8:12]),
		Stuf:        binary.BigEndian.Uint32(body[12:16]),
		MethodID:    binary.BigEndian.Uint32(body[16:20]),
		Payload:     body[ReturnPayloadOffset:],
		Depth:       depth,
	}
	return d.route(f, &msg)
}

// route looks the handler up first so bodies nobody listens for are never
// decompressed.
func (d *Dispatcher) route(f frame.Frame, msg *Message) error {
	h, ok := d.reg.Lookup(msg.Table, msg.MethodID)
	if !ok {
		d.Stats.Unregistered++
		return nil
	}
	if f.Compressed() {
		out, err := d.zstd.decode(f.Kind(), msg.Payload)
		if err != nil {
			d.Stats.DecodeFailures++
			return err
		}
		msg.Payload = out
	}
	d.invoke(h, msg)
	return nil
}

func (d *Dispatcher) invoke(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.Stats.HandlerFailures++
			d.log.Errorf("[dispatch] %s handler %d panicked: %v", msg.Table, msg.MethodID, r)
		}
	}()
	if err := h(msg); err != nil {
		d.Stats.HandlerFailures++
		d.log.Warnf("[dispatch] %s handler %d: %v", msg.Table, msg.MethodID, err)
		return
	}
	d.Stats.Dispatched++
}

// nested unwraps a FrameUp/FrameDown container and dispatches every frame
// inside it. Per-message failures of inner frames are logged and skipped;
// corruption of an inner stream is returned.
func (d *Dispatcher) nested(dir stream.Direction, f frame.Frame, depth int) error {
	body := f.Body
	if len(body) < seqIDSize {
		return frame.NewError(frame.ErrCodeShortBody, "%s body of %d bytes has no sequence id", f.Kind(), len(body))
	}
	inner := body[seqIDSize:]
	if len(inner) == 0 {
		return nil
	}
	if depth+1 > d.maxDepth {
		return frame.NewError(frame.ErrCodeNestingTooDeep, "nesting depth %d exceeds %d", depth+1, d.maxDepth)
	}
	if f.Compressed() {
		out, err := d.zstd.decode(f.Kind(), inner)
		if err != nil {
			d.Stats.DecodeFailures++
			return err
		}
		inner = out
	}
	d.Stats.Nested++

	frames, err := frame.ExtractAll(&inner)
	for _, raw := range frames {
		if derr := d.dispatch(dir, raw, depth+1); derr != nil {
			if frame.IsStreamCorruption(derr) {
				return derr
			}
			d.log.Warnf("[dispatch] nested %s frame skipped: %v", dir, derr)
		}
	}
	if err != nil {
		return err
	}
	if len(inner) > 0 {
		d.log.Debugf("[dispatch] %v", frame.NewError(frame.ErrCodeTruncatedNested,
			"%d trailing bytes in %s container", len(inner), f.Kind()))
	}
	return nil
}
