// Package ident recognizes the scene server connection from payload
// signatures instead of port numbers.
package ident

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"scenetap/internal/stream"
)

const (
	smallPacketSkip      = 10
	smallPacketSigOffset = 5

	loginResponseLen = 0x62
)

var (
	smallPacketSig = []byte{0x00, 0x63, 0x33, 0x53, 0x42, 0x00}

	loginResponseSig = []byte{
		0x00, 0x00, 0x00, 0x62,
		0x00, 0x03,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x11, 0x45, 0x14,
		0x00, 0x00, 0x00, 0x00,
		0x0a, 0x4e, 0x08, 0x01, 0x22, 0x24,
	}
)

// Connection is the tracked TCP 4-tuple.
type Connection struct {
	Server netip.AddrPort
	Client netip.AddrPort
}

func (c Connection) IsZero() bool { return !c.Server.IsValid() && !c.Client.IsValid() }

func (c Connection) String() string {
	if c.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s -> %s", c.Server, c.Client)
}

// Direction maps a packet's endpoints onto the connection. ok is false when
// the packet belongs to some other conversation.
func (c Connection) Direction(src, dst netip.AddrPort) (stream.Direction, bool) {
	if c.IsZero() {
		return 0, false
	}
	switch {
	case src == c.Server && dst == c.Client:
		return stream.ServerToClient, true
	case src == c.Client && dst == c.Server:
		return stream.ClientToServer, true
	}
	return 0, false
}

func (c Connection) ToDict() map[string]any {
	return map[string]any{
		"server": c.Server.String(),
		"client": c.Client.String(),
	}
}

// SwitchEvent is produced when a signature moves tracking to a new tuple.
type SwitchEvent struct {
	Previous Connection
	Conn     Connection
	// Seq is the TCP sequence number of the matching packet; NextSeq is the
	// server cursor implied by it.
	Seq     uint32
	NextSeq uint32
}

// Identifier owns the current connection identity.
type Identifier struct {
	current Connection

	Matches  int64
	Switches int64
}

func New() *Identifier { return &Identifier{} }

// Current returns the tracked connection, if any.
func (id *Identifier) Current() (Connection, bool) {
	return id.current, !id.current.IsZero()
}

// Forget drops the tracked connection.
func (id *Identifier) Forget() { id.current = Connection{} }

// Inspect checks one payload for the server signatures. Only server side
// payloads are considered. A match on the tuple already tracked is a no-op;
// a match on any other tuple replaces it and returns a SwitchEvent.
func (id *Identifier) Inspect(src, dst netip.AddrPort, fromServer bool, seq uint32, payload []byte) (SwitchEvent, bool) {
	if !fromServer || len(payload) == 0 {
		return SwitchEvent{}, false
	}
	if !MatchesSmallPacket(payload) && !MatchesLoginResponse(payload) {
		return SwitchEvent{}, false
	}
	id.Matches++

	conn := Connection{Server: src, Client: dst}
	if conn == id.current {
		return SwitchEvent{}, false
	}
	ev := SwitchEvent{
		Previous: id.current,
		Conn:     conn,
		Seq:      seq,
		NextSeq:  seq + uint32(len(payload)),
	}
	id.current = conn
	id.Switches++
	return ev, true
}

// MatchesSmallPacket scans the sub-records that follow the 10 byte prefix
// of a small server packet for the scene server marker. A malformed
// sub-record ends the scan.
func MatchesSmallPacket(payload []byte) bool {
	if len(payload) <= smallPacketSkip || payload[4] != 0 {
		return false
	}
	data := payload[smallPacketSkip:]
	offset := 0
	for offset+4 < len(data) {
		n := int(binary.BigEndian.Uint32(data[offset:]))
		if n < 4 || n > len(data)-offset {
			return false
		}
		rec := data[offset+4 : offset+n]
		end := smallPacketSigOffset + len(smallPacketSig)
		if len(rec) >= end && bytes.Equal(rec[smallPacketSigOffset:end], smallPacketSig) {
			return true
		}
		offset += n
	}
	return false
}

// MatchesLoginResponse recognizes the fixed size login reply.
func MatchesLoginResponse(payload []byte) bool {
	if len(payload) != loginResponseLen {
		return false
	}
	return bytes.Equal(payload[:10], loginResponseSig[:10]) &&
		bytes.Equal(payload[14:20], loginResponseSig[14:20])
}
