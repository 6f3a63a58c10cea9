package ident

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"scenetap/internal/stream"
)

var (
	server = netip.MustParseAddrPort("198.51.100.10:5003")
	client = netip.MustParseAddrPort("192.168.1.20:51234")
)

// smallPacket builds a payload whose sub-records follow a 10 byte prefix.
func smallPacket(records ...[]byte) []byte {
	p := make([]byte, 10)
	for _, r := range records {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(4+len(r)))
		p = append(p, l[:]...)
		p = append(p, r...)
	}
	return p
}

func markedRecord() []byte {
	r := []byte{1, 2, 3, 4, 5}
	r = append(r, smallPacketSig...)
	return append(r, 0xEE, 0xEE)
}

func loginResponse() []byte {
	p := make([]byte, loginResponseLen)
	copy(p, loginResponseSig)
	// bytes 10..13 are not part of the signature
	p[10], p[11], p[12], p[13] = 9, 9, 9, 9
	return p
}

func TestMatchesSmallPacket(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"marked record", smallPacket(markedRecord()), true},
		{"marked second record", smallPacket([]byte("plain record"), markedRecord()), true},
		{"no marker", smallPacket([]byte("plain record data")), false},
		{"byte 4 set", func() []byte { p := smallPacket(markedRecord()); p[4] = 1; return p }(), false},
		{"too short", []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, false},
		{"record overruns", func() []byte {
			p := smallPacket(markedRecord())
			binary.BigEndian.PutUint32(p[10:], 500)
			return p
		}(), false},
		{"zero length record", append(make([]byte, 10), 0, 0, 0, 0, 1, 2, 3), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesSmallPacket(tc.payload); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesLoginResponse(t *testing.T) {
	if !MatchesLoginResponse(loginResponse()) {
		t.Fatalf("login response not recognized")
	}
	bad := loginResponse()
	bad[16] ^= 0xFF
	if MatchesLoginResponse(bad) {
		t.Fatalf("corrupted second block accepted")
	}
	if MatchesLoginResponse(loginResponse()[:0x61]) {
		t.Fatalf("wrong size accepted")
	}
}

func TestInspectSwitchesOnce(t *testing.T) {
	id := New()
	payload := smallPacket(markedRecord())

	ev, ok := id.Inspect(server, client, true, 1000, payload)
	if !ok {
		t.Fatalf("expected switch event")
	}
	if ev.Conn.Server != server || ev.Conn.Client != client {
		t.Fatalf("conn = %s", ev.Conn)
	}
	if ev.NextSeq != 1000+uint32(len(payload)) {
		t.Fatalf("next seq = %d", ev.NextSeq)
	}
	if !ev.Previous.IsZero() {
		t.Fatalf("previous = %s", ev.Previous)
	}

	if _, ok := id.Inspect(server, client, true, 5000, payload); ok {
		t.Fatalf("same tuple must not switch again")
	}
	if id.Switches != 1 || id.Matches != 2 {
		t.Fatalf("switches=%d matches=%d", id.Switches, id.Matches)
	}
}

func TestInspectIgnoresClientSide(t *testing.T) {
	id := New()
	if _, ok := id.Inspect(client, server, false, 1, loginResponse()); ok {
		t.Fatalf("client side payload must not identify the server")
	}
	if _, ok := id.Current(); ok {
		t.Fatalf("connection set from client payload")
	}
}

func TestLastMatchWins(t *testing.T) {
	id := New()
	other := netip.MustParseAddrPort("198.51.100.99:5003")
	id.Inspect(server, client, true, 1, loginResponse())
	ev, ok := id.Inspect(other, client, true, 1, loginResponse())
	if !ok || ev.Previous.Server != server {
		t.Fatalf("expected switch from %s, got %+v", server, ev)
	}
	cur, _ := id.Current()
	if cur.Server != other {
		t.Fatalf("current = %s", cur)
	}
}

func TestConnectionDirection(t *testing.T) {
	c := Connection{Server: server, Client: client}
	if d, ok := c.Direction(server, client); !ok || d != stream.ServerToClient {
		t.Fatalf("server packet: %v %v", d, ok)
	}
	if d, ok := c.Direction(client, server); !ok || d != stream.ClientToServer {
		t.Fatalf("client packet: %v %v", d, ok)
	}
	if _, ok := c.Direction(client, netip.MustParseAddrPort("8.8.8.8:53")); ok {
		t.Fatalf("foreign packet matched")
	}
}
