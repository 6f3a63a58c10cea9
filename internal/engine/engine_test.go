package engine

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"scenetap/internal/dispatch"
	"scenetap/internal/frame"
	"scenetap/internal/ident"
	"scenetap/internal/stream"
)

var (
	server      = netip.MustParseAddrPort("198.51.100.10:5003")
	otherServer = netip.MustParseAddrPort("203.0.113.7:5003")
	client      = netip.MustParseAddrPort("192.168.1.20:51234")
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type harness struct {
	e      *Engine
	clk    *clock
	events []Event
	got    []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{clk: &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}
	reg := dispatch.NewRegistry()
	reg.MustRegister(dispatch.Notify, 6, func(msg *dispatch.Message) error {
		h.got = append(h.got, string(msg.Payload))
		return nil
	})
	opts.Now = h.clk.Now
	opts.OnEvent = func(ev Event) { h.events = append(h.events, ev) }
	e, err := New(reg, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	h.e = e
	return h
}

func (h *harness) eventKinds() []string {
	var out []string
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func loginResponse() []byte {
	p := make([]byte, 0x62)
	copy(p, []byte{0x00, 0x00, 0x00, 0x62, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01})
	copy(p[14:], []byte{0x00, 0x00, 0x00, 0x00, 0x0a, 0x4e})
	return p
}

func notifyFrame(method uint32, payload string) []byte {
	body := make([]byte, 16, 16+len(payload))
	binary.BigEndian.PutUint32(body[12:], method)
	return frame.Encode(frame.KindNotify, false, append(body, payload...))
}

func tcpSegment(t *testing.T, src, dst netip.AddrPort, seq uint32, payload []byte) []byte {
	t.Helper()
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		ACK:     true,
		PSH:     true,
		Window:  1024,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func ipv4Packet(t *testing.T, src, dst netip.Addr, id uint16, flags layers.IPv4Flag, fragOffset uint16, body []byte) Packet {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        64,
		Id:         id,
		Flags:      flags,
		FragOffset: fragOffset,
		Protocol:   layers.IPProtocolTCP,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(body)); err != nil {
		t.Fatal(err)
	}
	return Packet{Data: append([]byte(nil), buf.Bytes()...), LinkType: layers.LinkTypeEthernet}
}

func (h *harness) send(t *testing.T, src, dst netip.AddrPort, seq uint32, payload []byte) {
	t.Helper()
	h.e.HandlePacket(ipv4Packet(t, src.Addr(), dst.Addr(), 1, 0, 0, tcpSegment(t, src, dst, seq, payload)))
}

func TestSwitchClearsBothStreams(t *testing.T) {
	h := newHarness(t, Options{})
	h.send(t, server, client, 1000, loginResponse())

	conn, ok := h.e.Connection()
	if !ok || conn.Server != server || conn.Client != client {
		t.Fatalf("connection = %v %v", conn, ok)
	}
	s2c := h.e.streams[stream.ServerToClient]
	c2s := h.e.streams[stream.ClientToServer]
	if !s2c.Known() || *s2c.NextSeq != 1000+0x62 {
		t.Fatalf("server cursor not seeded")
	}

	// leave a gap on the server side and a partial frame on the client side
	h.send(t, server, client, 1200, []byte("ahead of cursor"))
	h.send(t, client, server, 5000, []byte{0, 0, 0, 20, 0, 2})
	if len(s2c.Segments) != 1 || len(c2s.Buf) != 6 {
		t.Fatalf("setup: cached=%d buffered=%d", len(s2c.Segments), len(c2s.Buf))
	}

	h.send(t, otherServer, client, 7000, loginResponse())
	if !s2c.Empty() || !c2s.Empty() {
		t.Fatalf("streams not cleared: s2c=%d/%d c2s=%d/%d", len(s2c.Segments), len(s2c.Buf), len(c2s.Segments), len(c2s.Buf))
	}
	if *s2c.NextSeq != 7000+0x62 {
		t.Fatalf("server cursor = %d", *s2c.NextSeq)
	}
	if c2s.Known() {
		t.Fatalf("client cursor survived switch")
	}
	want := []string{EventConnectionSwitched, EventConnectionSwitched}
	if diff := cmp.Diff(want, h.eventKinds()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}

	// same tuple again is a no-op
	h.send(t, otherServer, client, 9000, loginResponse())
	if st := h.e.Stats(); st.Switches != 2 {
		t.Fatalf("switches = %d", st.Switches)
	}
}

func TestNotifyOutOfOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.send(t, server, client, 1000, loginResponse())

	raw := notifyFrame(6, "hello")
	next := uint32(1000 + 0x62)
	h.send(t, server, client, next+10, raw[10:])
	if len(h.got) != 0 {
		t.Fatalf("dispatched before gap filled")
	}
	h.send(t, server, client, next, raw[:10])
	if diff := cmp.Diff([]string{"hello"}, h.got); diff != "" {
		t.Fatalf("handler calls (-want +got):\n%s", diff)
	}
	// retransmission of consumed bytes is stale
	h.send(t, server, client, next, raw[:10])
	if len(h.got) != 1 {
		t.Fatalf("retransmit dispatched again")
	}
	st := h.e.Stats()
	if st.Streams["s2c"].Stale != 1 || st.Dispatch.Dispatched != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDesyncResetsDirection(t *testing.T) {
	h := newHarness(t, Options{})
	h.send(t, server, client, 1000, loginResponse())

	h.send(t, server, client, 1000+0x62, []byte{0x00, 0x20, 0x00, 0x00, 1, 2, 3, 4})
	s2c := h.e.streams[stream.ServerToClient]
	if s2c.Known() || !s2c.Empty() {
		t.Fatalf("server stream not reset")
	}
	if _, ok := h.e.Connection(); !ok {
		t.Fatalf("connection dropped without reset_connection_on_desync")
	}
	last := h.events[len(h.events)-1]
	if last.Kind != EventStreamDesync || last.Data["code"] != "frame_too_large" {
		t.Fatalf("last event = %+v", last)
	}

	// the server cursor recovers from a segment that starts with a frame
	h.send(t, server, client, 50000, notifyFrame(6, "again"))
	if diff := cmp.Diff([]string{"again"}, h.got); diff != "" {
		t.Fatalf("handler calls (-want +got):\n%s", diff)
	}
	if st := h.e.Stats(); st.Desyncs != 1 {
		t.Fatalf("desyncs = %d", st.Desyncs)
	}
}

func TestDesyncCanForgetConnection(t *testing.T) {
	h := newHarness(t, Options{ResetOnDesync: true})
	h.send(t, server, client, 1000, loginResponse())
	h.send(t, client, server, 1, []byte{0x00, 0x00, 0x00, 0x02, 9, 9})
	if _, ok := h.e.Connection(); ok {
		t.Fatalf("connection kept after desync")
	}
	want := []string{EventConnectionSwitched, EventStreamDesync, EventConnectionReset}
	if diff := cmp.Diff(want, h.eventKinds()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestFragmentedSegment(t *testing.T) {
	h := newHarness(t, Options{})
	h.send(t, server, client, 1000, loginResponse())

	seg := tcpSegment(t, server, client, 1000+0x62, notifyFrame(6, "fragmented payload"))
	first, second := seg[:24], seg[24:]
	h.e.HandlePacket(ipv4Packet(t, server.Addr(), client.Addr(), 77, 0, 3, second))
	if len(h.got) != 0 || h.e.Stats().FragmentsPending != 1 {
		t.Fatalf("tail fragment should wait for the head")
	}
	h.e.HandlePacket(ipv4Packet(t, server.Addr(), client.Addr(), 77, layers.IPv4MoreFragments, 0, first))
	if diff := cmp.Diff([]string{"fragmented payload"}, h.got); diff != "" {
		t.Fatalf("handler calls (-want +got):\n%s", diff)
	}
	if st := h.e.Stats(); st.FragmentsCompleted != 1 || st.FragmentsPending != 0 {
		t.Fatalf("fragment stats = %+v", st)
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t, Options{})
	h.send(t, server, client, 1000, loginResponse())
	h.e.HandlePacket(ipv4Packet(t, server.Addr(), client.Addr(), 5, layers.IPv4MoreFragments, 0, make([]byte, 16)))

	h.e.Sweep(h.clk.t.Add(10 * time.Second))
	if _, ok := h.e.Connection(); !ok {
		t.Fatalf("connection dropped early")
	}

	h.clk.t = h.clk.t.Add(31 * time.Second)
	h.e.Sweep(h.clk.t)
	if _, ok := h.e.Connection(); ok {
		t.Fatalf("idle connection kept")
	}
	st := h.e.Stats()
	if st.FragmentsPending != 0 || st.FragmentsEvicted != 1 || st.IdleResets != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if last := h.events[len(h.events)-1]; last.Kind != EventConnectionIdle {
		t.Fatalf("last event = %s", last.Kind)
	}
}

func TestUntrackedTraffic(t *testing.T) {
	h := newHarness(t, Options{})
	stranger := netip.MustParseAddrPort("192.0.2.1:443")
	h.send(t, stranger, client, 1, notifyFrame(6, "nope"))
	// the client side never identifies a server
	h.send(t, client, server, 1, loginResponse())
	if _, ok := h.e.Connection(); ok {
		t.Fatalf("connection identified from untrusted packets")
	}
	if len(h.got) != 0 || h.e.Stats().Untracked != 2 {
		t.Fatalf("got=%v stats=%+v", h.got, h.e.Stats())
	}
}

func TestLocalNetsMarkClientSide(t *testing.T) {
	h := newHarness(t, Options{LocalNets: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")}})
	h.send(t, server, client, 1000, loginResponse())
	if _, ok := h.e.Connection(); ok {
		t.Fatalf("local address treated as server")
	}
}

type fakeRecorder struct {
	begins []ident.Connection
	writes [][]byte
	ends   []string
	endAt  []time.Time
}

func (r *fakeRecorder) Begin(conn ident.Connection, _ time.Time) { r.begins = append(r.begins, conn) }
func (r *fakeRecorder) Write(_ time.Time, pkt []byte)            { r.writes = append(r.writes, pkt) }
func (r *fakeRecorder) End(reason string, at time.Time) {
	r.ends = append(r.ends, reason)
	r.endAt = append(r.endAt, at)
}

func TestRecorderFollowsConnection(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, Options{Recorder: rec})
	h.send(t, server, client, 1000, loginResponse())
	h.send(t, server, client, 1000+0x62, notifyFrame(6, "x"))
	h.clk.t = h.clk.t.Add(5 * time.Second)
	if !h.e.Reset("manual") {
		t.Fatalf("reset reported nothing tracked")
	}

	if len(rec.begins) != 1 || rec.begins[0].Server != server {
		t.Fatalf("begins = %v", rec.begins)
	}
	if diff := cmp.Diff([]string{"manual"}, rec.ends); diff != "" {
		t.Fatalf("ends (-want +got):\n%s", diff)
	}
	if !rec.endAt[0].Equal(h.clk.t) {
		t.Fatalf("end time %v, want engine clock %v", rec.endAt[0], h.clk.t)
	}
	if len(rec.writes) != 2 {
		t.Fatalf("writes = %d", len(rec.writes))
	}
	pkt := gopacket.NewPacket(rec.writes[1], layers.LayerTypeIPv4, gopacket.Default)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || tcp.Seq != 1000+0x62 {
		t.Fatalf("recorded packet does not decode: %v", pkt)
	}
}
