// Package engine owns all reassembly state: IPv4 fragment groups, the
// tracked connection and its two directional streams. Packets and the
// periodic sweep are serialized on one mutex.
package engine

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"scenetap/internal/config"
	"scenetap/internal/dispatch"
	"scenetap/internal/frame"
	"scenetap/internal/ident"
	"scenetap/internal/ipfrag"
	"scenetap/internal/logging"
	"scenetap/internal/stream"
)

// Packet is one captured link-layer frame.
type Packet struct {
	Data     []byte
	LinkType layers.LinkType
	CI       gopacket.CaptureInfo
}

// Event is a state change worth telling subscribers about.
type Event struct {
	Kind string
	At   time.Time
	Data map[string]any
}

const (
	EventConnectionSwitched = "connection_switched"
	EventConnectionIdle     = "connection_idle"
	EventConnectionReset    = "connection_reset"
	EventStreamDesync       = "stream_desync"
)

// Recorder receives the IPv4 packets of the tracked connection.
type Recorder interface {
	Begin(conn ident.Connection, at time.Time)
	Write(at time.Time, ipPacket []byte)
	End(reason string, at time.Time)
}

type Options struct {
	FragmentTimeout time.Duration
	IdleTimeout     time.Duration
	MaxSegments     int
	MaxNestingDepth int
	// ResetOnDesync also forgets the tracked connection when one of its
	// streams desynchronizes.
	ResetOnDesync bool
	// LocalNets extends the private, loopback and link-local ranges that
	// count as the client side.
	LocalNets []netip.Prefix
	IdleSleep time.Duration

	OnEvent  func(Event)
	Recorder Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the engine and capture sections onto Options.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	nets, err := cfg.Capture.Prefixes()
	if err != nil {
		return Options{}, err
	}
	e := cfg.Engine
	return Options{
		FragmentTimeout: e.FragmentTimeout(),
		IdleTimeout:     e.IdleTimeout(),
		MaxSegments:     e.MaxOOOSegments,
		MaxNestingDepth: e.MaxNestingDepth,
		ResetOnDesync:   e.ResetOnDesync,
		LocalNets:       nets,
		IdleSleep:       e.IdleSleep(),
	}, nil
}

type Engine struct {
	mu   sync.Mutex
	opts Options
	log  logging.Logger
	now  func() time.Time

	frags   *ipfrag.Reassembler
	id      *ident.Identifier
	streams [2]*stream.State
	disp    *dispatch.Dispatcher
	links   map[layers.LinkType]*linkDecoder
	tcp     layers.TCP

	lastActivity time.Time
	counters     counters
}

type counters struct {
	Packets        int64
	NonIPv4        int64
	NonTCP         int64
	BadTCP         int64
	FragmentErrors int64
	Untracked      int64
	Segments       int64
	Desyncs        int64
	MessageErrors  int64
	IdleResets     int64
}

// New builds an engine dispatching into reg. reg must not be modified
// afterwards.
func New(reg *dispatch.Registry, opts Options, log logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Nop()
	}
	if opts.FragmentTimeout <= 0 {
		opts.FragmentTimeout = ipfrag.DefaultTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = stream.DefaultMaxSegments
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	disp, err := dispatch.New(reg, dispatch.Options{MaxDepth: opts.MaxNestingDepth}, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts:  opts,
		log:   log,
		now:   opts.Now,
		frags: ipfrag.New(),
		id:    ident.New(),
		disp:  disp,
		links: make(map[layers.LinkType]*linkDecoder),
	}
	for _, dir := range []stream.Direction{stream.ClientToServer, stream.ServerToClient} {
		st := stream.New(dir)
		st.MaxSegments = opts.MaxSegments
		e.streams[dir] = st
	}
	return e, nil
}

func (e *Engine) Close() { e.disp.Close() }

// HandlePacket runs one captured frame through fragment reassembly,
// connection identification, stream reassembly and dispatch.
func (e *Engine) HandlePacket(p Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.counters.Packets++

	ld := e.links[p.LinkType]
	if ld == nil {
		var ok bool
		if ld, ok = newLinkDecoder(p.LinkType); !ok {
			e.counters.NonIPv4++
			return
		}
		e.links[p.LinkType] = ld
	}
	ip, ok := ld.ipv4(p.Data)
	if !ok {
		e.counters.NonIPv4++
		return
	}
	if ip.Protocol != layers.IPProtocolTCP {
		e.counters.NonTCP++
		return
	}

	key := ipfrag.FlowKey{
		ID:       ip.Id,
		Src:      addrFrom(ip.SrcIP),
		Dst:      addrFrom(ip.DstIP),
		Protocol: uint8(ip.Protocol),
	}
	last := ip.Flags&layers.IPv4MoreFragments == 0
	payload, complete, err := e.frags.Submit(key, int(ip.FragOffset)*8, last, ip.Payload, now)
	if err != nil {
		e.counters.FragmentErrors++
		e.log.Debugf("[engine] %v", err)
		return
	}
	if !complete {
		return
	}

	at := p.CI.Timestamp
	if at.IsZero() {
		at = now
	}
	e.handleSegment(ip, key.Src, key.Dst, payload, at, now)
}

func (e *Engine) handleSegment(ip *layers.IPv4, srcIP, dstIP netip.Addr, segment []byte, at, now time.Time) {
	if err := e.tcp.DecodeFromBytes(segment, gopacket.NilDecodeFeedback); err != nil {
		e.counters.BadTCP++
		return
	}
	data := e.tcp.Payload
	if len(data) == 0 {
		return
	}
	src := netip.AddrPortFrom(srcIP, uint16(e.tcp.SrcPort))
	dst := netip.AddrPortFrom(dstIP, uint16(e.tcp.DstPort))
	seq := e.tcp.Seq

	if ev, ok := e.id.Inspect(src, dst, !e.isLocal(srcIP), seq, data); ok {
		e.switchTo(ev, now)
		e.record(ip, segment, at)
		return
	}

	conn, ok := e.id.Current()
	if !ok {
		e.counters.Untracked++
		return
	}
	dir, ok := conn.Direction(src, dst)
	if !ok {
		e.counters.Untracked++
		return
	}
	e.counters.Segments++
	e.record(ip, segment, at)

	st := e.streams[dir]
	if fresh := st.Accept(seq, data, now); len(fresh) == 0 {
		return
	}
	e.lastActivity = now
	e.drain(dir, st)
}

// drain extracts and dispatches every complete frame buffered in st.
func (e *Engine) drain(dir stream.Direction, st *stream.State) {
	frames, err := frame.ExtractAll(&st.Buf)
	for _, raw := range frames {
		derr := e.disp.Dispatch(dir, raw)
		if derr == nil {
			continue
		}
		if frame.IsStreamCorruption(derr) {
			e.desync(dir, derr)
			return
		}
		e.counters.MessageErrors++
		e.log.Debugf("[engine] %s message skipped: %v", dir, derr)
	}
	if err != nil {
		e.desync(dir, err)
	}
}

func (e *Engine) desync(dir stream.Direction, err error) {
	e.counters.Desyncs++
	conn, _ := e.id.Current()
	e.log.Warnf("[engine] %s stream of %s desynchronized, resetting: %v", dir, conn, err)
	e.streams[dir].Reset()

	data := map[string]any{"direction": dir.String(), "connection": conn.String(), "error": err.Error()}
	if pe, ok := frame.IsProtocolError(err); ok {
		data["code"] = pe.Code.String()
	}
	e.emit(EventStreamDesync, data)

	if e.opts.ResetOnDesync {
		e.forget("desync", e.now())
		e.emit(EventConnectionReset, map[string]any{"reason": "desync", "connection": conn.String()})
	}
}

func (e *Engine) switchTo(ev ident.SwitchEvent, now time.Time) {
	for _, st := range e.streams {
		st.Reset()
	}
	e.streams[stream.ServerToClient].Expect(ev.NextSeq)
	e.lastActivity = now

	if r := e.opts.Recorder; r != nil {
		if !ev.Previous.IsZero() {
			r.End("switched", now)
		}
		r.Begin(ev.Conn, now)
	}
	e.log.Infof("[engine] tracking %s (previous %s, server seq %d)", ev.Conn, ev.Previous, ev.NextSeq)
	data := ev.Conn.ToDict()
	data["previous"] = ev.Previous.String()
	data["next_seq"] = ev.NextSeq
	e.emit(EventConnectionSwitched, data)
}

// forget drops the tracked connection and both streams.
func (e *Engine) forget(reason string, at time.Time) {
	if _, ok := e.id.Current(); !ok {
		return
	}
	e.id.Forget()
	for _, st := range e.streams {
		st.Reset()
	}
	e.lastActivity = time.Time{}
	if r := e.opts.Recorder; r != nil {
		r.End(reason, at)
	}
}

func (e *Engine) record(ip *layers.IPv4, segment []byte, at time.Time) {
	r := e.opts.Recorder
	if r == nil {
		return
	}
	pkt, err := rebuildIPv4(ip, segment)
	if err != nil {
		e.log.Debugf("[engine] rebuild packet for recording: %v", err)
		return
	}
	r.Write(at, pkt)
}

func (e *Engine) emit(kind string, data map[string]any) {
	if e.opts.OnEvent == nil {
		return
	}
	e.opts.OnEvent(Event{Kind: kind, At: e.now(), Data: data})
}

func (e *Engine) isLocal(a netip.Addr) bool {
	if a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range e.opts.LocalNets {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Sweep evicts stale fragment groups and forgets the tracked connection
// once it has been idle for longer than the idle timeout.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n := e.frags.Evict(now.Add(-e.opts.FragmentTimeout)); n > 0 {
		e.log.Infof("[engine] evicted %d expired fragment groups", n)
	}
	conn, ok := e.id.Current()
	if !ok || e.lastActivity.IsZero() || now.Sub(e.lastActivity) <= e.opts.IdleTimeout {
		return
	}
	idle := now.Sub(e.lastActivity)
	e.counters.IdleResets++
	e.forget("idle", now)
	e.log.Infof("[engine] %s idle for %s, tracking reset", conn, idle.Truncate(time.Second))
	e.emit(EventConnectionIdle, map[string]any{"connection": conn.String(), "idle_sec": int(idle.Seconds())})
}

// Reset forgets the tracked connection on request.
func (e *Engine) Reset(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.id.Current()
	if !ok {
		return false
	}
	e.forget(reason, e.now())
	e.log.Infof("[engine] tracking of %s reset: %s", conn, reason)
	e.emit(EventConnectionReset, map[string]any{"reason": reason, "connection": conn.String()})
	return true
}

// Connection returns the tracked connection, if any.
func (e *Engine) Connection() (ident.Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id.Current()
}

// Run consumes packets until ctx is done or in is closed.
func (e *Engine) Run(ctx context.Context, in <-chan Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			e.HandlePacket(p)
		default:
			time.Sleep(e.opts.IdleSleep)
		}
	}
}

// RunCleanup calls Sweep every interval until ctx is done.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Sweep(e.now())
		}
	}
}
