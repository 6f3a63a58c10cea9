// Package control serves a JSON-lines TCP interface: one client at a time
// sends commands and receives events filtered by category.
package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scenetap/internal/logging"
)

const eventQueueSize = 10000

// Callbacks connect commands to the running service. Any of them may be nil.
type Callbacks struct {
	Stats      func() map[string]any
	Connection func() (map[string]any, bool)
	Reset      func(reason string) bool
	Methods    func() map[string][]uint32
}

type ControlPlane struct {
	BindIP string
	Port   int
	Log    logging.Logger

	serverMu sync.Mutex
	listener net.Listener

	clientMu     sync.Mutex
	clientConn   net.Conn
	clientClosed bool

	events chan map[string]any

	bytesOut      atomic.Int64
	eventsDropped atomic.Int64

	defaultCats map[string]bool
	cats        map[string]bool

	cbMu sync.Mutex
	cb   Callbacks
}

func NewControlPlane(bindIP string, port int, log logging.Logger, defaultCats []string) *ControlPlane {
	if log == nil {
		log = logging.Nop()
	}
	dc := catSet(defaultCats)
	cats := map[string]bool{}
	for k := range dc {
		cats[k] = true
	}
	return &ControlPlane{
		BindIP:      bindIP,
		Port:        port,
		Log:         log,
		events:      make(chan map[string]any, eventQueueSize),
		defaultCats: dc,
		cats:        cats,
	}
}

func catSet(cats []string) map[string]bool {
	m := map[string]bool{}
	for _, c := range cats {
		c = strings.TrimSpace(c)
		if c != "" {
			m[c] = true
		}
	}
	return m
}

func (cp *ControlPlane) SetCallbacks(cb Callbacks) {
	cp.cbMu.Lock()
	defer cp.cbMu.Unlock()
	cp.cb = cb
}

func (cp *ControlPlane) BytesOut() int64      { return cp.bytesOut.Load() }
func (cp *ControlPlane) EventsDropped() int64 { return cp.eventsDropped.Load() }

// Addr returns the bound listener address, or nil before Start.
func (cp *ControlPlane) Addr() net.Addr {
	cp.serverMu.Lock()
	defer cp.serverMu.Unlock()
	if cp.listener == nil {
		return nil
	}
	return cp.listener.Addr()
}

// Connected reports whether a client is attached.
func (cp *ControlPlane) Connected() bool {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	return cp.clientConn != nil && !cp.clientClosed
}

func (cp *ControlPlane) CatEnabled(cat string) bool {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	return cp.cats[cat]
}

func (cp *ControlPlane) Cats() []string {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	keys := make([]string, 0, len(cp.cats))
	for k, v := range cp.cats {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (cp *ControlPlane) ResetSubscribe() {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	cp.cats = map[string]bool{}
	for k := range cp.defaultCats {
		cp.cats[k] = true
	}
}

func (cp *ControlPlane) Subscribe(cats []string) {
	m := catSet(cats)
	cp.clientMu.Lock()
	cp.cats = m
	cp.clientMu.Unlock()
}

// EmitRaw queues ev for the client. It never blocks; events are dropped
// when the queue is full.
func (cp *ControlPlane) EmitRaw(ev map[string]any) {
	select {
	case cp.events <- ev:
	default:
		cp.eventsDropped.Add(1)
	}
}

func (cp *ControlPlane) Start(ctx context.Context) error {
	addr := net.JoinHostPort(cp.BindIP, fmt.Sprint(cp.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	cp.serverMu.Lock()
	cp.listener = ln
	cp.serverMu.Unlock()

	cp.Log.Infof("[control] listening on %s", ln.Addr())
	stop := ctx.Done()
	go cp.eventPump(stop)
	go cp.acceptLoop(stop)
	return nil
}

func (cp *ControlPlane) Close() {
	cp.serverMu.Lock()
	ln := cp.listener
	cp.listener = nil
	cp.serverMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	cp.clientMu.Lock()
	if cp.clientConn != nil {
		_ = cp.clientConn.Close()
		cp.clientConn = nil
		cp.clientClosed = true
	}
	cp.clientMu.Unlock()
}

func (cp *ControlPlane) acceptLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		cp.serverMu.Lock()
		ln := cp.listener
		cp.serverMu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			// listener closed
			return
		}
		go cp.handleClient(conn)
	}
}

func (cp *ControlPlane) handleClient(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	// one active client; a new one replaces the old
	cp.clientMu.Lock()
	if cp.clientConn != nil {
		_ = cp.clientConn.Close()
	}
	cp.clientConn = conn
	cp.clientClosed = false
	cp.clientMu.Unlock()

	cp.EmitRaw(controlEvent("control_connected", map[string]any{"peer": peer}))

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var cmd map[string]any
		if err := json.Unmarshal(line, &cmd); err != nil {
			cp.EmitRaw(controlEvent("control_error", map[string]any{"error": "bad_json"}))
			continue
		}
		cp.handleCmd(cmd)
	}

	cp.clientMu.Lock()
	if cp.clientConn == conn {
		cp.clientConn = nil
		cp.clientClosed = true
	}
	cp.clientMu.Unlock()
	_ = conn.Close()
	cp.Log.Debugf("[control] client %s disconnected", peer)
}

func controlEvent(event string, payload map[string]any) map[string]any {
	ev := map[string]any{"ts": utcISO(time.Now()), "cat": "control", "event": event}
	for k, v := range payload {
		ev[k] = v
	}
	return ev
}

func (cp *ControlPlane) reply(replyTo string, payload map[string]any) {
	payload["reply_to"] = replyTo
	cp.EmitRaw(controlEvent("control_reply", payload))
}

func (cp *ControlPlane) handleCmd(cmd map[string]any) {
	c := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", cmd["cmd"])))

	cp.cbMu.Lock()
	cb := cp.cb
	cp.cbMu.Unlock()

	switch c {
	case "ping", "hello":
		cp.reply(c, map[string]any{"ok": true})
	case "stats", "get_stats":
		s := map[string]any{}
		if cb.Stats != nil {
			s = cb.Stats()
		}
		cp.reply(c, map[string]any{"ok": true, "stats": s})
	case "connection":
		if cb.Connection == nil {
			cp.reply(c, map[string]any{"ok": false, "error": "unavailable"})
			return
		}
		conn, ok := cb.Connection()
		if !ok {
			cp.reply(c, map[string]any{"ok": true, "tracking": false})
			return
		}
		cp.reply(c, map[string]any{"ok": true, "tracking": true, "connection": conn})
	case "reset":
		reason := "control_reset"
		if r, ok := cmd["reason"].(string); ok && strings.TrimSpace(r) != "" {
			reason = strings.TrimSpace(r)
		}
		ok := false
		if cb.Reset != nil {
			ok = cb.Reset(reason)
		}
		cp.reply(c, map[string]any{"ok": ok, "reason": reason})
	case "methods", "handlers":
		m := map[string][]uint32{}
		if cb.Methods != nil {
			m = cb.Methods()
		}
		cp.reply(c, map[string]any{"ok": true, "methods": m})
	case "subscribe":
		lst, ok := cmd["cats"].([]any)
		if !ok {
			cp.reply(c, map[string]any{"ok": false, "error": "cats must be list"})
			return
		}
		cats := make([]string, 0, len(lst))
		for _, x := range lst {
			cats = append(cats, fmt.Sprintf("%v", x))
		}
		cp.Subscribe(cats)
		cp.reply(c, map[string]any{"ok": true, "cats": cp.Cats()})
	case "subscribe_default":
		cp.ResetSubscribe()
		cp.reply(c, map[string]any{"ok": true, "cats": cp.Cats()})
	default:
		cp.reply(c, map[string]any{"ok": false, "error": "unknown_cmd"})
	}
}

func (cp *ControlPlane) eventPump(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-cp.events:
			cp.writeEvent(ev)
		}
	}
}

func (cp *ControlPlane) writeEvent(ev map[string]any) {
	cp.clientMu.Lock()
	conn := cp.clientConn
	closed := cp.clientClosed
	cp.clientMu.Unlock()
	if conn == nil || closed {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		cp.Log.Debugf("[control] marshal %v: %v", ev["event"], err)
		return
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		return
	}
	cp.bytesOut.Add(int64(len(b)))
}

func utcISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
