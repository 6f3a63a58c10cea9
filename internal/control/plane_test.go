package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zapcore"

	"scenetap/internal/engine"
)

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, cp *ControlPlane) *client {
	t.Helper()
	conn, err := net.Dial("tcp", cp.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(cmd map[string]any) {
	c.t.Helper()
	b, _ := json.Marshal(cmd)
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		c.t.Fatal(err)
	}
}

// next returns the first event matching keep, skipping others.
func (c *client) next(keep func(map[string]any) bool) map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			c.t.Fatalf("bad line %q: %v", line, err)
		}
		if keep(ev) {
			return ev
		}
	}
}

func (c *client) reply(cmd string) map[string]any {
	return c.next(func(ev map[string]any) bool { return ev["reply_to"] == cmd })
}

func startPlane(t *testing.T) *ControlPlane {
	t.Helper()
	cp := NewControlPlane("127.0.0.1", 0, nil, []string{"connection"})
	ctx, cancel := context.WithCancel(context.Background())
	if err := cp.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		cp.Close()
	})
	return cp
}

func TestCommands(t *testing.T) {
	cp := startPlane(t)
	resets := make(chan string, 1)
	cp.SetCallbacks(Callbacks{
		Stats:      func() map[string]any { return map[string]any{"packets": 3} },
		Connection: func() (map[string]any, bool) { return map[string]any{"server": "198.51.100.10:5003"}, true },
		Reset:      func(reason string) bool { resets <- reason; return true },
		Methods:    func() map[string][]uint32 { return map[string][]uint32{"notify": {6}} },
	})
	c := dial(t, cp)

	c.send(map[string]any{"cmd": "ping"})
	if ev := c.reply("ping"); ev["ok"] != true {
		t.Fatalf("ping reply %v", ev)
	}

	c.send(map[string]any{"cmd": "stats"})
	ev := c.reply("stats")
	if ev["stats"].(map[string]any)["packets"] != float64(3) {
		t.Fatalf("stats reply %v", ev)
	}

	c.send(map[string]any{"cmd": "connection"})
	if ev := c.reply("connection"); ev["tracking"] != true {
		t.Fatalf("connection reply %v", ev)
	}

	c.send(map[string]any{"cmd": "reset", "reason": "operator"})
	if ev := c.reply("reset"); ev["ok"] != true || ev["reason"] != "operator" {
		t.Fatalf("reset reply %v", ev)
	}
	if got := <-resets; got != "operator" {
		t.Fatalf("reset reason %q", got)
	}

	c.send(map[string]any{"cmd": "bogus"})
	if ev := c.reply("bogus"); ev["ok"] != false || ev["error"] != "unknown_cmd" {
		t.Fatalf("bogus reply %v", ev)
	}
}

func TestSubscribe(t *testing.T) {
	cp := startPlane(t)
	c := dial(t, cp)

	c.send(map[string]any{"cmd": "subscribe", "cats": []string{"stream", " stats "}})
	ev := c.reply("subscribe")
	if diff := cmp.Diff([]any{"stats", "stream"}, ev["cats"]); diff != "" {
		t.Fatalf("cats (-want +got):\n%s", diff)
	}
	if cp.CatEnabled("connection") {
		t.Fatalf("default category survived subscribe")
	}

	c.send(map[string]any{"cmd": "subscribe_default"})
	ev = c.reply("subscribe_default")
	if diff := cmp.Diff([]any{"connection"}, ev["cats"]); diff != "" {
		t.Fatalf("cats (-want +got):\n%s", diff)
	}

	c.send(map[string]any{"cmd": "subscribe", "cats": "stream"})
	if ev := c.reply("subscribe"); ev["ok"] != false {
		t.Fatalf("non-list cats accepted: %v", ev)
	}
}

type captureLog struct{ prefixes []string }

func (l *captureLog) LogPayload(_ zapcore.Level, prefix string, _ map[string]any) {
	l.prefixes = append(l.prefixes, prefix)
}

func TestRouterFiltersByCategory(t *testing.T) {
	cp := startPlane(t)
	log := &captureLog{}
	r := &EventRouter{Log: log, CP: cp}
	c := dial(t, cp)

	c.send(map[string]any{"cmd": "ping"})
	c.reply("ping")

	r.EngineEvent(engine.Event{Kind: engine.EventStreamDesync, Data: map[string]any{"direction": "s2c"}})
	r.EngineEvent(engine.Event{Kind: engine.EventConnectionSwitched, Data: map[string]any{"server": "x"}})

	ev := c.next(func(ev map[string]any) bool { return ev["cat"] != "control" })
	if ev["event"] != engine.EventConnectionSwitched || ev["server"] != "x" {
		t.Fatalf("event = %v", ev)
	}
	want := []string{"stream.stream_desync", "connection.connection_switched"}
	if diff := cmp.Diff(want, log.prefixes); diff != "" {
		t.Fatalf("logged (-want +got):\n%s", diff)
	}
}
