// Package config loads the scenetap configuration file. JSON, json-ish
// (comments, unquoted keys, trailing commas) and YAML are accepted.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models the user-provided configuration file.
type Config struct {
	Capture Capture `json:"capture" yaml:"capture"`
	Engine  Engine  `json:"engine" yaml:"engine"`
	Control Control `json:"control" yaml:"control"`
	Pcap    Pcap    `json:"pcap" yaml:"pcap"`
	Logging Logging `json:"logging" yaml:"logging"`
	Runtime Runtime `json:"runtime" yaml:"runtime"`
}

// Capture describes the packet source.
type Capture struct {
	// Iface is a device name or a 1-based index into the device list.
	Iface       string `json:"iface" yaml:"iface"`
	BPFFilter   string `json:"bpf_filter" yaml:"bpf_filter"`
	SnapLen     int    `json:"snaplen" yaml:"snaplen"`
	Promisc     bool   `json:"promisc" yaml:"promisc"`
	BufferBytes int    `json:"buffer_bytes" yaml:"buffer_bytes"`
	TimeoutMS   int    `json:"timeout_ms" yaml:"timeout_ms"`
	// ReadFile replays a pcap or pcapng file instead of opening a device.
	ReadFile  string   `json:"read_file" yaml:"read_file"`
	QueueSize int      `json:"queue_size" yaml:"queue_size"`
	LocalNets []string `json:"local_nets" yaml:"local_nets"`
}

// Engine holds reassembly tunables.
type Engine struct {
	FragmentTimeoutMS int  `json:"fragment_timeout_ms" yaml:"fragment_timeout_ms"`
	IdleTimeoutMS     int  `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	CleanupIntervalMS int  `json:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
	MaxNestingDepth   int  `json:"max_nesting_depth" yaml:"max_nesting_depth"`
	MaxOOOSegments    int  `json:"max_ooo_segments" yaml:"max_ooo_segments"`
	ResetOnDesync     bool `json:"reset_connection_on_desync" yaml:"reset_connection_on_desync"`
	IdleSleepMS       int  `json:"idle_sleep_ms" yaml:"idle_sleep_ms"`
}

// Control configures the JSON-lines control listener.
type Control struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	BindIP      string   `json:"bind_ip" yaml:"bind_ip"`
	ListenPort  int      `json:"listen_port" yaml:"listen_port"`
	DefaultCats []string `json:"default_cats" yaml:"default_cats"`
}

// Pcap configures per-connection capture recording.
type Pcap struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
	// Format is "pcapng" or "pcap".
	Format string `json:"format" yaml:"format"`
}

// Logging configures console and file output.
type Logging struct {
	Console LogSink `json:"console" yaml:"console"`
	File    LogSink `json:"file" yaml:"file"`
}

type LogSink struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Path      string `json:"path" yaml:"path"`
	Verbosity string `json:"verbosity" yaml:"verbosity"`
	// Format is "console" or "json".
	Format string `json:"format" yaml:"format"`
}

type Runtime struct {
	StatsIntervalSec int `json:"stats_interval_sec" yaml:"stats_interval_sec"`
	StopTimeoutSec   int `json:"stop_timeout_sec" yaml:"stop_timeout_sec"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Capture: Capture{
			BPFFilter:   "ip and tcp",
			SnapLen:     65535,
			Promisc:     true,
			BufferBytes: 8 << 20,
			TimeoutMS:   100,
			QueueSize:   10000,
		},
		Engine: Engine{
			FragmentTimeoutMS: 30000,
			IdleTimeoutMS:     30000,
			CleanupIntervalMS: 10000,
			MaxNestingDepth:   8,
			MaxOOOSegments:    4096,
			IdleSleepMS:       1,
		},
		Control: Control{
			BindIP:      "127.0.0.1",
			ListenPort:  50005,
			DefaultCats: []string{"connection", "stream"},
		},
		Pcap: Pcap{
			Dir:    "captures",
			Format: "pcapng",
		},
		Logging: Logging{
			Console: LogSink{Enabled: true, Verbosity: "INFO", Format: "console"},
			File:    LogSink{Path: "scenetap.log", Verbosity: "INFO", Format: "json"},
		},
		Runtime: Runtime{StatsIntervalSec: 30, StopTimeoutSec: 5},
	}
}

var (
	jsonishKeyRe         = regexp.MustCompile(`(?m)(^|\s|[{,])([A-Za-z_][A-Za-z0-9_-]*)(\s*):`)
	jsonishTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	jsonishLineComment   = regexp.MustCompile(`(?m)^\s*(//|#).*$`)
	jsonishBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// normalizeJSONish strips comments, quotes bare keys and drops trailing
// commas so the result parses as strict JSON.
func normalizeJSONish(text string) string {
	text = jsonishBlockComment.ReplaceAllString(text, "")
	text = jsonishLineComment.ReplaceAllString(text, "")
	text = jsonishKeyRe.ReplaceAllString(text, `$1"$2"$3:`)
	text = jsonishTrailingComma.ReplaceAllString(text, `$1`)
	return strings.TrimSpace(text)
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw according to the file extension ext (".yaml", ".yml" or
// anything else for JSON/json-ish).
func Parse(raw []byte, ext string) (Config, error) {
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			cfg = Default()
			norm := normalizeJSONish(string(raw))
			dec := json.NewDecoder(bytes.NewReader([]byte(norm)))
			if err2 := dec.Decode(&cfg); err2 != nil {
				return Config{}, fmt.Errorf("parse json-ish: %w", err2)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	e := c.Engine
	switch {
	case e.FragmentTimeoutMS <= 0:
		return fmt.Errorf("engine.fragment_timeout_ms must be positive")
	case e.IdleTimeoutMS <= 0:
		return fmt.Errorf("engine.idle_timeout_ms must be positive")
	case e.CleanupIntervalMS <= 0:
		return fmt.Errorf("engine.cleanup_interval_ms must be positive")
	case e.MaxNestingDepth < 1:
		return fmt.Errorf("engine.max_nesting_depth must be at least 1")
	case e.MaxOOOSegments < 1:
		return fmt.Errorf("engine.max_ooo_segments must be at least 1")
	}
	if c.Capture.QueueSize < 1 {
		return fmt.Errorf("capture.queue_size must be at least 1")
	}
	if c.Control.Enabled && (c.Control.ListenPort <= 0 || c.Control.ListenPort > 65535) {
		return fmt.Errorf("control.listen_port %d out of range", c.Control.ListenPort)
	}
	switch strings.ToLower(c.Pcap.Format) {
	case "pcap", "pcapng":
	default:
		return fmt.Errorf("pcap.format %q: want pcap or pcapng", c.Pcap.Format)
	}
	if _, err := c.Capture.Prefixes(); err != nil {
		return err
	}
	return nil
}

// Prefixes parses Capture.LocalNets.
func (c Capture) Prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.LocalNets))
	for _, s := range c.LocalNets {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("capture.local_nets: %w", err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (e Engine) FragmentTimeout() time.Duration { return ms(e.FragmentTimeoutMS) }
func (e Engine) IdleTimeout() time.Duration     { return ms(e.IdleTimeoutMS) }
func (e Engine) CleanupInterval() time.Duration { return ms(e.CleanupIntervalMS) }
func (e Engine) IdleSleep() time.Duration       { return ms(e.IdleSleepMS) }
