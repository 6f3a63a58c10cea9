// Package capture feeds link-layer frames into the engine, either from a
// live device through libpcap or from a pcap/pcapng file.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	"scenetap/internal/config"
	"scenetap/internal/engine"
	"scenetap/internal/logging"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Capture produces engine.Packets on out until its context ends or the
// source is exhausted.
type Capture struct {
	cfg config.Capture
	log logging.Logger
	out chan<- engine.Packet

	Captured atomic.Int64
	Dropped  atomic.Int64
}

func New(cfg config.Capture, log logging.Logger, out chan<- engine.Packet) *Capture {
	if log == nil {
		log = logging.Nop()
	}
	return &Capture{cfg: cfg, log: log, out: out}
}

// Run blocks until ctx is canceled or the source ends. Opening the source is
// the only fatal failure.
func (c *Capture) Run(ctx context.Context) error {
	if c.cfg.ReadFile != "" {
		return c.runFile(ctx, c.cfg.ReadFile)
	}
	return c.runLive(ctx)
}

func (c *Capture) runLive(ctx context.Context) error {
	iface, err := ResolveIface(c.cfg.Iface)
	if err != nil {
		return err
	}
	c.log.Infof("[capture] starting iface=%s bpf=%q", iface, c.cfg.BPFFilter)

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return fmt.Errorf("pcap inactive handle: %w", err)
	}
	defer inactive.CleanUp()

	_ = inactive.SetSnapLen(c.cfg.SnapLen)
	_ = inactive.SetPromisc(c.cfg.Promisc)
	// timed reads so cancellation is noticed
	_ = inactive.SetTimeout(time.Duration(c.cfg.TimeoutMS) * time.Millisecond)
	if c.cfg.BufferBytes > 0 {
		_ = inactive.SetBufferSize(c.cfg.BufferBytes)
	}

	h, err := inactive.Activate()
	if err != nil {
		return fmt.Errorf("pcap activate %s: %w", iface, err)
	}
	defer h.Close()

	if c.cfg.BPFFilter != "" {
		if err := h.SetBPFFilter(c.cfg.BPFFilter); err != nil {
			return fmt.Errorf("pcap set filter: %w", err)
		}
	}

	c.pump(ctx, h, h.LinkType(), false)
	if stats, err := h.Stats(); err == nil {
		c.log.Infof("[capture] pcap received=%d dropped=%d if_dropped=%d",
			stats.PacketsReceived, stats.PacketsDropped, stats.PacketsIfDropped)
	}
	return nil
}

func (c *Capture) runFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	src, lt, err := openReader(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	c.log.Infof("[capture] replaying %s linktype=%s", path, lt)
	c.pump(ctx, src, lt, true)
	c.log.Infof("[capture] replay of %s done, %d packets", path, c.Captured.Load())
	return nil
}

// openReader picks the pcapng or classic pcap reader from the file magic.
func openReader(r io.Reader) (gopacket.PacketDataSource, layers.LinkType, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, err
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, err
		}
		return ng, ng.LinkType(), nil
	}
	rd, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, 0, err
	}
	return rd, rd.LinkType(), nil
}

// pump copies packets from src to out. Live capture never blocks on a full
// queue and drops instead; replay waits so no packet is lost.
func (c *Capture) pump(ctx context.Context, src gopacket.PacketDataSource, lt layers.LinkType, lossless bool) {
	ps := gopacket.NewPacketSource(src, lt)
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	packets := ps.Packets()

	for {
		select {
		case <-ctx.Done():
			c.log.Infof("[capture] stopped")
			return
		case pkt, ok := <-packets:
			if !ok {
				if errors.Is(ctx.Err(), context.Canceled) {
					c.log.Infof("[capture] stopped")
				}
				return
			}
			p := engine.Packet{Data: pkt.Data(), LinkType: lt, CI: pkt.Metadata().CaptureInfo}
			c.Captured.Add(1)
			if lossless {
				select {
				case c.out <- p:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case c.out <- p:
			default:
				c.Dropped.Add(1)
			}
		}
	}
}

// ResolveIface accepts a device name or a 1-based index into ListDevices.
// An empty name selects the first device that has an address.
func ResolveIface(name string) (string, error) {
	name = strings.TrimSpace(name)
	n, numErr := strconv.Atoi(name)
	if name != "" && numErr != nil {
		return name, nil
	}
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}
	if name == "" {
		for _, d := range devs {
			if len(d.Addresses) > 0 {
				return d.Name, nil
			}
		}
		return "", fmt.Errorf("no capture device with an address found")
	}
	if n < 1 || n > len(devs) {
		return "", fmt.Errorf("device index %d out of range 1..%d", n, len(devs))
	}
	return devs[n-1].Name, nil
}

// ListDevices writes a numbered device list to w.
func ListDevices(w io.Writer) error {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for i, d := range devs {
		addrs := make([]string, 0, len(d.Addresses))
		for _, a := range d.Addresses {
			addrs = append(addrs, a.IP.String())
		}
		desc := d.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(w, "%2d  %-24s %s [%s]\n", i+1, d.Name, desc, strings.Join(addrs, ", "))
	}
	return nil
}
