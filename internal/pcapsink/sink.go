// Package pcapsink records the packets of each tracked connection into its
// own pcap or pcapng file. Files are written as "<flow>__<start>__open" and
// renamed with the end time and close reason when tracking ends.
package pcapsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"scenetap/internal/config"
	"scenetap/internal/ident"
	"scenetap/internal/logging"
)

const (
	snapLen          = 65535
	defaultQueueSize = 20000
)

type pcapWriter interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

type writerMeta struct {
	writer pcapWriter
	file   *os.File
	path   string
	base   string
	start  time.Time
}

type itemKind int

const (
	itemBegin itemKind = iota
	itemPacket
	itemEnd
)

type item struct {
	kind   itemKind
	conn   ident.Connection
	at     time.Time
	data   []byte
	reason string
}

type Stats struct {
	Enabled      bool   `json:"enabled"`
	Format       string `json:"format"`
	Dir          string `json:"dir"`
	FilesOpened  int64  `json:"files_opened"`
	FilesClosed  int64  `json:"files_closed"`
	PktsWritten  int64  `json:"pkts_written"`
	PktsDropped  int64  `json:"pkts_dropped"`
	PktsFailed   int64  `json:"pkts_failed"`
	BytesWritten int64  `json:"bytes_written"`
}

// Sink implements engine.Recorder. Calls only enqueue; a single goroutine
// owns the open file.
type Sink struct {
	log   logging.Logger
	queue chan item

	statsMu sync.Mutex
	stats   Stats

	cur *writerMeta

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Pcap, queueSize int, log logging.Logger) *Sink {
	format := strings.TrimSpace(strings.ToLower(cfg.Format))
	if format != "pcap" {
		format = "pcapng"
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Sink{
		log:   log,
		queue: make(chan item, queueSize),
		stats: Stats{Enabled: cfg.Enabled, Format: format, Dir: cfg.Dir},
	}
}

func (s *Sink) Start(parent context.Context) error {
	if !s.stats.Enabled {
		return nil
	}
	if s.stats.Dir == "" {
		return fmt.Errorf("pcap output: missing dir")
	}
	if err := os.MkdirAll(s.stats.Dir, 0o755); err != nil {
		return fmt.Errorf("pcap output: create dir %s: %w", s.stats.Dir, err)
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.log.Infof("[pcap] recording enabled format=%s dir=%s queue=%d", s.stats.Format, s.stats.Dir, cap(s.queue))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return nil
}

// Stop flushes the queue and closes the open file with reason "stop".
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sink) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Sink) active() bool { return s.ctx != nil && s.ctx.Err() == nil }

func (s *Sink) Begin(conn ident.Connection, at time.Time) {
	s.control(item{kind: itemBegin, conn: conn, at: at})
}

func (s *Sink) End(reason string, at time.Time) {
	s.control(item{kind: itemEnd, at: at, reason: reason})
}

// Write copies pkt and queues it. Packets are dropped when the queue is
// full.
func (s *Sink) Write(at time.Time, pkt []byte) {
	if !s.active() {
		return
	}
	select {
	case s.queue <- item{kind: itemPacket, at: at, data: append([]byte(nil), pkt...)}:
	default:
		s.statsMu.Lock()
		s.stats.PktsDropped++
		s.statsMu.Unlock()
	}
}

// control items are never dropped; file boundaries depend on them.
func (s *Sink) control(it item) {
	if !s.active() {
		return
	}
	select {
	case s.queue <- it:
	case <-s.ctx.Done():
	}
}

func flowBase(conn ident.Connection) string {
	clean := strings.NewReplacer(":", "_", "[", "", "]", "")
	return fmt.Sprintf("%s__%s", clean.Replace(conn.Server.String()), clean.Replace(conn.Client.String()))
}

func (s *Sink) ext() string { return s.stats.Format }

func (s *Sink) open(conn ident.Connection, at time.Time) (*writerMeta, error) {
	base := flowBase(conn)
	path := filepath.Join(s.stats.Dir, fmt.Sprintf("%s__%d__open.%s", base, at.UnixMilli(), s.ext()))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	var w pcapWriter
	if s.stats.Format == "pcapng" {
		ng, err := pcapgo.NewNgWriter(f, layers.LinkTypeRaw)
		if err != nil {
			f.Close()
			return nil, err
		}
		w = ng
	} else {
		pw := pcapgo.NewWriter(f)
		if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
			f.Close()
			return nil, err
		}
		w = pw
	}

	s.statsMu.Lock()
	s.stats.FilesOpened++
	s.statsMu.Unlock()
	return &writerMeta{writer: w, file: f, path: path, base: base, start: at}, nil
}

func (s *Sink) close(meta *writerMeta, reason string, end time.Time) {
	if meta == nil {
		return
	}
	if ng, ok := meta.writer.(*pcapgo.NgWriter); ok {
		_ = ng.Flush()
	}
	_ = meta.file.Sync()
	_ = meta.file.Close()

	s.statsMu.Lock()
	s.stats.FilesClosed++
	s.statsMu.Unlock()

	newPath := filepath.Join(s.stats.Dir, fmt.Sprintf("%s__%d__%d__%s.%s",
		meta.base, meta.start.UnixMilli(), end.UnixMilli(), reason, s.ext()))
	if err := os.Rename(meta.path, newPath); err != nil {
		s.log.Warnf("[pcap] rename %s: %v", meta.path, err)
		return
	}
	s.log.Infof("[pcap] closed %s", filepath.Base(newPath))
}

func (s *Sink) handle(it item) {
	switch it.kind {
	case itemBegin:
		s.close(s.cur, "switched", it.at)
		s.cur = nil
		meta, err := s.open(it.conn, it.at)
		if err != nil {
			s.log.Warnf("[pcap] open failed dir=%s err=%v", s.stats.Dir, err)
			return
		}
		s.cur = meta
	case itemEnd:
		s.close(s.cur, it.reason, it.at)
		s.cur = nil
	case itemPacket:
		if s.cur == nil {
			return
		}
		ci := gopacket.CaptureInfo{Timestamp: it.at, CaptureLength: len(it.data), Length: len(it.data)}
		s.statsMu.Lock()
		defer s.statsMu.Unlock()
		if err := s.cur.writer.WritePacket(ci, it.data); err != nil {
			s.stats.PktsFailed++
			return
		}
		s.stats.PktsWritten++
		s.stats.BytesWritten += int64(len(it.data))
	}
}

func (s *Sink) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case it := <-s.queue:
			s.handle(it)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case it := <-s.queue:
			s.handle(it)
		default:
			s.close(s.cur, "stop", time.Now())
			s.cur = nil
			return
		}
	}
}
