// Package service wires capture, the decode engine, pcap recording and the
// control plane into one running process.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scenetap/internal/capture"
	"scenetap/internal/config"
	"scenetap/internal/control"
	"scenetap/internal/dispatch"
	"scenetap/internal/engine"
	"scenetap/internal/handlers"
	"scenetap/internal/logging"
	"scenetap/internal/pcapsink"
)

// Service owns every long-running component.
type Service struct {
	cfg config.Config
	log *logging.ZapLogger

	registry *dispatch.Registry
	router   *control.EventRouter
	control  *control.ControlPlane
	engine   *engine.Engine
	sink     *pcapsink.Sink
	capture  *capture.Capture
	packets  chan engine.Packet

	statsInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done    chan struct{}
	errMu   sync.Mutex
	runErr  error
	started bool
}

func New(cfg config.Config, log *logging.ZapLogger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:           cfg,
		log:           log,
		registry:      dispatch.NewRegistry(),
		packets:       make(chan engine.Packet, cfg.Capture.QueueSize),
		statsInterval: time.Duration(cfg.Runtime.StatsIntervalSec) * time.Second,
		done:          make(chan struct{}),
	}

	s.router = &control.EventRouter{Log: log}
	if cfg.Control.Enabled {
		s.control = control.NewControlPlane(cfg.Control.BindIP, cfg.Control.ListenPort, log.Named("control"), cfg.Control.DefaultCats)
		s.router.CP = s.control
	}

	if err := handlers.Register(s.registry, s.router); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.OnEvent = s.router.EngineEvent
	if cfg.Pcap.Enabled {
		s.sink = pcapsink.New(cfg.Pcap, 0, log.Named("pcap"))
		opts.Recorder = s.sink
	}
	s.engine, err = engine.New(s.registry, opts, log.Named("engine"))
	if err != nil {
		return nil, err
	}
	s.capture = capture.New(cfg.Capture, log.Named("capture"), s.packets)

	if s.control != nil {
		s.control.SetCallbacks(control.Callbacks{
			Stats: s.Stats,
			Connection: func() (map[string]any, bool) {
				conn, ok := s.engine.Connection()
				if !ok {
					return nil, false
				}
				return conn.ToDict(), true
			},
			Reset: s.engine.Reset,
			Methods: func() map[string][]uint32 {
				return map[string][]uint32{
					dispatch.Notify.String(): s.registry.Methods(dispatch.Notify),
					dispatch.Send.String():   s.registry.Methods(dispatch.Send),
					dispatch.Return.String(): s.registry.Methods(dispatch.Return),
				}
			},
		})
	}
	return s, nil
}

// Engine exposes the decode engine, mainly for tests.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Registry exposes the handler registry so callers can add handlers before
// Start.
func (s *Service) Registry() *dispatch.Registry { return s.registry }

// Start launches every component. Done is closed when the capture source
// ends and the engine has consumed every queued packet.
func (s *Service) Start(parent context.Context) error {
	if s.started {
		return errors.New("service already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(parent)

	if s.control != nil {
		if err := s.control.Start(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}
	if s.sink != nil {
		if err := s.sink.Start(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}

	var engineWG sync.WaitGroup
	engineWG.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer engineWG.Done()
		s.engine.Run(s.ctx, s.packets)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.RunCleanup(s.ctx, s.cfg.Engine.CleanupInterval())
	}()

	if s.statsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop()
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.capture.Run(s.ctx)
		if err != nil {
			s.log.Errorf("[capture] %v", err)
			s.setErr(err)
		}
		close(s.packets)
		engineWG.Wait()
		close(s.done)
	}()

	src := s.cfg.Capture.ReadFile
	if src == "" {
		src = "iface " + s.cfg.Capture.Iface
	}
	s.log.Infof("scenetap started: source=%s filter=%q", src, s.cfg.Capture.BPFFilter)
	return nil
}

// Done is closed once capture has ended and all captured packets have been
// processed.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err returns the capture error that ended the run, if any.
func (s *Service) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.runErr
}

func (s *Service) setErr(err error) {
	s.errMu.Lock()
	s.runErr = err
	s.errMu.Unlock()
}

// Stop cancels every component and waits for them until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.cancel()

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	var err error
	select {
	case <-waitCh:
	case <-ctx.Done():
		err = fmt.Errorf("stop: %w", ctx.Err())
	}

	if s.sink != nil {
		s.sink.Stop()
	}
	if s.control != nil {
		s.control.Close()
	}
	s.engine.Close()
	s.logStats()
	return err
}

// Stats merges the counters of every component.
func (s *Service) Stats() map[string]any {
	out := s.engine.Stats().ToDict()
	out["captured"] = s.capture.Captured.Load()
	out["capture_dropped"] = s.capture.Dropped.Load()
	out["queue_len"] = len(s.packets)
	if s.sink != nil {
		out["pcap"] = s.sink.Stats()
	}
	if s.control != nil {
		out["control_bytes_out"] = s.control.BytesOut()
		out["control_events_dropped"] = s.control.EventsDropped()
	}
	return out
}

func (s *Service) statsLoop() {
	t := time.NewTicker(s.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	s.router.Emit("stats", "stats", "info", s.Stats(), true)
}
