package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scenetap/internal/capture"
	"scenetap/internal/config"
	"scenetap/internal/logging"
	"scenetap/internal/service"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML, JSON or json-ish config file (defaults apply when empty)")
	cliLevel := flag.String("log-level", "", "Optional console override: DEBUG/INFO/WARNING/ERROR")
	readFile := flag.String("read", "", "Replay a pcap/pcapng file instead of capturing live")
	iface := flag.String("iface", "", "Capture device name or index from -list-devices")
	listDevices := flag.Bool("list-devices", false, "List capture devices and exit")
	flag.Parse()

	if *listDevices {
		if err := capture.ListDevices(os.Stdout); err != nil {
			_, _ = os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
		return
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			_, _ = os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
	}
	if *readFile != "" {
		cfg.Capture.ReadFile = *readFile
	}
	if *iface != "" {
		cfg.Capture.Iface = *iface
	}

	log, err := logging.Setup(cfg.Logging, *cliLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	svc, err := service.New(cfg, log)
	if err != nil {
		log.Errorf("init error: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Errorf("start error: %v", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		log.Infof("shutdown requested")
	case <-svc.Done():
		if err := svc.Err(); err != nil {
			log.Errorf("capture ended: %v", err)
		} else {
			log.Infof("capture source exhausted")
		}
	}

	timeout := time.Duration(cfg.Runtime.StopTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		// pcap handles can block in the kernel; do not hang on exit
		log.Errorf("%v, forcing exit", err)
		log.Close()
		os.Exit(1)
	}
	if svc.Err() != nil {
		log.Close()
		os.Exit(1)
	}
}
