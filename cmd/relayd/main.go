package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"agentmesh/internal/config"
	"agentmesh/internal/relay"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	listen := flag.String("listen", "", "listen address override, e.g. 0.0.0.0:50100")
	dataDir := flag.String("data-dir", "", "relay data directory override")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus /metrics listen address (empty disables it)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relayd version=%s commit=%s\n", version, commit)
		return
	}

	cfg := config.LoadRelayConfig(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := relay.NewServer(relay.Config{
		MaxConnections:  cfg.MaxConnections,
		DataDir:         cfg.DataDir,
		RelayRate:       cfg.RelayRateLimit,
		RegisterRate:    cfg.RegisterRateLimit,
		LookupRate:      cfg.LookupRateLimit,
		CleanupInterval: cfg.CleanupInterval,
		TLSCertPath:     cfg.TLSCertPath,
		TLSKeyPath:      cfg.TLSKeyPath,
	})
	if err != nil {
		log.Fatalf("relayd failed to initialize: %v", err)
	}
	defer srv.Close()

	if *metricsAddr != "" {
		go func() {
			if err := relay.ServeMetrics(*metricsAddr); err != nil {
				slog.Warn("metrics server stopped", "event_type", "relayd.metrics_failed", "err", err)
			}
		}()
	}

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	slog.Info("relayd starting", "event_type", "relayd.starting", "listen", cfg.Listen, "data_dir", cfg.DataDir)
	if err := srv.Serve(cfg.Listen, stopCh); err != nil {
		log.Fatalf("relayd failed: %v", err)
	}
	slog.Info("relayd stopped", "event_type", "relayd.stopped")
	os.Exit(0)
}
