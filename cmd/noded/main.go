package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"agentmesh/internal/config"
	"agentmesh/internal/follow"
	"agentmesh/internal/identity"
	"agentmesh/internal/inbox"
	"agentmesh/internal/ingress"
	"agentmesh/internal/node"
	"agentmesh/internal/ratelimit"
	"agentmesh/internal/transport"
	"agentmesh/internal/usernamecache"
)

const recoveryKeyFile = "recovery.key"

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	stateDir := flag.String("state-dir", "", "node state directory override")
	socketPath := flag.String("socket", "", "local API Unix socket path override")
	relayHosts := flag.String("relay", "", "comma-separated relay hosts, e.g. relay.example.com:50100")
	flag.Parse()

	if *showVersion {
		fmt.Printf("noded version=%s commit=%s\n", version, commit)
		return
	}

	cfg := config.LoadNodeConfig(*configPath)
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *relayHosts != "" {
		cfg.RelayHosts = strings.Split(*relayHosts, ",")
	}

	// The passphrase-unlocks-KEK vault is a separate collaborator service;
	// noded expects the recovery passphrase in its environment at startup.
	passphrase := os.Getenv("AGENTMESH_PASSPHRASE")
	if passphrase == "" {
		log.Fatalf("noded: AGENTMESH_PASSPHRASE must be set")
	}
	recoveryPath := filepath.Join(cfg.StateDir, recoveryKeyFile)
	var kek [32]byte
	var err error
	if identity.HasRecoveryKey(recoveryPath) {
		kek, err = identity.LoadRecoveryKey(recoveryPath, passphrase)
	} else {
		kek, err = identity.CreateRecoveryKey(recoveryPath, passphrase)
	}
	if err != nil {
		log.Fatalf("noded: recovery key: %v", err)
	}

	ident, err := identity.LoadOrCreate(cfg.StateDir, kek)
	if err != nil {
		log.Fatalf("noded: identity: %v", err)
	}

	storageSecret := identity.StorageSecret(kek)
	follows, err := follow.Load(cfg.StateDir, storageSecret)
	if err != nil {
		log.Fatalf("noded: follow store: %v", err)
	}
	inboxStore, err := inbox.Load(cfg.StateDir)
	if err != nil {
		log.Fatalf("noded: inbox: %v", err)
	}
	usernames, err := usernamecache.Load(cfg.StateDir)
	if err != nil {
		log.Fatalf("noded: username cache: %v", err)
	}
	seed := make(map[string]string)
	for _, rec := range follows.ListFollowing() {
		if rec.Username != "" {
			seed[rec.NodeID] = rec.Username
		}
	}
	if err := usernames.SeedFromFollows(seed); err != nil {
		slog.Warn("username cache seed failed", "event_type", "noded.username_seed_failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meshTransport := transport.New(ctx, transport.Config{
		RelayHosts:        cfg.RelayHosts,
		NodeID:            ident.NodeID,
		PublicKeyB64:      ident.PublicKeyB64,
		Secret:            ident.SecretKey(),
		ReconnectInterval: cfg.ReconnectDelay,
		PingInterval:      cfg.HeartbeatPeriod,
	})

	ingressLimiter := ratelimit.New(cfg.IngressRateCap, cfg.IngressRateFill, 0)
	policy := ingress.New(follows, ingressLimiter)

	state := node.New(ctx, node.Config{
		Identity:  ident,
		Follows:   follows,
		Inbox:     inboxStore,
		Usernames: usernames,
		Transport: meshTransport,
		Ingress:   policy,
	})

	slog.Info("noded starting", "event_type", "noded.starting", "node_id", ident.NodeID, "socket", cfg.SocketPath)
	if err := node.ServeSocket(ctx, state, cfg.SocketPath); err != nil {
		log.Fatalf("noded failed: %v", err)
	}
	slog.Info("noded stopped", "event_type", "noded.stopped")
	os.Exit(0)
}
