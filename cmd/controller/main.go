package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gorm.io/gorm"

	"nodelab/pkg/api"
	"nodelab/pkg/config"
	"nodelab/pkg/db"
	"nodelab/pkg/gateway"
	"nodelab/pkg/logger"
	"nodelab/pkg/netfabric"
	"nodelab/pkg/overlay"
	"nodelab/pkg/registry"
	"nodelab/pkg/store"
	"nodelab/pkg/supervisor"
	"nodelab/pkg/version"
)

func main() {
	cfgPath := flag.String("config", "", "config file path (default: search for nodelab.yaml)")
	addr := flag.String("addr", "", "listen address, overrides listen_addr")
	storeType := flag.String("store", "", "store backend: file|memory|consul (consul requires build tag consul)")
	flag.Parse()

	loader := config.NewLoader()
	if *addr != "" {
		loader.Set("listen_addr", *addr)
	}
	if *storeType != "" {
		loader.Set("store.backend", *storeType)
	}
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("controller exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting controller", "version", version.String(), "store", cfg.Store.Backend)

	nodes, audit, storePing, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	if c, ok := audit.(interface{ Close() error }); ok {
		defer c.Close()
	}

	links, owner, err := openLinks(cfg)
	if err != nil {
		return err
	}
	fabric := netfabric.New(links, owner, log)

	overlays := overlay.New(overlay.Options{
		Dir:     cfg.Overlay.Dir,
		QemuImg: cfg.Overlay.QemuImg,
		Images:  cfg.Images.ForKind,
		Timeout: cfg.Timeouts.Exec,
		Logger:  log,
	})

	procs := supervisor.New(supervisor.Options{
		Binary:       cfg.Emulator.Binary,
		MonitorDir:   cfg.Emulator.MonitorDir,
		LogDir:       filepath.Join(cfg.DataDir, "logs"),
		StartTimeout: cfg.Timeouts.Start,
		StopGrace:    cfg.Timeouts.StopGrace,
		Probe:        supervisor.DialMonitor,
		Logger:       log,
	})

	repo, gdb, err := openGateway(cfg, log)
	if err != nil {
		return err
	}
	if gdb != nil {
		defer db.Close(gdb)
	}
	gw := gateway.NewSync(repo, gateway.Options{
		Hostname:  cfg.Gateway.Hostname,
		URLPrefix: cfg.Gateway.URLPrefix,
		Timeout:   cfg.Timeouts.DB,
		Logger:    log,
	})

	hub := api.NewWSHub(log)
	defer hub.Close()

	reg, err := registry.New(ctx, registry.Options{
		Store:     nodes,
		Audit:     audit,
		Overlays:  overlays,
		Network:   fabric,
		Processes: procs,
		Gateway:   gw,
		RAMMB:     cfg.Emulator.RAMMB,
		Logger:    log,
		Notify:    hub.Publish,
	})
	if err != nil {
		return fmt.Errorf("reconcile nodes: %w", err)
	}
	defer reg.Close()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, reg, api.Options{
		Hub:       hub,
		UIDir:     cfg.UIDir,
		Logger:    log,
		StorePing: storePing,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.WithMiddleware(mux, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("controller listening", "addr", cfg.ListenAddr, "tls", cfg.TLS.Cert != "")
		errCh <- serve(srv, cfg.TLS)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.StopGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	return nil
}

func serve(srv *http.Server, tlsCfg config.TLSConfig) error {
	c, err := api.ServerTLSConfig(tlsCfg)
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if c == nil {
		return srv.ListenAndServe()
	}
	srv.TLSConfig = c
	return srv.ListenAndServeTLS("", "")
}

// openStores picks the node record backend and the audit log. A configured journal takes the
// audit log; otherwise it goes to the node store when that can hold one.
func openStores(cfg *config.Config, log *slog.Logger) (store.NodeStore, store.AuditLog, func() error, error) {
	var (
		nodes store.NodeStore
		audit store.AuditLog
		ping  func() error
	)
	switch cfg.Store.Backend {
	case "file":
		fs, err := store.OpenFileStore(cfg.NodesFile())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open node store: %w", err)
		}
		nodes = fs
	case "memory":
		ms := store.NewMemoryStore()
		nodes, audit, ping = ms, ms, ms.Ping
	case "consul":
		cs, err := store.NewConsulStore(cfg.Store.ConsulAddr, cfg.Store.ConsulPrefix, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open consul store: %w", err)
		}
		nodes, audit, ping = cs, cs, cs.Ping
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Backend)
	}
	if cfg.Journal.Path != "" {
		j, err := store.OpenJournal(cfg.Journal.Path, cfg.Timeouts.DB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open journal: %w", err)
		}
		audit = j
	}
	return nodes, audit, ping, nil
}

func openLinks(cfg *config.Config) (netfabric.Links, uint32, error) {
	if cfg.Network.Driver == "memory" {
		return netfabric.NewMemLinks(), 0, nil
	}
	owner, err := netfabric.ResolveOwner(cfg.Network.TapOwner)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve tap owner: %w", err)
	}
	return netfabric.NetlinkLinks{}, owner, nil
}

// openGateway connects to the gateway database, or keeps connections in memory when the
// gateway is disabled.
func openGateway(cfg *config.Config, log *slog.Logger) (gateway.Repository, *gorm.DB, error) {
	if !cfg.Gateway.Enabled {
		log.Warn("gateway disabled; console connections are kept in memory")
		return gateway.NewMemoryRepository(), nil, nil
	}
	gdb, err := db.Open(cfg.Gateway, gateway.Models()...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect gateway db: %w", err)
	}
	return gateway.NewGormRepository(gdb), gdb, nil
}
