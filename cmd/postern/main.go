package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/mailstore/memstore"
	"github.com/migadu/postern/mailstore/sqlstore"
	"github.com/migadu/postern/pkg/authcache"
	"github.com/migadu/postern/pkg/health"
	"github.com/migadu/postern/pkg/resilient"
	"github.com/migadu/postern/server/adminapi"
	"github.com/migadu/postern/server/imap"
	"github.com/migadu/postern/server/manager"
	"github.com/migadu/postern/server/pop3"
	"github.com/migadu/postern/server/smtp"
	"github.com/migadu/postern/storage"
	"github.com/migadu/postern/tlsmanager"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// backend is everything the protocol servers need from the store.
type backend struct {
	identity mailstore.IdentityService
	store    mailstore.MailStore
	pinger   mailstore.Pinger
	s3       *storage.S3Storage
	cache    *authcache.AuthCache
	close    func() error
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("postern version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "POSTERN: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("Postern starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize mail store: %v", err)
	}
	defer func() {
		if be.cache != nil {
			stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
			be.cache.Stop(stopCtx)
			stop()
		}
		if err := be.close(); err != nil {
			logger.Warn("STORE: error closing store", "error", err)
		}
	}()

	var tlsManager *tlsmanager.Manager
	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		tlsManager, err = tlsmanager.New(cfg.TLS)
		if err != nil {
			logger.Fatalf("Failed to load TLS certificate: %v", err)
		}
		tlsConfig = tlsManager.TLSConfig()
	}

	servers, err := buildServers(cfg, be, tlsConfig)
	if err != nil {
		logger.Fatalf("Failed to configure servers: %v", err)
	}
	if len(servers) == 0 {
		logger.Fatalf("No protocol servers enabled")
	}

	mgr, err := manager.New(cfg.Manager, servers...)
	if err != nil {
		logger.Fatalf("Failed to create protocol manager: %v", err)
	}
	if err := mgr.Start(ctx); err != nil {
		logger.Error("Manager: some servers failed to start, the monitor will retry", "error", err)
	}

	monitor := startHealthMonitor(ctx, cfg, be, servers)
	defer monitor.Stop()

	errChan := make(chan error, 2)
	if cfg.AdminAPI.Start {
		go adminapi.Start(ctx, adminapi.ServerOptions{
			Addr:         cfg.AdminAPI.Addr,
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
			Hostname:     cfg.Hostname,
			Manager:      mgr,
			Health:       monitor,
		}, errChan)
	}
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

wait:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if tlsManager != nil {
					if err := tlsManager.Reload(); err != nil {
						logger.Error("TLS: reload failed, keeping current certificate", "error", err)
					}
				}
				continue
			}
			logger.Infof("Received signal: %s, shutting down...", sig)
			break wait
		case err := <-errChan:
			logger.Error("Auxiliary server failed", "error", err)
			break wait
		}
	}

	cancel()
	if err := mgr.Shutdown(context.Background()); err != nil {
		logger.Warn("Manager: shutdown incomplete", "error", err)
	}
	logger.Info("Postern stopped")
}

func loadAndValidateConfig(configPath string, cfg *config.Config) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ERROR: configuration file '%s' not found: %v\n", configPath, err)
			os.Exit(1)
		} else {
			fmt.Fprintf(os.Stderr, "ERROR: failed to parse configuration file '%s': %v\n", configPath, err)
			os.Exit(1)
		}
	} else {
		logger.Infof("Loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	be := &backend{close: func() error { return nil }}

	switch cfg.Store.Driver {
	case "memory":
		store := memstore.New()
		for _, u := range cfg.Store.Users {
			if _, err := store.AddUser(u.Username, u.Email, u.Password, u.Aliases...); err != nil {
				return nil, fmt.Errorf("failed to seed user %q: %w", u.Username, err)
			}
		}
		logger.Info("STORE: using in-memory store", "users", len(cfg.Store.Users))
		be.identity, be.store, be.pinger = store, store, store

	default:
		opts := sqlstore.Options{
			Driver:       cfg.Store.Driver,
			DSN:          cfg.Store.DSN,
			AutoMigrate:  cfg.Store.AutoMigrate,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		}
		if cfg.S3.Enabled {
			s3, err := storage.New(storage.Options{
				Endpoint:      cfg.S3.Endpoint,
				AccessKey:     cfg.S3.AccessKey,
				SecretKey:     cfg.S3.SecretKey,
				Bucket:        cfg.S3.Bucket,
				Prefix:        cfg.S3.Prefix,
				UseSSL:        cfg.S3.UseSSL,
				Trace:         cfg.S3.Trace,
				EncryptionKey: cfg.S3.EncryptionKey,
			})
			if err != nil {
				return nil, err
			}
			be.s3 = s3
			opts.Blobs = resilient.NewBlobStore(s3)
		}

		store, err := sqlstore.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, u := range cfg.Store.Users {
			exists, err := store.HasUser(ctx, u.Username)
			if err != nil {
				store.Close()
				return nil, err
			}
			if exists {
				continue
			}
			if _, err := store.AddUser(ctx, u.Username, u.Email, u.Password, u.Aliases...); err != nil {
				store.Close()
				return nil, fmt.Errorf("failed to seed user %q: %w", u.Username, err)
			}
			logger.Info("STORE: seeded user", "username", u.Username)
		}
		be.identity, be.store, be.pinger = store, store, store
		be.close = store.Close
	}

	if cfg.AuthCache.Enabled {
		positive, _ := cfg.AuthCache.GetPositiveTTL()
		negative, _ := cfg.AuthCache.GetNegativeTTL()
		cleanup, _ := cfg.AuthCache.GetCleanupInterval()
		be.cache = authcache.New(be.identity, positive, negative, cfg.AuthCache.MaxSize, cleanup)
		be.identity = be.cache
	}
	return be, nil
}

func buildServers(cfg config.Config, be *backend, tlsConfig *tls.Config) ([]manager.Server, error) {
	var servers []manager.Server

	if cfg.SMTP.Start {
		s, err := smtp.New(smtp.Options{
			Hostname: cfg.Hostname,
			Config:   cfg.SMTP,
			TLS:      tlsConfig,
			Identity: be.identity,
			Store:    be.store,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		servers = append(servers, s)
	}
	if cfg.IMAP.Start {
		s, err := imap.New(imap.Options{
			Hostname: cfg.Hostname,
			Config:   cfg.IMAP,
			TLS:      tlsConfig,
			Identity: be.identity,
			Store:    be.store,
		})
		if err != nil {
			return nil, fmt.Errorf("imap: %w", err)
		}
		servers = append(servers, s)
	}
	if cfg.POP3.Start {
		s, err := pop3.New(pop3.Options{
			Hostname: cfg.Hostname,
			Config:   cfg.POP3,
			TLS:      tlsConfig,
			Identity: be.identity,
			Store:    be.store,
		})
		if err != nil {
			return nil, fmt.Errorf("pop3: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func startHealthMonitor(ctx context.Context, cfg config.Config, be *backend, servers []manager.Server) *health.HealthMonitor {
	interval, _ := cfg.Manager.GetHealthCheckInterval()

	monitor := health.NewHealthMonitor(cfg.Hostname)
	monitor.RegisterCheck(health.PingCheck("store", be.pinger, interval, true))
	if be.s3 != nil {
		monitor.RegisterCheck(health.PingCheck("s3", be.s3, interval, true))
	}
	for _, srv := range servers {
		srv := srv
		monitor.RegisterCheck(health.RunningCheck(srv.Protocol(), func() bool { return srv.Status().Running }, interval))
	}
	monitor.Start(ctx)
	return monitor
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
