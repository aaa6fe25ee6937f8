package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mesh-maas/internal/telemetry"
	"mesh-maas/pkg/api"
	"mesh-maas/pkg/auth"
	"mesh-maas/pkg/config"
	"mesh-maas/pkg/db"
	"mesh-maas/pkg/depcheck"
	"mesh-maas/pkg/logging"
	"mesh-maas/pkg/marketplace"
	"mesh-maas/pkg/playbook"
	"mesh-maas/pkg/signer"
	"mesh-maas/pkg/store"
	"mesh-maas/pkg/supplychain"
	"mesh-maas/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("MAAS_CONFIG"), "YAML config file (optional)")
	addr := flag.String("addr", "", "listen address")
	token := flag.String("token", "", "bootstrap admin token (optional)")
	storeType := flag.String("store", "", "store backend: memory|sqlite|mysql|consul (consul requires build tag consul)")
	sqlitePath := flag.String("sqlite-path", "", "sqlite database file (when store=sqlite)")
	mysqlDSN := flag.String("mysql-dsn", "", "mysql DSN (when store=mysql; defaults to MYSQL_* env)")
	consulAddr := flag.String("consul-addr", "", "consul address (when store=consul)")
	tlsCert := flag.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := flag.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	clientCA := flag.String("client-ca", "", "require and verify client certs using this CA (optional)")
	logLevel := flag.String("log-level", "", "log level: debug|info|warn|error")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Build)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "token":
			cfg.BootstrapToken = *token
		case "store":
			cfg.Store.Type = *storeType
		case "sqlite-path":
			cfg.Store.SQLitePath = *sqlitePath
		case "mysql-dsn":
			cfg.Store.MySQLDSN = *mysqlDSN
		case "consul-addr":
			cfg.Store.ConsulAddr = *consulAddr
		case "tls-cert":
			cfg.TLS.CertFile = *tlsCert
		case "tls-key":
			cfg.TLS.KeyFile = *tlsKey
		case "client-ca":
			cfg.TLS.ClientCA = *clientCA
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	telemetry.SetBuildInfo(version.Build)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.String("store", cfg.Store.Type), zap.Error(err))
	}
	defer backend.Close()

	sig, err := signer.New(cfg.Signing.Algorithm, cfg.Signing.Secret)
	if err != nil {
		logger.Fatal("signer init failed", zap.Error(err))
	}

	queue := playbook.New(sig,
		playbook.WithStore(backend),
		playbook.WithLogger(logger.Named("playbook")),
		playbook.WithStoreTimeout(cfg.Store.Timeout))

	registry := supplychain.NewRegistry()
	if cfg.SBOMSeedFile != "" {
		f, err := os.Open(cfg.SBOMSeedFile)
		if err != nil {
			logger.Fatal("sbom seed open failed", zap.String("path", cfg.SBOMSeedFile), zap.Error(err))
		}
		n, err := registry.Load(f)
		_ = f.Close()
		if err != nil {
			logger.Fatal("sbom seed load failed", zap.String("path", cfg.SBOMSeedFile), zap.Error(err))
		}
		logger.Info("sbom seed loaded", zap.Int("releases", n))
	}

	market := marketplace.New(
		marketplace.WithAudit(backend),
		marketplace.WithStore(backend),
		marketplace.WithStoreTimeout(cfg.Store.Timeout),
		marketplace.WithLogger(logger.Named("marketplace")))
	if n, err := market.Load(ctx); err != nil {
		logger.Warn("marketplace warm-up failed, reading through on demand", zap.Error(err))
	} else {
		logger.Info("marketplace loaded", zap.Int("listings", n))
	}

	deps := depcheck.New(cfg.Store.Timeout, logger.Named("depcheck"))
	deps.Add("store:"+cfg.Store.Type, true, depcheck.StoreCheck(backend))
	deps.Add("signer", true, depcheck.SignerCheck(sig))

	srv := api.NewServer(api.Config{
		Queue:    queue,
		Market:   market,
		Registry: registry,
		Audit:    backend,
		Users:    backend,
		Auth: &auth.Authenticator{
			Tokens:         auth.NewTokens(cfg.JWTSecret),
			BootstrapToken: cfg.BootstrapToken,
		},
		Deps:   deps,
		Hub:    api.NewWSHub(logger.Named("ws")),
		Logger: logger.Named("api"),
	})

	tlsCfg, err := api.ServerTLSConfig(cfg.TLS)
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("controller listening",
			zap.String("addr", cfg.Addr),
			zap.Bool("tls", tlsCfg != nil),
			zap.String("store", cfg.Store.Type),
			zap.String("version", version.Build))
		if tlsCfg != nil {
			errc <- httpSrv.ListenAndServeTLS("", "")
			return
		}
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, c config.Store, logger *zap.Logger) (store.Backend, error) {
	switch c.Type {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		s, err := store.OpenSQLite(ctx, c.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreMySQL:
		gdb, err := db.Init(c.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(gdb), nil
	case config.StoreConsul:
		return store.NewConsulStore(c.ConsulAddr, logger), nil
	}
	return nil, fmt.Errorf("unsupported store type: %s", c.Type)
}
