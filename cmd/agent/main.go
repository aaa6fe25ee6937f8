package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mesh-maas/pkg/agent"
	"mesh-maas/pkg/logging"
	"mesh-maas/pkg/signer"
	"mesh-maas/pkg/version"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	nodeID := flag.String("id", os.Getenv("NODE_ID"), "node id (env NODE_ID)")
	meshID := flag.String("mesh", os.Getenv("MESH_ID"), "mesh id (env MESH_ID)")
	controller := flag.String("controller", envOr("CONTROLLER_ADDR", "http://127.0.0.1:8080"), "controller base URL")
	authToken := flag.String("token", os.Getenv("AUTH_TOKEN"), "auth token sent to the controller (env AUTH_TOKEN)")
	signingAlg := flag.String("signing-alg", envOr("SIGNING_ALG", "hmac"), "playbook signature algorithm: hmac|ed25519")
	signingSecret := flag.String("signing-secret", os.Getenv("SIGNING_SECRET"), "mesh signing secret; signatures are not checked when empty")
	caFile := flag.String("ca", os.Getenv("CA_FILE"), "CA file for controller TLS (optional)")
	clientCert := flag.String("cert", "", "client TLS certificate (for mTLS)")
	clientKey := flag.String("key", "", "client TLS key (for mTLS)")
	insecure := flag.Bool("insecure", false, "skip TLS verify for controller (not recommended)")
	interval := flag.Duration("interval", 30*time.Second, "poll interval")
	journalPath := flag.String("journal", envOr("AGENT_JOURNAL", "/var/lib/mesh-maas/agent.db"), "sqlite journal of executed playbooks; empty disables it")
	service := flag.String("service", envOr("AGENT_SERVICE", "x0tta6bl4-agent"), "systemd unit restarted by the restart action")
	iface := flag.String("iface", "wg0", "wireguard interface used by ban_peer")
	upgradeCmd := flag.String("upgrade-cmd", os.Getenv("AGENT_UPGRADE_CMD"), "command run with the target version for upgrade actions")
	noWS := flag.Bool("no-ws", false, "disable the websocket wake-up channel")
	once := flag.Bool("once", false, "poll once and exit")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Build)
		return
	}

	logger, err := logging.New(*logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *nodeID == "" || *meshID == "" {
		logger.Fatal("node id and mesh id are required (flags --id/--mesh or env NODE_ID/MESH_ID)")
	}

	client, err := buildHTTPClient(*caFile, *clientCert, *clientKey, *insecure)
	if err != nil {
		logger.Fatal("http client build failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []agent.PollerOption{
		agent.WithLogger(logger),
		agent.WithHandlers(agent.Handlers(agent.HandlerConfig{
			Service:        *service,
			Interface:      *iface,
			UpgradeCommand: *upgradeCmd,
		})),
	}
	if *signingSecret != "" {
		v, err := signer.New(*signingAlg, *signingSecret)
		if err != nil {
			logger.Fatal("signer init failed", zap.Error(err))
		}
		opts = append(opts, agent.WithVerifier(v))
	} else {
		logger.Warn("no signing secret configured; playbook signatures are not verified")
	}
	if *journalPath != "" {
		j, err := agent.OpenJournal(ctx, *journalPath)
		if err != nil {
			logger.Fatal("journal open failed", zap.String("path", *journalPath), zap.Error(err))
		}
		defer j.Close()
		opts = append(opts, agent.WithJournal(j))
	}

	poller := agent.NewPoller(agent.NewClient(*controller, *authToken, client), *meshID, *nodeID, opts...)
	logger.Info("agent starting",
		zap.String("version", version.Build),
		zap.String("node_id", *nodeID),
		zap.String("mesh_id", *meshID),
		zap.String("controller", *controller))

	if *once {
		n, err := poller.PollOnce(ctx)
		if err != nil {
			logger.Fatal("poll failed", zap.Error(err))
		}
		logger.Info("poll complete", zap.Int("playbooks", n))
		return
	}

	var wake <-chan struct{}
	switch {
	case *noWS:
	case *authToken == "":
		logger.Info("no auth token, websocket wake-up disabled; polling only")
	default:
		ws, err := agent.NewWSClient(*controller, *nodeID, *authToken, logger)
		if err != nil {
			logger.Fatal("ws client init failed", zap.Error(err))
		}
		go ws.Run(ctx)
		wake = ws.Wake()
	}
	if err := poller.Run(ctx, *interval, wake); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("poller stopped", zap.Error(err))
	}
	logger.Info("agent stopped")
}

func buildHTTPClient(caFile, certFile, keyFile string, insecure bool) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure} //nolint:gosec
	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caData)
		tlsConfig.RootCAs = pool
	}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}
