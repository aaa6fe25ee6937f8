package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mesh-maas/internal/telemetry"
	"mesh-maas/pkg/auth"
	"mesh-maas/pkg/depcheck"
	"mesh-maas/pkg/marketplace"
	"mesh-maas/pkg/playbook"
	"mesh-maas/pkg/store"
	"mesh-maas/pkg/supplychain"
)

// Prefix of the MaaS API.
const Prefix = "/api/v1/maas"

// Config lists the collaborators of the HTTP surface. Audit and Users may
// be the same backend.
type Config struct {
	Queue    *playbook.Queue
	Market   *marketplace.Service
	Registry *supplychain.Registry
	Audit    store.AuditLog
	Users    store.UserStore
	Auth     *auth.Authenticator
	Deps     *depcheck.Checker
	Hub      *WSHub
	Logger   *zap.Logger
	// TokenTTL is the lifetime of login tokens; default 24h.
	TokenTTL time.Duration
}

type Server struct {
	queue    *playbook.Queue
	market   *marketplace.Service
	registry *supplychain.Registry
	audit    store.AuditLog
	users    store.UserStore
	auth     *auth.Authenticator
	deps     *depcheck.Checker
	hub      *WSHub
	logger   *zap.Logger
	tokenTTL time.Duration
}

func NewServer(cfg Config) *Server {
	s := &Server{
		queue:    cfg.Queue,
		market:   cfg.Market,
		registry: cfg.Registry,
		audit:    cfg.Audit,
		users:    cfg.Users,
		auth:     cfg.Auth,
		deps:     cfg.Deps,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
		tokenTTL: cfg.TokenTTL,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.auth == nil {
		s.auth = &auth.Authenticator{}
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.market == nil {
		s.market = marketplace.New(marketplace.WithAudit(s.audit), marketplace.WithLogger(s.logger))
	}
	if s.registry == nil {
		s.registry = supplychain.NewRegistry()
	}
	if s.deps == nil {
		s.deps = depcheck.New(0, s.logger)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("mesh-maas controller"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/healthz/deps", s.op("healthz_deps", s.handleDeps))
	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Method(http.MethodPost, "/register", s.op("auth_register", s.handleRegister))
		r.Method(http.MethodPost, "/login", s.op("auth_login", s.handleLogin))
	})
	if s.hub != nil {
		// not instrumented: the status recorder hides http.Hijacker
		r.With(s.require("")).Get("/api/v1/ws/agent", s.hub.HandleAgentWS)
	}

	r.Route(Prefix, func(r chi.Router) {
		r.Route("/playbooks", func(r chi.Router) {
			r.With(s.require(auth.PlaybookCreate)).Method(http.MethodPost, "/", s.op("playbook_create", s.handleCreatePlaybook))
			r.Method(http.MethodGet, "/poll/{meshId}/{nodeId}", s.op("playbook_poll", s.handlePoll))
			r.Method(http.MethodPost, "/ack/{playbookId}/{nodeId}", s.op("playbook_ack", s.handleAck))
			r.With(s.require(auth.PlaybookView)).Method(http.MethodGet, "/list/{meshId}", s.op("playbook_list", s.handleListPlaybooks))
			r.With(s.require(auth.PlaybookView)).Method(http.MethodGet, "/status/{playbookId}", s.op("playbook_status", s.handleStatus))
		})
		r.Route("/marketplace", func(r chi.Router) {
			r.With(s.require(auth.MarketplaceList)).Method(http.MethodPost, "/list", s.op("market_list", s.handleCreateListing))
			r.With(s.require("")).Method(http.MethodDelete, "/list/{listingId}", s.op("market_cancel", s.handleCancelListing))
			r.Method(http.MethodGet, "/search", s.op("market_search", s.handleSearch))
			r.With(s.require(auth.MarketplaceRent)).Method(http.MethodPost, "/rent/{listingId}", s.op("market_rent", s.handleRent))
			r.With(s.require(auth.MarketplaceRent)).Method(http.MethodPost, "/escrow/{listingId}/release", s.op("market_release", s.handleRelease))
			r.With(s.require(auth.MarketplaceRent)).Method(http.MethodPost, "/escrow/{listingId}/refund", s.op("market_refund", s.handleRefund))
		})
		r.Route("/supply-chain", func(r chi.Router) {
			r.Method(http.MethodGet, "/sbom", s.op("sbom_versions", s.handleVersions))
			r.Method(http.MethodGet, "/sbom/{version}", s.op("sbom_get", s.handleSBOM))
			r.Method(http.MethodGet, "/verify/{version}", s.op("sbom_verify", s.handleVerify))
			r.With(s.require(auth.SupplyChainRegister)).Method(http.MethodPost, "/register", s.op("sbom_register", s.handleRegisterSBOM))
		})
		r.With(s.requireAdmin).Method(http.MethodGet, "/audit", s.op("audit", s.handleAudit))
	})
	return r
}

// handlerFunc is a handler whose error is rendered by writeError.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) op(name string, h handlerFunc) http.Handler {
	return telemetry.Instrument(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}))
}
