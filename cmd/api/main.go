package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"teleconsult/internal/audit"
	"teleconsult/internal/auth"
	"teleconsult/internal/config"
	"teleconsult/internal/httpapi"
	"teleconsult/internal/metrics"
	"teleconsult/internal/payment"
	"teleconsult/internal/relay"
	"teleconsult/internal/session"
	"teleconsult/internal/signaling"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var (
		store     session.Store
		auditRepo audit.Repository
		broker    signaling.Broker
	)
	switch cfg.App.Backend {
	case config.BackendMemory:
		log.Warn("using in-memory backend; state is lost on restart")
		store = session.NewMemoryStore()
		auditRepo = audit.NewMemoryRepo()
		broker = signaling.NewHub(cfg.Signaling.MaxPeers)
	default:
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		store = session.NewPostgresStore(db, cfg.PostgresDSN(), log)
		auditRepo = audit.NewPostgresRepo(db)
		broker = signaling.NewRedisBroker(rdb, signaling.RedisOptions{
			StreamTTL: cfg.Signaling.StreamTTL,
			MaxPeers:  cfg.Signaling.MaxPeers,
			Logger:    log,
		})
	}

	// Direct mode mints channel tokens here and serves the signaling gateway;
	// managed mode defers both to the relay provider.
	var (
		issuer  relay.Issuer
		gateway *signaling.Gateway
	)
	switch cfg.Relay.Mode {
	case config.RelayModeManaged:
		issuer = relay.NewHTTPIssuer(cfg.Relay.IssuerURL, cfg.Relay.IssuerAPIKey, 10*time.Second)
	default:
		jwtIssuer, err := relay.NewJWTIssuer(cfg.Relay.Secret, cfg.Relay.AppID, cfg.Relay.TokenTTL)
		if err != nil {
			log.Error("relay issuer init failed", "err", err)
			os.Exit(1)
		}
		issuer = jwtIssuer
		gateway = signaling.NewGateway(broker, jwtIssuer, signaling.GatewayOptions{Metrics: m})
	}

	sessions := session.NewManager(session.Options{
		Store:          store,
		Payments:       payment.NewHTTPInitiator(cfg.Payment.BaseURL, cfg.Payment.APIKey, cfg.Payment.Timeout),
		Audit:          audit.NewService(auditRepo),
		Metrics:        m,
		Logger:         log,
		CodeWindow:     cfg.Session.CodeWindow,
		PaymentTimeout: cfg.Session.PaymentTimeout,
		Currency:       cfg.Payment.Currency,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Sessions:      sessions,
		Issuer:        issuer,
		Auth:          authManager,
		WebhookSecret: cfg.Payment.WebhookSecret,
		DevLogin:      !cfg.IsProduction(),
	}, auth.RequireAccessToken(authManager), gateway, reg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Covers the longest payment long-poll.
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env,
			"backend", string(cfg.App.Backend), "relay_mode", string(cfg.Relay.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
