package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dispatchdesk/internal/auth"
	"dispatchdesk/internal/calls"
	"dispatchdesk/internal/config"
	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/dispatch"
	"dispatchdesk/internal/incident"
	"dispatchdesk/internal/notify"
	"dispatchdesk/internal/relay"
	"dispatchdesk/internal/session"
	"dispatchdesk/internal/telephony"
	"dispatchdesk/internal/transfer"
	"dispatchdesk/internal/usage"
	"dispatchdesk/pkg/logger"
	"dispatchdesk/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
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

	// Stores. Sessions are durable; the directory, incident, and usage
	// stores run in memory until their schemas land.
	sessions := session.NewPostgresStore(db)
	dir := directory.NewMemoryStore()
	incidents := incident.NewService(incident.NewMemoryStore(), incident.NewMemoryLogRepo())
	usageRec := usage.NewRecorder(usage.NewMemoryStore(), cfg.Orch.RatePerMinuteMinor)

	hub := notify.NewHub(authManager, log)

	twilio := telephony.NewRestClient(cfg.Twilio, cfg.App.PublicBaseURL)
	tracker := dispatch.NewTracker(incidents, dir, twilio, hub, log, cfg.Orch.AckTimeout)

	registry := session.NewRegistry(sessions, session.NewRedisDeduper(rdb, 24*time.Hour), log)
	router := transfer.NewRouter(dir, cfg.Orch.RingTimeout)

	toolbox := &relay.Toolbox{Directory: dir, Incidents: incidents, Dispatcher: tracker, Notify: hub}

	// The orchestrator and relay manager reference each other: the manager
	// submits events through the orchestrator, the orchestrator stops
	// relays. Build the orchestrator first and attach the manager after.
	orchestrator := calls.NewService(registry, router, hub, nil, usageRec, twilio, log)
	relays := relay.NewManager(cfg.Realtime, sessions, orchestrator, toolbox, rdb, cfg.Orch.MaxAICallsPerAccount, log)
	orchestrator.AttachRelays(relays)

	webhooks := &telephony.WebhookHandlers{
		Calls:     orchestrator,
		Relay:     relays,
		Tracker:   tracker,
		Accounts:  numberMapFromEnv(),
		Sessions:  sessions,
		Transfers: router,
		Sig:       telephony.NewSignatureValidator(cfg.Twilio.AuthToken, cfg.App.PublicBaseURL),
		StreamURL: cfg.MediaStreamURL,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		auth:      authManager,
		webhooks:  webhooks,
		hub:       hub,
		relays:    relays,
		sessions:  sessions,
		incidents: incidents,
		directory: dir,
		usage:     usageRec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
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
	relays.Shutdown(shutdownCtx)
	tracker.Stop()
	hub.Close()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// numberMapFromEnv reads the dialed-number inventory. Format:
// ACCOUNT_NUMBERS="+15550001111=acct-1,+15550002222=acct-2"
func numberMapFromEnv() telephony.StaticNumberMap {
	m := telephony.StaticNumberMap{}
	for _, pair := range strings.Split(os.Getenv("ACCOUNT_NUMBERS"), ",") {
		number, accountID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || number == "" || accountID == "" {
			continue
		}
		m[number] = accountID
	}
	return m
}
