package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"switchdesk/internal/agentclient"
	"switchdesk/internal/config"
	"switchdesk/internal/feed"
	"switchdesk/internal/identity"
	"switchdesk/internal/parking"
	"switchdesk/internal/presence"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
	"switchdesk/internal/transfer"
	"switchdesk/pkg/logger"
	"switchdesk/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

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

	idManager, err := identity.NewManager(cfg.Auth)
	if err != nil {
		log.Error("identity init failed", "err", err)
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

	// Dashboard fan-out. The hub serves this process's sockets; the redis
	// bus relays events published by peer instances.
	hub := feed.NewHub(log)
	go hub.Run()

	bus := feed.NewRedisBus(rdb, log)
	go bus.Relay(rootCtx, hub)

	sessions := session.NewService(
		session.NewPostgresRepo(db),
		presence.NewRedisRecorder(rdb, log),
		bus,
		log,
		cfg.Session.RingTimeout,
	)

	provider := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID:        cfg.Twilio.AccountSID,
		AuthToken:         cfg.Twilio.AuthToken,
		CallerID:          cfg.Twilio.CallerID,
		StatusCallbackURL: cfg.Twilio.StatusCallbackURL,
	})

	park := parking.NewCoordinator(sessions, parking.NewPostgresRepo(db), provider, bus, log, cfg.Session.ParkSlots)
	transfers := transfer.NewCoordinator(sessions, transfer.NewPostgresRepo(db), park, provider, bus, log, cfg.Session.RingTimeout)

	transferSweeper := transfer.NewSweeper(transfers, cfg.Session.SweepInterval, log)
	if err := transferSweeper.Start(rootCtx); err != nil {
		log.Error("transfer sweeper start failed", "err", err)
		os.Exit(1)
	}
	defer transferSweeper.Stop()

	sessionSweeper := session.NewSweeper(sessions, cfg.Session.SweepInterval, log)
	if err := sessionSweeper.Start(rootCtx); err != nil {
		log.Error("session sweeper start failed", "err", err)
		os.Exit(1)
	}
	defer sessionSweeper.Stop()

	agents := agentclient.NewRegistry(sessions, provider, log, cfg.Session.MaxPerAgent)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:       cfg,
		log:       log,
		identity:  idManager,
		sessions:  sessions,
		park:      park,
		transfers: transfers,
		agents:    agents,
		provider:  provider,
		hub:       hub,
		db:        db,
		rdb:       rdb,
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

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

type routeDeps struct {
	cfg       config.Config
	log       *slog.Logger
	identity  *identity.Manager
	sessions  *session.Service
	park      *parking.Coordinator
	transfers *transfer.Coordinator
	agents    *agentclient.Registry
	provider  telephony.Provider
	hub       *feed.Hub
	db        *sql.DB
	rdb       *redis.Client
}
