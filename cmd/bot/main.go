package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execbrief.org/internal/chat"
	"execbrief.org/internal/config"
	"execbrief.org/internal/devcmd"
	"execbrief.org/internal/obs"
	"execbrief.org/internal/onboarding"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
	"execbrief.org/internal/router"
	"execbrief.org/internal/session"
	"execbrief.org/internal/store/pg"
	"execbrief.org/internal/store/sqlite"
	"execbrief.org/internal/submit"
	"execbrief.org/internal/summarize"
	"execbrief.org/internal/transcribe"
	"execbrief.org/internal/updates"
	"execbrief.org/internal/webhook"
)

var version = "0.1.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("EXECBRIEF_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		log.Fatalf("media dir: %v", err)
	}

	// Persistence. The ready probe only pings SQL-backed stores.
	var store report.Store
	var probeDB *sql.DB
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		store, probeDB = s, s.DB()
		defer s.DB().Close()
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		store, probeDB = s, s.DB()
		defer s.DB().Close()
	default:
		store = report.NewInMemory()
	}

	client, err := chat.NewClient(cfg.ChatAPIBaseURL, cfg.ChatToken,
		chat.WithRateLimit(cfg.ReplyRatePerSecond, cfg.ReplyBurst))
	if err != nil {
		log.Fatalf("chat client: %v", err)
	}

	rolesSvc, err := roles.New(store, cfg.DevUserIDs)
	if err != nil {
		log.Fatalf("roles: %v", err)
	}
	sessions := session.NewManager()

	flow, err := onboarding.New(store)
	if err != nil {
		log.Fatalf("onboarding: %v", err)
	}
	pipeline, err := submit.New(store,
		transcribe.NewClient(cfg.TranscribeBaseURL, cfg.TranscribeAPIKey),
		summarize.NewClient(cfg.SummarizeBaseURL, cfg.SummarizeAPIKey),
		client, client, cfg.MediaDir)
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	updatesSvc, err := updates.New(store, rolesSvc, client)
	if err != nil {
		log.Fatalf("updates: %v", err)
	}
	dev, err := devcmd.New(store, rolesSvc, sessions, client)
	if err != nil {
		log.Fatalf("devcmd: %v", err)
	}
	rt, err := router.New(store, rolesSvc, sessions, flow, pipeline, updatesSvc, dev, client)
	if err != nil {
		log.Fatalf("router: %v", err)
	}

	api, err := webhook.New(rt, store, rolesSvc, cfg.WebhookToken, webhook.ReadyProbe{DB: probeDB}, version)
	if err != nil {
		log.Fatalf("webhook: %v", err)
	}
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting execbrief-bot %s on %s (backend=%s)", version, srv.Addr, cfg.Backend)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
