package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dealdesk/api/internal/app"
	"dealdesk/api/internal/attachments"
	"dealdesk/api/internal/authpw"
	"dealdesk/api/internal/chat"
	"dealdesk/api/internal/config"
	"dealdesk/api/internal/search"
	"dealdesk/api/internal/session"
	"dealdesk/api/internal/store"
)

func main() {
	log.SetFlags(0)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	pgStore := store.NewPostgresStore(db)

	// Refresh tokens live in Redis; fall back to the Postgres tables when
	// Redis is unreachable so a cache outage does not block logins.
	var sessions app.RefreshStore
	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Printf("redis unavailable, using postgres refresh sessions: %v", err)
		sessions = app.PGSessions{Store: pgStore}
	} else {
		defer redisStore.Close()
		sessions = redisStore
	}

	meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	defer meiliClient.Close()
	searchSvc := search.NewService(meiliClient, search.NewPgFTS(db))
	go searchSvc.ReindexAllFromPG(ctx)

	hub := chat.NewHub(pgStore)

	files, err := attachments.NewService(ctx, attachments.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, pgStore)
	if err != nil {
		log.Printf("attachment storage unavailable: %v", err)
		files = nil
	}

	svc := app.New(cfg, pgStore, sessions, searchSvc, hub, files)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewServer(svc, authpw.NewService(pgStore)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
