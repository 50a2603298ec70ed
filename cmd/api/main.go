package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fieldmap/api/internal/app"
	"fieldmap/api/internal/config"
	"fieldmap/api/internal/export"
	"fieldmap/api/internal/feed"
	"fieldmap/api/internal/gateway"
	"fieldmap/api/internal/geocode"
	"fieldmap/api/internal/route"
	"fieldmap/api/internal/session"
	"fieldmap/api/internal/store"
	livesync "fieldmap/api/internal/sync"
)

func main() {
	rollback := flag.Bool("rollback", false, "undo the last applied migration and exit")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if *rollback {
		if err := store.RollbackLastMigration(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Print("last migration rolled back")
		return
	}

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	bus, err := feed.NewFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer bus.Close()

	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("redis session store failed: %v", err)
	}
	defer sessions.Close()

	var gazetteer *geocode.Gazetteer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		gazetteer = geocode.NewGazetteer(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer gazetteer.Close()
	}
	geocoder := geocode.NewService(gazetteer, geocode.NewPhoton(cfg.PhotonURL))

	var archive *export.Archive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err = export.NewArchive(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("export archive failed: %v", err)
		}
	}

	service := app.NewService(
		dataStore,
		sessions,
		gateway.New(dataStore, bus),
		livesync.New(dataStore, livesync.BusFeed{Bus: bus}),
		geocoder,
		route.NewOSRM(cfg.OSRMURL),
		archive,
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: the pin stream endpoint holds its connection open
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Fieldmap API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
