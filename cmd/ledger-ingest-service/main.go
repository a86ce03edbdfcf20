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

	_ "github.com/lib/pq"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/archive"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/config"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/httpserver"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/ingest"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/notify"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/resolve"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.NewPGStore(db)

	var ingestNotifier ingest.Notifier
	if cfg.NotifyEnabled() {
		n, err := notify.NewKafkaNotifier(notify.KafkaProducerConfig{
			Brokers: cfg.NotifyBrokers, Topic: cfg.NotifyTopic,
		})
		if err != nil {
			log.Fatalf("init outcome notifier: %v", err)
		}
		defer n.Close()
		ingestNotifier = n
	}

	var ingestArchiver ingest.Archiver
	if cfg.ArchiveEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		cancel()
		if err != nil {
			log.Fatalf("init bronze archiver: %v", err)
		}
		ingestArchiver = a
	}

	ingestSvc := ingest.New(st, ingestNotifier, ingestArchiver)
	resolveSvc := resolve.New(st)
	server := httpserver.New(ingestSvc, resolveSvc, st)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("ledger ingest service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
