package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/rpattn/toponymdb/internal/audit"
	"github.com/rpattn/toponymdb/internal/config"
	"github.com/rpattn/toponymdb/internal/db"
	"github.com/rpattn/toponymdb/internal/export"
	"github.com/rpattn/toponymdb/internal/httpapi"
	"github.com/rpattn/toponymdb/internal/ingestion"
	"github.com/rpattn/toponymdb/internal/metrics"
	"github.com/rpattn/toponymdb/internal/middleware"
	"github.com/rpattn/toponymdb/internal/query"
	"github.com/rpattn/toponymdb/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var (
		entities store.EntityStore
		names    store.NameStore
		reader   store.Reader
		auditLog audit.Log
	)

	switch cfg.Storage {
	case "postgres":
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(cfg.Database, cfg.MigrationsPath); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		pg := store.NewPostgres(conn.Pool)
		entities = pg.Entities()
		names = pg.Names()
		reader = pg
		auditLog = pg.AuditLog()
	case "memory":
		mem := store.NewMemory(audit.NewMemoryLog())
		entities = mem.Entities()
		names = mem.Names()
		reader = mem
		auditLog = mem.AuditLog()
	}

	engine := query.NewEngine(reader)
	ingest := ingestion.NewService(entities, names)
	exporter := export.NewService(reader, auditLog, export.WithExportDirectory(cfg.ExportDir))
	m := metrics.New()

	handler := httpapi.New(entities, names, engine, auditLog, ingest, exporter, m)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	root := corsHandler.Handler(
		middleware.LoggingMiddleware(
			middleware.ActorMiddleware(handler.Routes()),
		),
	)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting toponym server on %s (storage: %s)", cfg.ListenAddr, cfg.Storage)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
