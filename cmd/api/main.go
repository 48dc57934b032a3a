package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/config"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/ingestion"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/logging"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/server"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

const shutdownGracePeriod = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warnf("Could not load .env file: %v", err)
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbManager, closeDB, err := database.Open(ctx, cfg.StorageDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StorageDriver, err)
	}
	defer closeDB()

	if cfg.StorageDriver == config.StorageDriverMemory {
		if err := database.CreateSchema(ctx, dbManager); err != nil {
			log.Fatalf("Failed to setup database: %v", err)
		}
	}

	importer := ingestion.NewIngestionService(dbManager, ingestion.Setup{PoolSize: cfg.PoolSize, QueueSize: cfg.QueueSize}, *cfg)
	router := server.SetupRoutes(server.NewSalesService(dbManager, importer))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.APIPort),
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Server shutdown failed: %v", err)
		}
	}()

	log.Infof("Server starting on port %s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}
