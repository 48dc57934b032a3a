package main

import (
	"context"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/config"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/logging"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

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

	log.Info("Starting database setup...")
	ctx := context.Background()

	dbManager, closeDB, err := database.Open(ctx, cfg.StorageDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to open %s store: %v", cfg.StorageDriver, err)
	}
	defer closeDB()

	if err := database.CreateSchema(ctx, dbManager); err != nil {
		log.Fatalf("Database setup failed: %v", err)
	}

	log.Info("Database setup finished successfully.")
}
