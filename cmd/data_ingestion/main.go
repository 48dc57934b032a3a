package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/config"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/ingestion"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/logging"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	batchSize int
	poolSize  int
	wait      bool
	force     bool
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "data_ingestion <file-or-dir>",
		Short: "Import sales CSV files into the sales store",
		Long: `Imports a single CSV file or every .csv file found under a directory.

Each file becomes one import run. Files whose checksum matches a completed run
are skipped unless --force is given.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "rows per storage batch (overrides DB_BATCH_SIZE)")
	cmd.Flags().IntVar(&opts.poolSize, "pool-size", 0, "concurrent batch writers per file (overrides POOL_SIZE)")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "import files one after the other, each run finishing before the next starts")
	cmd.Flags().BoolVar(&opts.force, "force", false, "import files even when a completed run already holds them")
	return cmd
}

func setup(ctx context.Context, opts *options) (*config.Config, database.DBManager, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, nil, nil, err
	}

	if opts.batchSize > 0 {
		cfg.DBBatchSize = opts.batchSize
	}
	if opts.poolSize > 0 {
		cfg.PoolSize = opts.poolSize
		cfg.QueueSize = 2 * opts.poolSize
	}
	if opts.wait {
		cfg.ShutdownPolicy = config.ShutdownPolicyAwait
	}

	dbManager, closeDB, err := database.Open(ctx, cfg.StorageDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.StorageDriver == config.StorageDriverMemory {
		if err := database.CreateSchema(ctx, dbManager); err != nil {
			closeDB()
			return nil, nil, nil, err
		}
	}
	return cfg, dbManager, closeDB, nil
}

func run(ctx context.Context, path string, opts *options) error {
	startTime := time.Now()

	cfg, dbManager, closeDB, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Cleaning up resources...")
		closeDB()
	}()

	fileProcessor := ingestion.NewFileProcessor(dbManager)
	files, err := fileProcessor.ScanForFiles(path)
	if err != nil {
		return err
	}
	if !opts.force {
		if files, err = fileProcessor.SkipImported(ctx, files); err != nil {
			return err
		}
	}
	if len(files) == 0 {
		log.Info("Nothing to import.")
		return nil
	}

	service := ingestion.NewIngestionService(dbManager, ingestion.Setup{PoolSize: cfg.PoolSize, QueueSize: cfg.QueueSize}, *cfg)

	log.Println("Starting extraction process...")
	executions := make(map[string]*ingestion.Execution, len(files))
	var errs []error
	for _, file := range files {
		exec, err := service.ImportFile(ctx, file)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file.Path, err))
			continue
		}
		executions[file.Path] = exec
	}

	// runs are detached from ctx; the process still waits for every one of them
	for path, exec := range executions {
		status, err := exec.Wait(context.WithoutCancel(ctx))
		snapshot := exec.Snapshot()
		entry := log.WithFields(log.Fields{
			"run_id":    exec.RunID(),
			"file":      path,
			"status":    status,
			"processed": snapshot.TotalProcessedRecordsCount,
			"invalid":   snapshot.InvalidRecordsCount,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		if status != models.RunStatusCompleted {
			entry.Warn("Import did not complete")
			errs = append(errs, fmt.Errorf("%s: import finished with status %s", path, status))
			continue
		}
		entry.Info("Import completed")
	}

	log.Printf("Execution time: %s", time.Since(startTime))
	return errors.Join(errs...)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warnf("Could not load .env file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("Error during extraction: %v", err)
	}
	log.Println("Extraction process finished.")
}
