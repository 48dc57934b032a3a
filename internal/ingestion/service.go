package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/batch"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/config"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/metrics"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/parser"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/validation"
	"github.com/ThiagoRGoveia/sales-ingestion.git/pkg/checksum"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source is the input of one import.
type Source struct {
	Reader io.Reader
	Name   string
	// TotalRecords is the number of data rows announced by the caller.
	TotalRecords int64
	Checksum     string
}

// Execution is the handle of a running import.
type Execution struct {
	runID   uuid.UUID
	tracker *Tracker
	done    chan struct{}

	mu     sync.Mutex
	status models.RunStatus
	err    error
}

func (e *Execution) RunID() uuid.UUID {
	return e.runID
}

// Done is closed once the run reached a terminal status.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

func (e *Execution) Snapshot() models.ImportRun {
	return e.tracker.Snapshot()
}

// Wait blocks until the run is finalized and returns its terminal status along
// with any error raised while finalizing it.
func (e *Execution) Wait(ctx context.Context) (models.RunStatus, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.status, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Execution) finish(status models.RunStatus, err error) {
	e.mu.Lock()
	e.status = status
	e.err = err
	e.mu.Unlock()
	close(e.done)
}

type IngestionService struct {
	dbManager    database.DBManager
	setupService ISetup
	validator    *validation.Validator
	config       config.Config
}

func NewIngestionService(dbManager database.DBManager, setupService ISetup, cfg config.Config) *IngestionService {
	return &IngestionService{
		dbManager:    dbManager,
		setupService: setupService,
		validator:    validation.New(cfg.StrictSalePrice),
		config:       cfg,
	}
}

// Import creates a run for src and starts ingesting it in the background. With
// the await shutdown policy it only returns once the run is terminal.
// The pipeline is detached from ctx cancellation; ctx only bounds run creation
// and, under await, the wait.
func (h *IngestionService) Import(ctx context.Context, src Source) (*Execution, error) {
	if src.Reader == nil {
		return nil, errors.New("import source has no reader")
	}

	tracker := NewTracker(h.dbManager)
	run, err := tracker.CreateRun(ctx, src.TotalRecords, RunMeta{FileName: src.Name, Checksum: src.Checksum})
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	env, err := h.setupService.build(runCtx)
	if err != nil {
		cause := fmt.Errorf("failed to setup import: %w", err)
		if ferr := tracker.Finish(runCtx, models.RunStatusError, cause); ferr != nil {
			log.WithField("run_id", run.ID).Errorf("Failed to mark run as errored: %v", ferr)
		}
		return nil, cause
	}

	exec := &Execution{runID: run.ID, tracker: tracker, done: make(chan struct{})}
	go h.execute(runCtx, src, tracker, env, exec)

	if h.config.ShutdownPolicy == config.ShutdownPolicyAwait {
		if _, err := exec.Wait(ctx); err != nil {
			return exec, err
		}
	}
	return exec, nil
}

// ImportFile opens info.Path and imports it. The file is closed once the run is terminal.
func (h *IngestionService) ImportFile(ctx context.Context, info models.FileInfo) (*Execution, error) {
	file, err := os.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", info.Path, err)
	}

	exec, err := h.Import(ctx, Source{
		Reader:       file,
		Name:         filepath.Base(info.Path),
		TotalRecords: info.TotalRecords,
		Checksum:     info.Checksum,
	})
	if err != nil {
		file.Close()
		return nil, err
	}

	go func() {
		<-exec.Done()
		file.Close()
	}()
	return exec, nil
}

func (h *IngestionService) execute(ctx context.Context, src Source, tracker *Tracker, env *environment, exec *Execution) {
	logger := log.WithField("run_id", tracker.RunID())
	startTime := time.Now()

	var (
		sourceErr error
		handlesMu sync.Mutex
		handles   []*Handle
	)
	collect := func(handle *Handle) {
		handlesMu.Lock()
		handles = append(handles, handle)
		handlesMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Step 1: read and classify rows into the valid and invalid streams
	g.Go(func() error {
		defer close(env.validCh)
		defer close(env.invalidCh)
		sourceErr = h.classifyRows(gctx, src, tracker, env)
		return nil
	})

	// Step 2: one submitter per stream, each batch becomes one task
	g.Go(func() error {
		return submitBatches(gctx, env.pool, batch.FromChannel(env.validCh), h.config.DBBatchSize,
			func(seq int, records []*models.SalesRecord) Task {
				return NewSalesBatchTask(seq, records, h.dbManager, tracker)
			}, collect)
	})
	g.Go(func() error {
		return submitBatches(gctx, env.pool, batch.FromChannel(env.invalidCh), h.config.InvalidBatchSize,
			func(seq int, rows []*models.InvalidRow) Task {
				return NewInvalidBatchTask(seq, rows, h.dbManager, tracker)
			}, collect)
	})

	submitErr := g.Wait()

	// Step 3: let queued batches drain, abandoning them past the shutdown timeout
	if env.pool.Shutdown(h.config.ShutdownTimeout) {
		logger.Warnf("Shutdown timeout of %s reached before every batch finished", h.config.ShutdownTimeout)
	}

	// Step 4: reconcile task outcomes into the terminal status
	handlesMu.Lock()
	all := append([]*Handle(nil), handles...)
	handlesMu.Unlock()

	status, err := NewAggregator(tracker).Finalize(ctx, all, errors.Join(sourceErr, submitErr))
	logger.Infof("Import of %q took %s with %d batches", src.Name, time.Since(startTime), len(all))
	exec.finish(status, err)
}

// classifyRows parses and validates every row of src, sending each to the
// valid or invalid stream. It returns the source read error, if any.
func (h *IngestionService) classifyRows(ctx context.Context, src Source, tracker *Tracker, env *environment) error {
	for row, err := range parser.Rows(src.Reader) {
		if err != nil {
			return fmt.Errorf("failed to read source %q: %w", src.Name, err)
		}
		tracker.ObserveRows(int64(row.Number))

		rec, parseErr := row.Parse()
		var reason string
		if parseErr != nil {
			reason = parseErr.Error()
		} else {
			reason = h.validator.Reason(rec)
		}

		if reason == "" {
			metrics.RecordRowRead(metrics.KindSales)
			select {
			case env.validCh <- rec:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		metrics.RecordRowRead(metrics.KindInvalid)
		log.WithFields(log.Fields{"run_id": tracker.RunID(), "row": row.Number, "row_hash": checksum.Line(row.Text)}).
			Debugf("Invalid row: %s", reason)
		invalid := &models.InvalidRow{RowNumber: row.Number, RowText: row.Text, Reason: reason, CreatedOn: time.Now().UTC()}
		select {
		case env.invalidCh <- invalid:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func submitBatches[T any](ctx context.Context, pool *Pool, stream iter.Seq[T], size int, newTask func(seq int, items []T) Task, collect func(*Handle)) error {
	seq := 0
	for items := range batch.Partition(stream, size) {
		seq++
		handle, err := pool.Submit(ctx, newTask(seq, items))
		if err != nil {
			return fmt.Errorf("failed to submit batch %d: %w", seq, err)
		}
		collect(handle)
	}
	return nil
}
