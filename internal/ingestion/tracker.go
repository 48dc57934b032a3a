package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/metrics"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrProgressStore marks a progress write that can never succeed, such as an
	// update for a run the store does not know.
	ErrProgressStore    = errors.New("progress store failure")
	ErrAlreadyFinalized = errors.New("import run already finalized")
)

type RunMeta struct {
	FileName string
	Checksum string
}

// Tracker is the single source of truth for the progress of one run. Counters
// live in atomics and every persisted snapshot is built from them.
type Tracker struct {
	store database.DBManager

	runID     uuid.UUID
	meta      RunMeta
	startTime time.Time

	total     atomic.Int64
	processed atomic.Int64
	invalid   atomic.Int64

	mu       sync.Mutex
	status   models.RunStatus
	endTime  *time.Time
	message  string
	failures []error

	finished atomic.Bool
}

func NewTracker(store database.DBManager) *Tracker {
	return &Tracker{store: store, status: models.RunStatusInProgress}
}

// CreateRun persists a fresh IN_PROGRESS run. It must be called once, before
// any batch work.
func (t *Tracker) CreateRun(ctx context.Context, totalExpected int64, meta RunMeta) (*models.ImportRun, error) {
	t.runID = uuid.New()
	t.meta = meta
	t.startTime = time.Now().UTC()
	t.total.Store(max(totalExpected, 0))

	run := t.Snapshot()
	if err := t.store.InsertImportRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("failed to create import run: %w", err)
	}

	log.WithField("run_id", t.runID).Infof("Created import run for %q with %d expected records", meta.FileName, run.TotalRecordsCount)
	return &run, nil
}

func (t *Tracker) RunID() uuid.UUID {
	return t.runID
}

func (t *Tracker) AddProcessed(ctx context.Context, n int64) error {
	t.processed.Add(n)
	return t.Update(ctx)
}

func (t *Tracker) AddInvalid(ctx context.Context, n int64) error {
	t.invalid.Add(n)
	return t.Update(ctx)
}

// ObserveRows raises the expected total to at least n rows, so counters never
// overtake it when the source holds more rows than announced.
func (t *Tracker) ObserveRows(n int64) {
	for {
		current := t.total.Load()
		if n <= current || t.total.CompareAndSwap(current, n) {
			return
		}
	}
}

// Update persists the current snapshot. A missing run is fatal and returned
// wrapped in ErrProgressStore. Other store errors are logged only: the store
// keeps counters monotonic and the next snapshot carries the same totals.
func (t *Tracker) Update(ctx context.Context) error {
	run := t.Snapshot()
	err := t.store.UpdateImportRun(ctx, &run)
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrRunNotFound) {
		return fmt.Errorf("%w: %w", ErrProgressStore, err)
	}
	log.WithField("run_id", t.runID).Warnf("Failed to persist progress: %v", err)
	return nil
}

// MarkFailed records a failed batch and exposes its error in the next snapshot.
// The run status is decided by the aggregator.
func (t *Tracker) MarkFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, err)
	if !t.finished.Load() {
		t.message = errors.Join(t.failures...).Error()
	}
}

func (t *Tracker) Failures() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.failures...)
}

// Finish writes the terminal status. Only the first call has any effect.
func (t *Tracker) Finish(ctx context.Context, status models.RunStatus, cause error) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish run %s with non terminal status %s", t.runID, status)
	}
	if !t.finished.CompareAndSwap(false, true) {
		return ErrAlreadyFinalized
	}

	end := time.Now().UTC()
	t.mu.Lock()
	t.status = status
	t.endTime = &end
	if cause != nil {
		t.message = cause.Error()
	}
	t.mu.Unlock()

	metrics.RecordRunFinished(string(status))

	run := t.Snapshot()
	if err := t.store.UpdateImportRun(ctx, &run); err != nil {
		return fmt.Errorf("%w: failed to persist terminal status %s: %w", ErrProgressStore, status, err)
	}
	return nil
}

func (t *Tracker) Snapshot() models.ImportRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	var end *time.Time
	if t.endTime != nil {
		e := *t.endTime
		end = &e
	}

	// total is loaded last so it is never behind the counters
	processed := t.processed.Load()
	invalid := t.invalid.Load()
	total := t.total.Load()

	return models.ImportRun{
		ID:                         t.runID,
		FileName:                   t.meta.FileName,
		FileChecksum:               t.meta.Checksum,
		TotalRecordsCount:          total,
		TotalProcessedRecordsCount: processed,
		InvalidRecordsCount:        invalid,
		Status:                     t.status,
		StartTime:                  t.startTime,
		EndTime:                    end,
		ErrorMessage:               t.message,
	}
}
