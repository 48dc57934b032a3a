package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/metrics"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	log "github.com/sirupsen/logrus"
)

// BatchError is returned by a batch task whose single write failed. Batches
// are never retried.
type BatchError struct {
	Kind string
	Seq  int
	Size int
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d (%d rows) failed: %v", e.Kind, e.Seq, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Constraint reports whether the write was refused by a database constraint,
// as opposed to a connectivity or server problem.
func (e *BatchError) Constraint() bool {
	return database.IsConstraintViolation(e.Err)
}

// BatchTask owns one batch and writes it with a single bulk insert.
type BatchTask[T any] struct {
	Kind    string
	Seq     int
	Items   []T
	write   func(ctx context.Context, items []T) error
	tracker *Tracker
}

func NewSalesBatchTask(seq int, records []*models.SalesRecord, store database.DBManager, tracker *Tracker) *BatchTask[*models.SalesRecord] {
	runID := tracker.RunID()
	return &BatchTask[*models.SalesRecord]{
		Kind:  metrics.KindSales,
		Seq:   seq,
		Items: records,
		write: func(ctx context.Context, items []*models.SalesRecord) error {
			return store.InsertSalesRecords(ctx, runID, items)
		},
		tracker: tracker,
	}
}

func NewInvalidBatchTask(seq int, rows []*models.InvalidRow, store database.DBManager, tracker *Tracker) *BatchTask[*models.InvalidRow] {
	runID := tracker.RunID()
	return &BatchTask[*models.InvalidRow]{
		Kind:  metrics.KindInvalid,
		Seq:   seq,
		Items: rows,
		write: func(ctx context.Context, items []*models.InvalidRow) error {
			return store.InsertInvalidRows(ctx, runID, items)
		},
		tracker: tracker,
	}
}

func (t *BatchTask[T]) Run(ctx context.Context) error {
	logger := log.WithFields(log.Fields{"run_id": t.tracker.RunID(), "batch": t.Seq, "kind": t.Kind})
	size := len(t.Items)

	start := time.Now()
	err := t.write(ctx, t.Items)
	elapsed := time.Since(start)

	if err != nil {
		batchErr := &BatchError{Kind: t.Kind, Seq: t.Seq, Size: size, Err: err}
		metrics.RecordBatch(t.Kind, metrics.OutcomeFailure, elapsed)
		logger.WithField("class", database.ErrorClass(err)).Errorf("Failed to insert batch of %d rows: %v", size, err)
		t.tracker.MarkFailed(batchErr)
		if err := t.tracker.Update(ctx); err != nil {
			logger.Warnf("Failed to publish batch failure: %v", err)
		}
		return batchErr
	}

	metrics.RecordBatch(t.Kind, metrics.OutcomeSuccess, elapsed)
	logger.Debugf("Inserted batch of %d rows in %s", size, elapsed)

	if t.Kind == metrics.KindInvalid {
		return t.tracker.AddInvalid(ctx, int64(size))
	}
	return t.tracker.AddProcessed(ctx, int64(size))
}
