package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	log "github.com/sirupsen/logrus"
)

// maxReportedCauses bounds the error message stored on a run with many failed batches.
const maxReportedCauses = 20

// Aggregator joins the outcomes of every task of a run and writes its
// terminal status once.
type Aggregator struct {
	tracker   *Tracker
	finalized atomic.Bool
}

func NewAggregator(tracker *Tracker) *Aggregator {
	return &Aggregator{tracker: tracker}
}

// Finalize blocks until every handle resolves, then decides the terminal status:
// ERROR when the source could not be read, a task was abandoned or its outcome
// is unknown, or the progress store failed; FAILED when a batch write failed;
// COMPLETED otherwise.
func (a *Aggregator) Finalize(ctx context.Context, handles []*Handle, sourceErr error) (models.RunStatus, error) {
	if !a.finalized.CompareAndSwap(false, true) {
		return "", ErrAlreadyFinalized
	}

	logger := log.WithField("run_id", a.tracker.RunID())

	var causes []error
	hasError := sourceErr != nil
	hasFailure := false
	if sourceErr != nil {
		causes = append(causes, sourceErr)
	}

	for _, h := range handles {
		err := h.Wait(ctx)
		if err == nil {
			continue
		}
		causes = append(causes, err)

		var batchErr *BatchError
		switch {
		case errors.As(err, &batchErr):
			hasFailure = true
		default:
			// abandoned, panicked, progress store failures and our own ctx ending
			hasError = true
		}
	}

	if !hasFailure && len(a.tracker.Failures()) > 0 {
		hasFailure = true
		causes = append(causes, a.tracker.Failures()...)
	}

	status := models.RunStatusCompleted
	switch {
	case hasError:
		status = models.RunStatusError
	case hasFailure:
		status = models.RunStatusFailed
	}

	cause := joinCauses(causes)
	if err := a.tracker.Finish(context.WithoutCancel(ctx), status, cause); err != nil {
		logger.Errorf("Failed to finalize import run with status %s: %v", status, err)
		return status, err
	}

	run := a.tracker.Snapshot()
	entry := logger.WithFields(log.Fields{
		"status":    status,
		"total":     run.TotalRecordsCount,
		"processed": run.TotalProcessedRecordsCount,
		"invalid":   run.InvalidRecordsCount,
	})
	if cause != nil {
		entry.Warnf("Import run finished with errors: %v", cause)
	} else {
		entry.Info("Import run finished")
	}

	return status, nil
}

func joinCauses(causes []error) error {
	if len(causes) <= maxReportedCauses {
		return errors.Join(causes...)
	}
	reported := append([]error(nil), causes[:maxReportedCauses]...)
	reported = append(reported, fmt.Errorf("and %d more errors", len(causes)-maxReportedCauses))
	return errors.Join(reported...)
}
