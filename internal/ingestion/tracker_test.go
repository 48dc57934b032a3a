package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTrackedRun(t *testing.T, store database.DBManager, total int64) *Tracker {
	t.Helper()
	tracker := NewTracker(store)
	_, err := tracker.CreateRun(context.Background(), total, RunMeta{FileName: "sales.csv", Checksum: "abc"})
	require.NoError(t, err)
	return tracker
}

func TestTracker_CreateRun(t *testing.T) {
	t.Run("Expect: run persisted in progress with zero counters", func(t *testing.T) {
		store := database.NewMemoryDBManager()
		tracker := newTrackedRun(t, store, 42)

		run, err := store.GetImportRun(context.Background(), tracker.RunID())
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusInProgress, run.Status)
		assert.Equal(t, int64(42), run.TotalRecordsCount)
		assert.Zero(t, run.Accounted())
		assert.Nil(t, run.EndTime)
		assert.Equal(t, "abc", run.FileChecksum)
	})

	t.Run("Expect: negative totals clamped to zero", func(t *testing.T) {
		tracker := newTrackedRun(t, database.NewMemoryDBManager(), -5)
		assert.Zero(t, tracker.Snapshot().TotalRecordsCount)
	})

	t.Run("Expect: store error wrapped", func(t *testing.T) {
		dbManager := new(MockDBManager)
		dbManager.On("InsertImportRun", mock.Anything, mock.Anything).Return(errors.New("insert failed"))

		_, err := NewTracker(dbManager).CreateRun(context.Background(), 1, RunMeta{})
		assert.ErrorContains(t, err, "failed to create import run")
		dbManager.AssertExpectations(t)
	})
}

func TestTracker_Counters(t *testing.T) {
	ctx := context.Background()

	t.Run("Expect: concurrent increments to add up exactly", func(t *testing.T) {
		store := database.NewMemoryDBManager()
		tracker := newTrackedRun(t, store, 1000)

		const workers, perWorker = 50, 4
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					assert.NoError(t, tracker.AddProcessed(ctx, 3))
					assert.NoError(t, tracker.AddInvalid(ctx, 2))
				}
			}()
		}
		wg.Wait()

		snapshot := tracker.Snapshot()
		assert.Equal(t, int64(workers*perWorker*3), snapshot.TotalProcessedRecordsCount)
		assert.Equal(t, int64(workers*perWorker*2), snapshot.InvalidRecordsCount)

		stored, err := store.GetImportRun(ctx, tracker.RunID())
		require.NoError(t, err)
		assert.Equal(t, snapshot.TotalProcessedRecordsCount, stored.TotalProcessedRecordsCount)
		assert.Equal(t, snapshot.InvalidRecordsCount, stored.InvalidRecordsCount)
	})

	t.Run("Expect: observed rows to only raise the total", func(t *testing.T) {
		tracker := newTrackedRun(t, database.NewMemoryDBManager(), 10)

		tracker.ObserveRows(4)
		assert.Equal(t, int64(10), tracker.Snapshot().TotalRecordsCount)

		tracker.ObserveRows(15)
		assert.Equal(t, int64(15), tracker.Snapshot().TotalRecordsCount)
	})

	t.Run("Expect: missing run reported as progress store error", func(t *testing.T) {
		tracker := NewTracker(database.NewMemoryDBManager())

		err := tracker.AddProcessed(ctx, 1)
		assert.ErrorIs(t, err, ErrProgressStore)
		assert.ErrorIs(t, err, database.ErrRunNotFound)
	})

	t.Run("Expect: transient update errors logged and swallowed", func(t *testing.T) {
		dbManager := new(MockDBManager)
		dbManager.On("InsertImportRun", mock.Anything, mock.Anything).Return(nil)
		dbManager.On("UpdateImportRun", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
		tracker := newTrackedRun(t, dbManager, 5)

		assert.NoError(t, tracker.AddProcessed(ctx, 5))
		assert.Equal(t, int64(5), tracker.Snapshot().TotalProcessedRecordsCount)
		dbManager.AssertExpectations(t)
	})
}

func TestTracker_Finish(t *testing.T) {
	ctx := context.Background()

	t.Run("Expect: terminal status persisted once", func(t *testing.T) {
		store := database.NewMemoryDBManager()
		tracker := newTrackedRun(t, store, 3)

		require.NoError(t, tracker.Finish(ctx, models.RunStatusFailed, errors.New("batch 1 failed")))
		assert.ErrorIs(t, tracker.Finish(ctx, models.RunStatusCompleted, nil), ErrAlreadyFinalized)

		run, err := store.GetImportRun(ctx, tracker.RunID())
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "batch 1 failed", run.ErrorMessage)
		assert.NotNil(t, run.EndTime)
	})

	t.Run("Expect: late progress update to leave the terminal status untouched", func(t *testing.T) {
		store := database.NewMemoryDBManager()
		tracker := newTrackedRun(t, store, 3)

		require.NoError(t, tracker.Finish(ctx, models.RunStatusCompleted, nil))
		require.NoError(t, tracker.AddProcessed(ctx, 3))

		run, err := store.GetImportRun(ctx, tracker.RunID())
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Equal(t, int64(3), run.TotalProcessedRecordsCount)
	})

	t.Run("Expect: error for a non terminal status", func(t *testing.T) {
		tracker := newTrackedRun(t, database.NewMemoryDBManager(), 0)

		assert.Error(t, tracker.Finish(ctx, models.RunStatusInProgress, nil))
		assert.NoError(t, tracker.Finish(ctx, models.RunStatusCompleted, nil))
	})

	t.Run("Expect: persist failure wrapped in ErrProgressStore", func(t *testing.T) {
		tracker := NewTracker(database.NewMemoryDBManager())

		err := tracker.Finish(ctx, models.RunStatusError, nil)
		assert.ErrorIs(t, err, ErrProgressStore)
	})
}

func TestTracker_MarkFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("Expect: failed batch visible while the run is in progress", func(t *testing.T) {
		store := &countingStore{MemoryDBManager: database.NewMemoryDBManager(), failFirstID: 1}
		tracker := newTrackedRun(t, store, 4)

		task := NewSalesBatchTask(1, []*models.SalesRecord{{ID: 1}, {ID: 2}}, store, tracker)
		var batchErr *BatchError
		require.ErrorAs(t, task.Run(ctx), &batchErr)

		run, err := store.GetImportRun(ctx, tracker.RunID())
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusInProgress, run.Status)
		assert.Contains(t, run.ErrorMessage, "connection reset by peer")
		assert.Len(t, tracker.Failures(), 1)
	})

	t.Run("Expect: every failure joined into the message", func(t *testing.T) {
		tracker := newTrackedRun(t, database.NewMemoryDBManager(), 0)
		tracker.MarkFailed(errors.New("batch 1 failed"))
		tracker.MarkFailed(errors.New("batch 2 failed"))

		message := tracker.Snapshot().ErrorMessage
		assert.Contains(t, message, "batch 1 failed")
		assert.Contains(t, message, "batch 2 failed")
	})

	t.Run("Expect: failure after finish to leave the terminal message untouched", func(t *testing.T) {
		tracker := newTrackedRun(t, database.NewMemoryDBManager(), 0)
		require.NoError(t, tracker.Finish(ctx, models.RunStatusCompleted, nil))

		tracker.MarkFailed(errors.New("late failure"))
		assert.Empty(t, tracker.Snapshot().ErrorMessage)
	})
}
