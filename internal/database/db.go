package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/config"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// ErrRunNotFound is returned when a progress update targets a run that was
// never created. It is a configuration error, not a batch failure.
var ErrRunNotFound = errors.New("import run not found")

type DBManager interface {
	CreateImportRunsTable(ctx context.Context) error
	CreateSalesRecordsTable(ctx context.Context) error
	CreateInvalidRecordsTable(ctx context.Context) error
	CreateSalesRecordIndexes(ctx context.Context) error

	InsertImportRun(ctx context.Context, run *models.ImportRun) error
	UpdateImportRun(ctx context.Context, run *models.ImportRun) error
	GetImportRun(ctx context.Context, id uuid.UUID) (*models.ImportRun, error)
	IsFileAlreadyImported(ctx context.Context, checksum string) (bool, error)

	InsertSalesRecords(ctx context.Context, runID uuid.UUID, records []*models.SalesRecord) error
	InsertInvalidRows(ctx context.Context, runID uuid.UUID, rows []*models.InvalidRow) error

	ListInvalidRows(ctx context.Context, runID uuid.UUID, limit, offset int) ([]models.InvalidRow, error)
	QuerySales(ctx context.Context, q models.SalesQuery) ([]models.SalesRecord, error)
	TotalSales(ctx context.Context, q models.TotalSalesQuery) (*models.TotalSalesResult, error)
}

const (
	ErrorClassConstraint = "constraint"
	ErrorClassData       = "data"
	ErrorClassConnection = "connection"
	ErrorClassCanceled   = "canceled"
	ErrorClassUnknown    = "unknown"
)

// IsConstraintViolation reports whether err carries a postgres integrity
// constraint violation (unique, foreign key, not null, check).
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsIntegrityConstraintViolation(pgErr.Code)
	}
	return false
}

// ErrorClass buckets a storage error for logs and metric labels.
func ErrorClass(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassCanceled
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return ErrorClassConstraint
		case pgerrcode.IsDataException(pgErr.Code):
			return ErrorClassData
		case pgerrcode.IsConnectionException(pgErr.Code):
			return ErrorClassConnection
		}
	}
	if pgconn.SafeToRetry(err) {
		return ErrorClassConnection
	}
	return ErrorClassUnknown
}

// Open returns the store selected by driver and a function releasing it.
func Open(ctx context.Context, driver, connStr string) (DBManager, func(), error) {
	switch driver {
	case config.StorageDriverMemory:
		return NewMemoryDBManager(), func() {}, nil
	case config.StorageDriverPostgres:
		dbpool, err := ConnectDB(ctx, connStr)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresDBManager(dbpool), dbpool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver '%s'", driver)
	}
}

// CreateSchema creates every table and index used by the service.
func CreateSchema(ctx context.Context, dbManager DBManager) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"import_runs table", dbManager.CreateImportRunsTable},
		{"sales_records table", dbManager.CreateSalesRecordsTable},
		{"invalid_records table", dbManager.CreateInvalidRecordsTable},
		{"sales_records indexes", dbManager.CreateSalesRecordIndexes},
	}
	for _, step := range steps {
		log.Infof("Creating %s...", step.name)
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("error creating %s: %w", step.name, err)
		}
	}
	return nil
}
