package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

func ConnectDB(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	dbpool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	return dbpool, nil
}

type PostgresDBManager struct {
	dbpool *pgxpool.Pool
}

func NewPostgresDBManager(pool *pgxpool.Pool) *PostgresDBManager {
	return &PostgresDBManager{dbpool: pool}
}

func (m *PostgresDBManager) CreateImportRunsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS import_runs (
		id UUID PRIMARY KEY,
		file_name VARCHAR(255),
		file_checksum VARCHAR(64),
		total_records_count BIGINT NOT NULL DEFAULT 0,
		total_processed_records_count BIGINT NOT NULL DEFAULT 0,
		invalid_records_count BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL CHECK (status IN ('IN_PROGRESS', 'COMPLETED', 'FAILED', 'ERROR')),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		error_message TEXT
	);`

	_, err := m.dbpool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("error creating import_runs table: %w", err)
	}

	return nil
}

// CreateSalesRecordsTable creates sales_records. The id column is the id found in the file,
// it is not unique since the same file may be imported more than once.
func (m *PostgresDBManager) CreateSalesRecordsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sales_records (
		row_id BIGSERIAL PRIMARY KEY,
		id BIGINT NOT NULL,
		item_no INTEGER NOT NULL,
		name VARCHAR(20) NOT NULL,
		code VARCHAR(5) NOT NULL,
		type SMALLINT NOT NULL,
		cost_price NUMERIC(12, 2) NOT NULL,
		tax NUMERIC(12, 6) NOT NULL,
		sale_price NUMERIC(14, 2) NOT NULL,
		sale_date TIMESTAMP NOT NULL,
		run_id UUID NOT NULL REFERENCES import_runs (id)
	);`

	_, err := m.dbpool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("error creating sales_records table: %w", err)
	}

	return nil
}

func (m *PostgresDBManager) CreateInvalidRecordsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS invalid_records (
		id BIGSERIAL PRIMARY KEY,
		row_id INTEGER NOT NULL,
		row_text TEXT NOT NULL,
		reason TEXT,
		created_on TIMESTAMPTZ NOT NULL,
		run_id UUID REFERENCES import_runs (id)
	);`

	_, err := m.dbpool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("error creating invalid_records table: %w", err)
	}

	return nil
}

func (m *PostgresDBManager) CreateSalesRecordIndexes(ctx context.Context) error {
	queries := []string{
		`CREATE INDEX IF NOT EXISTS idx_sales_records_sale_date ON sales_records (sale_date) INCLUDE (sale_price, item_no);`,
		`CREATE INDEX IF NOT EXISTS idx_sales_records_sale_price ON sales_records (sale_price);`,
		`CREATE INDEX IF NOT EXISTS idx_sales_records_run_id ON sales_records (run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_invalid_records_run_id ON invalid_records (run_id, row_id);`,
		`CREATE INDEX IF NOT EXISTS idx_import_runs_checksum ON import_runs (file_checksum) WHERE status = 'COMPLETED';`,
	}

	for _, query := range queries {
		_, err := m.dbpool.Exec(ctx, query)
		if err != nil {
			return fmt.Errorf("error creating index: %w", err)
		}
	}

	return nil
}

func (m *PostgresDBManager) InsertImportRun(ctx context.Context, run *models.ImportRun) error {
	query := `
	INSERT INTO import_runs (id, file_name, file_checksum, total_records_count, total_processed_records_count,
		invalid_records_count, status, start_time, end_time, error_message)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''));`

	_, err := m.dbpool.Exec(ctx, query, run.ID, run.FileName, run.FileChecksum, run.TotalRecordsCount,
		run.TotalProcessedRecordsCount, run.InvalidRecordsCount, string(run.Status), run.StartTime, run.EndTime, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("error inserting import run %s: %w", run.ID, err)
	}

	return nil
}

// UpdateImportRun persists a snapshot of run. Counters only move forward and a
// terminal status is never replaced, so late or reordered snapshots are harmless.
func (m *PostgresDBManager) UpdateImportRun(ctx context.Context, run *models.ImportRun) error {
	query := `
	UPDATE import_runs
	SET total_records_count = GREATEST(total_records_count, $2),
		total_processed_records_count = GREATEST(total_processed_records_count, $3),
		invalid_records_count = GREATEST(invalid_records_count, $4),
		status = CASE WHEN status IN ('COMPLETED', 'FAILED', 'ERROR') THEN status ELSE $5 END,
		end_time = CASE WHEN status IN ('COMPLETED', 'FAILED', 'ERROR') THEN end_time ELSE $6 END,
		error_message = CASE WHEN status IN ('COMPLETED', 'FAILED', 'ERROR') THEN error_message ELSE NULLIF($7, '') END
	WHERE id = $1;`

	tag, err := m.dbpool.Exec(ctx, query, run.ID, run.TotalRecordsCount, run.TotalProcessedRecordsCount,
		run.InvalidRecordsCount, string(run.Status), run.EndTime, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("error updating import run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}

	return nil
}

func (m *PostgresDBManager) GetImportRun(ctx context.Context, id uuid.UUID) (*models.ImportRun, error) {
	query := `
	SELECT id, COALESCE(file_name, ''), COALESCE(file_checksum, ''), total_records_count, total_processed_records_count,
		invalid_records_count, status, start_time, end_time, COALESCE(error_message, '')
	FROM import_runs
	WHERE id = $1;`

	var run models.ImportRun
	var status string
	err := m.dbpool.QueryRow(ctx, query, id).Scan(&run.ID, &run.FileName, &run.FileChecksum, &run.TotalRecordsCount,
		&run.TotalProcessedRecordsCount, &run.InvalidRecordsCount, &status, &run.StartTime, &run.EndTime, &run.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("error finding import run %s: %w", id, err)
	}
	run.Status = models.RunStatus(status)

	return &run, nil
}

func (m *PostgresDBManager) IsFileAlreadyImported(ctx context.Context, checksum string) (bool, error) {
	query := `
	SELECT id
	FROM import_runs
	WHERE file_checksum = $1 AND status = 'COMPLETED'
	LIMIT 1;`

	var id uuid.UUID

	err := m.dbpool.QueryRow(ctx, query, checksum).Scan(&id)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("error finding import run by checksum: %w", err)
	}

	return true, nil
}

// InsertSalesRecords bulk loads one batch with COPY. The batch is written
// entirely or not at all.
func (m *PostgresDBManager) InsertSalesRecords(ctx context.Context, runID uuid.UUID, records []*models.SalesRecord) error {
	if len(records) == 0 {
		return nil
	}

	columnNames := []string{
		"id", "item_no", "name", "code", "type", "cost_price", "tax", "sale_price", "sale_date", "run_id",
	}

	copySource := pgx.CopyFromSlice(len(records), func(i int) ([]interface{}, error) {
		r := records[i]
		return []interface{}{r.ID, r.ItemNo, r.Name, r.Code, r.Type, r.CostPrice, r.Tax, r.SalePrice, r.SaleDate, runID}, nil
	})

	log.WithFields(log.Fields{"run_id": runID, "size": len(records)}).Debug("Bulk loading sales records")
	_, err := m.dbpool.CopyFrom(ctx, pgx.Identifier{"sales_records"}, columnNames, copySource)
	if err != nil {
		return fmt.Errorf("unable to copy %d sales records: %w", len(records), err)
	}

	return nil
}

func (m *PostgresDBManager) InsertInvalidRows(ctx context.Context, runID uuid.UUID, rows []*models.InvalidRow) error {
	if len(rows) == 0 {
		return nil
	}

	columnNames := []string{"row_id", "row_text", "reason", "created_on", "run_id"}

	copySource := pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
		r := rows[i]
		return []interface{}{r.RowNumber, r.RowText, r.Reason, r.CreatedOn, runID}, nil
	})

	log.WithFields(log.Fields{"run_id": runID, "size": len(rows)}).Debug("Bulk loading invalid records")
	_, err := m.dbpool.CopyFrom(ctx, pgx.Identifier{"invalid_records"}, columnNames, copySource)
	if err != nil {
		return fmt.Errorf("unable to copy %d invalid records: %w", len(rows), err)
	}

	return nil
}

func (m *PostgresDBManager) ListInvalidRows(ctx context.Context, runID uuid.UUID, limit, offset int) ([]models.InvalidRow, error) {
	query := `
	SELECT row_id, row_text, COALESCE(reason, ''), created_on, run_id
	FROM invalid_records
	WHERE run_id = $1
	ORDER BY row_id
	LIMIT $2 OFFSET $3;`

	rows, err := m.dbpool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("error querying invalid records: %w", err)
	}
	defer rows.Close()

	result := make([]models.InvalidRow, 0)
	for rows.Next() {
		var row models.InvalidRow
		var owner uuid.UUID
		if err := rows.Scan(&row.RowNumber, &row.RowText, &row.Reason, &row.CreatedOn, &owner); err != nil {
			return nil, fmt.Errorf("error scanning invalid record: %w", err)
		}
		row.RunID = &owner
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over invalid records: %w", err)
	}

	return result, nil
}

func (m *PostgresDBManager) QuerySales(ctx context.Context, q models.SalesQuery) ([]models.SalesRecord, error) {
	query, args, err := BuildSalesQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := m.dbpool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying sales records: %w", err)
	}
	defer rows.Close()

	result := make([]models.SalesRecord, 0, q.Size)
	for rows.Next() {
		var r models.SalesRecord
		if err := rows.Scan(&r.ID, &r.ItemNo, &r.Name, &r.Code, &r.Type, &r.CostPrice, &r.Tax, &r.SalePrice, &r.SaleDate); err != nil {
			return nil, fmt.Errorf("error scanning sales record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sales records: %w", err)
	}

	return result, nil
}

func (m *PostgresDBManager) TotalSales(ctx context.Context, q models.TotalSalesQuery) (*models.TotalSalesResult, error) {
	query, args, err := BuildTotalSalesQuery(q)
	if err != nil {
		return nil, err
	}

	result := &models.TotalSalesResult{From: q.From, To: q.To, Category: q.Category, ItemNo: q.ItemNo}
	row := m.dbpool.QueryRow(ctx, query, args...)

	switch q.Category {
	case models.CategoryTotalSales:
		var total float64
		if err := row.Scan(&total); err != nil {
			return nil, fmt.Errorf("error querying total sales: %w", err)
		}
		result.TotalSales = &total
	default:
		var count int64
		if err := row.Scan(&count); err != nil {
			return nil, fmt.Errorf("error querying total count: %w", err)
		}
		result.TotalCount = &count
	}

	return result, nil
}
