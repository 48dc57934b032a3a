package database

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/google/uuid"
)

type storedSale struct {
	rowID  int64
	runID  uuid.UUID
	record models.SalesRecord
}

// MemoryDBManager keeps everything in process memory. It applies the same
// update rules as PostgresDBManager and backs STORAGE_DRIVER=memory and tests.
type MemoryDBManager struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]models.ImportRun
	sales   []storedSale
	invalid []models.InvalidRow
	nextRow int64
}

func NewMemoryDBManager() *MemoryDBManager {
	return &MemoryDBManager{runs: make(map[uuid.UUID]models.ImportRun)}
}

func (m *MemoryDBManager) CreateImportRunsTable(ctx context.Context) error     { return nil }
func (m *MemoryDBManager) CreateSalesRecordsTable(ctx context.Context) error   { return nil }
func (m *MemoryDBManager) CreateInvalidRecordsTable(ctx context.Context) error { return nil }
func (m *MemoryDBManager) CreateSalesRecordIndexes(ctx context.Context) error  { return nil }

func (m *MemoryDBManager) InsertImportRun(ctx context.Context, run *models.ImportRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("error inserting import run %s: duplicate id", run.ID)
	}
	m.runs[run.ID] = copyRun(*run)
	return nil
}

func (m *MemoryDBManager) UpdateImportRun(ctx context.Context, run *models.ImportRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.runs[run.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}

	stored.TotalRecordsCount = max(stored.TotalRecordsCount, run.TotalRecordsCount)
	stored.TotalProcessedRecordsCount = max(stored.TotalProcessedRecordsCount, run.TotalProcessedRecordsCount)
	stored.InvalidRecordsCount = max(stored.InvalidRecordsCount, run.InvalidRecordsCount)
	if !stored.Status.IsTerminal() {
		stored.Status = run.Status
		stored.EndTime = run.EndTime
		stored.ErrorMessage = run.ErrorMessage
	}
	m.runs[run.ID] = copyRun(stored)
	return nil
}

func (m *MemoryDBManager) GetImportRun(ctx context.Context, id uuid.UUID) (*models.ImportRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, exists := m.runs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run := copyRun(stored)
	return &run, nil
}

func (m *MemoryDBManager) IsFileAlreadyImported(ctx context.Context, checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.FileChecksum == checksum && run.Status == models.RunStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryDBManager) InsertSalesRecords(ctx context.Context, runID uuid.UUID, records []*models.SalesRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[runID]; !exists {
		return fmt.Errorf("unable to copy %d sales records: run %s does not exist", len(records), runID)
	}
	for _, r := range records {
		m.nextRow++
		m.sales = append(m.sales, storedSale{rowID: m.nextRow, runID: runID, record: *r})
	}
	return nil
}

func (m *MemoryDBManager) InsertInvalidRows(ctx context.Context, runID uuid.UUID, rows []*models.InvalidRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[runID]; !exists {
		return fmt.Errorf("unable to copy %d invalid records: run %s does not exist", len(rows), runID)
	}
	for _, r := range rows {
		row := *r
		owner := runID
		row.RunID = &owner
		m.invalid = append(m.invalid, row)
	}
	return nil
}

func (m *MemoryDBManager) ListInvalidRows(ctx context.Context, runID uuid.UUID, limit, offset int) ([]models.InvalidRow, error) {
	m.mu.RLock()
	result := make([]models.InvalidRow, 0)
	for _, row := range m.invalid {
		if row.RunID != nil && *row.RunID == runID {
			result = append(result, row)
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(result, func(a, b models.InvalidRow) int {
		return cmp.Compare(a.RowNumber, b.RowNumber)
	})
	return page(result, limit, offset), nil
}

func (m *MemoryDBManager) QuerySales(ctx context.Context, q models.SalesQuery) ([]models.SalesRecord, error) {
	if !models.IsSortable(q.SortField) {
		return nil, fmt.Errorf("%w: sortField %q", models.ErrInvalidQuery, q.SortField)
	}

	m.mu.RLock()
	matches := make([]storedSale, 0)
	for _, s := range m.sales {
		r := s.record
		if q.From != nil && r.SaleDate.Before(*q.From) {
			continue
		}
		if q.To != nil && r.SaleDate.After(*q.To) {
			continue
		}
		if q.MinPrice != nil && r.SalePrice < *q.MinPrice {
			continue
		}
		if q.MaxPrice != nil && r.SalePrice > *q.MaxPrice {
			continue
		}
		matches = append(matches, s)
	}
	m.mu.RUnlock()

	desc := q.SortDir != models.SortDirAsc
	slices.SortStableFunc(matches, func(a, b storedSale) int {
		c := compareColumn(q.SortField, a.record, b.record)
		if desc {
			c = -c
		}
		if c == 0 {
			return cmp.Compare(a.rowID, b.rowID)
		}
		return c
	})

	records := make([]models.SalesRecord, len(matches))
	for i, s := range matches {
		records[i] = s.record
	}
	if q.Size <= 0 {
		return records, nil
	}
	return page(records, q.Size, q.Offset()), nil
}

func (m *MemoryDBManager) TotalSales(ctx context.Context, q models.TotalSalesQuery) (*models.TotalSalesResult, error) {
	if q.Category != models.CategoryTotalSales && q.Category != models.CategoryTotalCount {
		return nil, fmt.Errorf("%w: category %q", models.ErrInvalidQuery, q.Category)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	var count int64
	for _, s := range m.sales {
		r := s.record
		if r.SaleDate.Before(q.From) || r.SaleDate.After(q.To) {
			continue
		}
		if q.ItemNo != nil && r.ItemNo != *q.ItemNo {
			continue
		}
		total += r.SalePrice
		count++
	}

	result := &models.TotalSalesResult{From: q.From, To: q.To, Category: q.Category, ItemNo: q.ItemNo}
	if q.Category == models.CategoryTotalSales {
		result.TotalSales = &total
	} else {
		result.TotalCount = &count
	}
	return result, nil
}

// SalesCount returns how many sales records were stored for runID.
func (m *MemoryDBManager) SalesCount(runID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sales {
		if s.runID == runID {
			count++
		}
	}
	return count
}

func compareColumn(column string, a, b models.SalesRecord) int {
	switch column {
	case "id":
		return cmp.Compare(a.ID, b.ID)
	case "item_no":
		return cmp.Compare(a.ItemNo, b.ItemNo)
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "code":
		return strings.Compare(a.Code, b.Code)
	case "type":
		return cmp.Compare(a.Type, b.Type)
	case "cost_price":
		return cmp.Compare(a.CostPrice, b.CostPrice)
	case "tax":
		return cmp.Compare(a.Tax, b.Tax)
	case "sale_price":
		return cmp.Compare(a.SalePrice, b.SalePrice)
	default:
		return a.SaleDate.Compare(b.SaleDate)
	}
}

func page[T any](items []T, limit, offset int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func copyRun(run models.ImportRun) models.ImportRun {
	if run.EndTime != nil {
		end := *run.EndTime
		run.EndTime = &end
	}
	return run
}
