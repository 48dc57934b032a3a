package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/config"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/ingestion"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/parser"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDBManager struct {
	mock.Mock
}

func (m *MockDBManager) CreateImportRunsTable(ctx context.Context) error     { return nil }
func (m *MockDBManager) CreateSalesRecordsTable(ctx context.Context) error   { return nil }
func (m *MockDBManager) CreateInvalidRecordsTable(ctx context.Context) error { return nil }
func (m *MockDBManager) CreateSalesRecordIndexes(ctx context.Context) error  { return nil }

func (m *MockDBManager) InsertImportRun(ctx context.Context, run *models.ImportRun) error {
	return nil
}

func (m *MockDBManager) UpdateImportRun(ctx context.Context, run *models.ImportRun) error {
	return nil
}

func (m *MockDBManager) IsFileAlreadyImported(ctx context.Context, checksum string) (bool, error) {
	return false, nil
}

func (m *MockDBManager) InsertSalesRecords(ctx context.Context, runID uuid.UUID, records []*models.SalesRecord) error {
	return nil
}

func (m *MockDBManager) InsertInvalidRows(ctx context.Context, runID uuid.UUID, rows []*models.InvalidRow) error {
	return nil
}

func (m *MockDBManager) GetImportRun(ctx context.Context, id uuid.UUID) (*models.ImportRun, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportRun), args.Error(1)
}

func (m *MockDBManager) ListInvalidRows(ctx context.Context, runID uuid.UUID, limit, offset int) ([]models.InvalidRow, error) {
	args := m.Called(runID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.InvalidRow), args.Error(1)
}

func (m *MockDBManager) QuerySales(ctx context.Context, q models.SalesQuery) ([]models.SalesRecord, error) {
	args := m.Called(q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SalesRecord), args.Error(1)
}

func (m *MockDBManager) TotalSales(ctx context.Context, q models.TotalSalesQuery) (*models.TotalSalesResult, error) {
	args := m.Called(q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TotalSalesResult), args.Error(1)
}

const csvHeader = "id,itemNo,name,code,type,costPrice,tax,salePrice,saleDate"

func salesCSV(rows ...string) string {
	return csvHeader + "\n" + strings.Join(rows, "\n") + "\n"
}

var sampleRows = []string{
	"1,5,Coffee,CF1,1,10.00,0.2,12.00,2024-03-01 10:00:00.000000",
	"2,5,Tea,TE1,2,20.00,0.1,22.00,2024-03-02 10:00:00.000000",
	"3,7,Cake,CK1,1,50.00,0.2,60.00,2024-03-03 10:00:00.000000",
	"4,-1,Broken,BR1,1,10.00,0.2,12.00,2024-03-03 10:00:00.000000",
}

// newTestRouter wires the routes to an in-memory store and an importer that
// only returns once the run is terminal.
func newTestRouter(t *testing.T) (http.Handler, *database.MemoryDBManager) {
	t.Helper()
	store := database.NewMemoryDBManager()
	cfg := config.Config{
		PoolSize:         2,
		QueueSize:        4,
		DBBatchSize:      2,
		InvalidBatchSize: 2,
		ShutdownPolicy:   config.ShutdownPolicyAwait,
	}
	importer := ingestion.NewIngestionService(store, ingestion.Setup{PoolSize: cfg.PoolSize, QueueSize: cfg.QueueSize}, cfg)

	service := NewSalesService(store, importer)
	service.UploadDir = t.TempDir()
	return SetupRoutes(service), store
}

func uploadRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/imports", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func importSample(t *testing.T, router http.Handler) uuid.UUID {
	t.Helper()
	rr := serve(router, uploadRequest(t, uploadField, "sales.csv", salesCSV(sampleRows...)))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var accepted importAccepted
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&accepted))
	return accepted.ID
}

func TestSalesService_CreateImport(t *testing.T) {
	t.Run("Expect: upload accepted and run completed with its counts", func(t *testing.T) {
		router, _ := newTestRouter(t)
		runID := importSample(t, router)

		rr := serve(router, httptest.NewRequest(http.MethodGet, "/imports/"+runID.String(), nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var run models.ImportRun
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&run))
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Equal(t, int64(4), run.TotalRecordsCount)
		assert.Equal(t, int64(3), run.TotalProcessedRecordsCount)
		assert.Equal(t, int64(1), run.InvalidRecordsCount)
		assert.Equal(t, "sales.csv", run.FileName)
		assert.NotEmpty(t, run.FileChecksum)
	})

	tests := map[string]struct {
		field    string
		filename string
		content  string
	}{
		"non csv extension": {field: uploadField, filename: "sales.txt", content: salesCSV(sampleRows...)},
		"empty file":        {field: uploadField, filename: "sales.csv", content: ""},
		"header only":       {field: uploadField, filename: "sales.csv", content: csvHeader + "\n"},
		"wrong form field":  {field: "file", filename: "sales.csv", content: salesCSV(sampleRows...)},
	}
	for name, tc := range tests {
		t.Run("Expect: 400 for "+name, func(t *testing.T) {
			router, _ := newTestRouter(t)
			rr := serve(router, uploadRequest(t, tc.field, tc.filename, tc.content))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	t.Run("Expect: overlong row accepted and counted as invalid", func(t *testing.T) {
		router, store := newTestRouter(t)
		long := strings.Repeat("x", 2*parser.MaxLineSize)
		rr := serve(router, uploadRequest(t, uploadField, "sales.csv", salesCSV(sampleRows[0], long, sampleRows[1])))
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		var accepted importAccepted
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&accepted))
		run, err := store.GetImportRun(context.Background(), accepted.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Equal(t, int64(3), run.TotalRecordsCount)
		assert.Equal(t, int64(2), run.TotalProcessedRecordsCount)
		assert.Equal(t, int64(1), run.InvalidRecordsCount)
	})

	t.Run("Expect: 400 for a non multipart body", func(t *testing.T) {
		router, _ := newTestRouter(t)
		rr := serve(router, httptest.NewRequest(http.MethodPost, "/imports", strings.NewReader("id,name")))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

// interruptedImporter starts the run when it has an inner importer and then
// reports err, as an await import does when the client goes away.
type interruptedImporter struct {
	inner Importer
	err   error
}

func (i *interruptedImporter) Import(ctx context.Context, src ingestion.Source) (*ingestion.Execution, error) {
	if i.inner == nil {
		return nil, i.err
	}
	exec, err := i.inner.Import(ctx, src)
	if err != nil {
		return exec, err
	}
	return exec, i.err
}

func TestSalesService_CreateImportCleanup(t *testing.T) {
	newService := func(t *testing.T) *SalesService {
		t.Helper()
		store := database.NewMemoryDBManager()
		cfg := config.Config{PoolSize: 2, QueueSize: 4, DBBatchSize: 2, InvalidBatchSize: 2, ShutdownPolicy: config.ShutdownPolicyDetach}
		importer := ingestion.NewIngestionService(store, ingestion.Setup{PoolSize: cfg.PoolSize, QueueSize: cfg.QueueSize}, cfg)

		service := NewSalesService(store, importer)
		service.UploadDir = t.TempDir()
		return service
	}
	uploadsLeft := func(dir string) int {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return -1
		}
		return len(entries)
	}

	t.Run("Expect: upload removed once the run ends even when the wait was interrupted", func(t *testing.T) {
		service := newService(t)
		service.Importer = &interruptedImporter{inner: service.Importer, err: context.Canceled}

		rr := serve(SetupRoutes(service), uploadRequest(t, uploadField, "sales.csv", salesCSV(sampleRows...)))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Eventually(t, func() bool { return uploadsLeft(service.UploadDir) == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Expect: upload removed at once when no run was started", func(t *testing.T) {
		service := newService(t)
		service.Importer = &interruptedImporter{err: errors.New("database is down")}

		rr := serve(SetupRoutes(service), uploadRequest(t, uploadField, "sales.csv", salesCSV(sampleRows...)))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Zero(t, uploadsLeft(service.UploadDir))
	})

	t.Run("Expect: upload removed after a detached run completes", func(t *testing.T) {
		service := newService(t)

		rr := serve(SetupRoutes(service), uploadRequest(t, uploadField, "sales.csv", salesCSV(sampleRows...)))
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Eventually(t, func() bool { return uploadsLeft(service.UploadDir) == 0 }, 5*time.Second, 10*time.Millisecond)
	})
}

func TestSalesService_GetImport(t *testing.T) {
	t.Run("Expect: 400 for a malformed id", func(t *testing.T) {
		router, _ := newTestRouter(t)
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/imports/not-a-uuid", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Expect: 404 for an unknown run", func(t *testing.T) {
		router, _ := newTestRouter(t)
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/imports/"+uuid.NewString(), nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Expect: 500 when the store fails", func(t *testing.T) {
		dbManager := new(MockDBManager)
		runID := uuid.New()
		dbManager.On("GetImportRun", runID).Return(nil, errors.New("db error")).Once()

		rr := serve(SetupRoutes(NewSalesService(dbManager, nil)), httptest.NewRequest(http.MethodGet, "/imports/"+runID.String(), nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		dbManager.AssertExpectations(t)
	})
}

func TestSalesService_ListInvalidRecords(t *testing.T) {
	t.Run("Expect: invalid rows of the run returned", func(t *testing.T) {
		router, _ := newTestRouter(t)
		runID := importSample(t, router)

		rr := serve(router, httptest.NewRequest(http.MethodGet, "/imports/"+runID.String()+"/invalid-records", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var rows []models.InvalidRow
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
		require.Len(t, rows, 1)
		assert.Equal(t, 4, rows[0].RowNumber)
		assert.Equal(t, sampleRows[3], rows[0].RowText)
	})

	t.Run("Expect: paging forwarded to the store", func(t *testing.T) {
		dbManager := new(MockDBManager)
		runID := uuid.New()
		dbManager.On("GetImportRun", runID).Return(&models.ImportRun{ID: runID}, nil).Once()
		dbManager.On("ListInvalidRows", runID, 10, 20).Return([]models.InvalidRow{}, nil).Once()

		url := fmt.Sprintf("/imports/%s/invalid-records?page=3&size=10", runID)
		rr := serve(SetupRoutes(NewSalesService(dbManager, nil)), httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		dbManager.AssertExpectations(t)
	})

	t.Run("Expect: 400 for an out of range size", func(t *testing.T) {
		router, _ := newTestRouter(t)
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/imports/"+uuid.NewString()+"/invalid-records?size=5000", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Expect: 404 for an unknown run", func(t *testing.T) {
		router, _ := newTestRouter(t)
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/imports/"+uuid.NewString()+"/invalid-records", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestSalesService_ListSales(t *testing.T) {
	t.Run("Expect: filtered and sorted sales", func(t *testing.T) {
		router, _ := newTestRouter(t)
		importSample(t, router)

		url := "/sales?from=2024-03-02T00:00:00Z&minPrice=15&sortField=sale_price&sortDir=asc"
		rr := serve(router, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var sales []models.SalesRecord
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&sales))
		require.Len(t, sales, 2)
		assert.Equal(t, int64(2), sales[0].ID)
		assert.Equal(t, int64(3), sales[1].ID)
	})

	t.Run("Expect: defaults applied before querying", func(t *testing.T) {
		dbManager := new(MockDBManager)
		dbManager.On("QuerySales", models.SalesQuery{
			SortField: models.DefaultSortBy,
			SortDir:   models.SortDirDesc,
			Page:      1,
			Size:      models.DefaultPageSize,
		}).Return([]models.SalesRecord{}, nil).Once()

		rr := serve(SetupRoutes(NewSalesService(dbManager, nil)), httptest.NewRequest(http.MethodGet, "/sales", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		dbManager.AssertExpectations(t)
	})

	for name, query := range map[string]string{
		"bad date":             "from=yesterday",
		"bad price":            "minPrice=cheap",
		"unknown sort field":   "sortField=password",
		"unknown direction":    "sortDir=sideways",
		"crossed price range":  "minPrice=10&maxPrice=5",
		"size above the limit": "size=1001",
	} {
		t.Run("Expect: 400 for "+name, func(t *testing.T) {
			router, _ := newTestRouter(t)
			rr := serve(router, httptest.NewRequest(http.MethodGet, "/sales?"+query, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	t.Run("Expect: 500 when the store fails", func(t *testing.T) {
		dbManager := new(MockDBManager)
		dbManager.On("QuerySales", mock.Anything).Return(nil, errors.New("db error")).Once()

		rr := serve(SetupRoutes(NewSalesService(dbManager, nil)), httptest.NewRequest(http.MethodGet, "/sales", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestSalesService_TotalSales(t *testing.T) {
	t.Run("Expect: totals of an item over a date range", func(t *testing.T) {
		router, _ := newTestRouter(t)
		importSample(t, router)

		url := "/sales/total?from=2024-03-01T00:00:00Z&to=2024-03-31T00:00:00Z&category=totalSales&itemNo=5"
		rr := serve(router, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var result models.TotalSalesResult
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&result))
		require.NotNil(t, result.TotalSales)
		assert.InDelta(t, 34.0, *result.TotalSales, 0.0001)
		assert.Nil(t, result.TotalCount)
	})

	t.Run("Expect: count of sales over a date range", func(t *testing.T) {
		router, _ := newTestRouter(t)
		importSample(t, router)

		url := "/sales/total?from=2024-03-01T00:00:00Z&to=2024-03-31T00:00:00Z&category=totalCount"
		rr := serve(router, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var result models.TotalSalesResult
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&result))
		require.NotNil(t, result.TotalCount)
		assert.Equal(t, int64(3), *result.TotalCount)
	})

	for name, query := range map[string]string{
		"missing dates":     "category=totalSales",
		"unknown category":  "from=2024-03-01T00:00:00Z&to=2024-03-31T00:00:00Z&category=average",
		"item out of range": "from=2024-03-01T00:00:00Z&to=2024-03-31T00:00:00Z&category=totalSales&itemNo=101",
		"bad item":          "from=2024-03-01T00:00:00Z&to=2024-03-31T00:00:00Z&category=totalSales&itemNo=x",
	} {
		t.Run("Expect: 400 for "+name, func(t *testing.T) {
			router, _ := newTestRouter(t)
			rr := serve(router, httptest.NewRequest(http.MethodGet, "/sales/total?"+query, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestSetupRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	t.Run("Expect: metrics exposed", func(t *testing.T) {
		importSample(t, router)
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "sales_ingestion_rows_read_total")
	})

	t.Run("Expect: JSON 404 for unknown endpoints", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/tickers/PETR4", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	})

	t.Run("Expect: 405 for a wrong method", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodDelete, "/sales", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}
