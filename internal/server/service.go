package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/ingestion"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/parser"
	"github.com/ThiagoRGoveia/sales-ingestion.git/pkg/checksum"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

const (
	uploadField     = "csvFile"
	maxUploadMemory = 32 << 20
)

// Importer starts an import of a source. *ingestion.IngestionService satisfies it.
type Importer interface {
	Import(ctx context.Context, src ingestion.Source) (*ingestion.Execution, error)
}

type SalesService struct {
	DBManager database.DBManager
	Importer  Importer
	// UploadDir holds uploaded files while they are imported. Empty means os.TempDir.
	UploadDir string
}

func NewSalesService(dbManager database.DBManager, importer Importer) *SalesService {
	return &SalesService{DBManager: dbManager, Importer: importer}
}

type importAccepted struct {
	ID     uuid.UUID        `json:"id"`
	Status models.RunStatus `json:"status"`
}

// CreateImport accepts a multipart upload and starts importing it. The upload is
// spooled to disk and removed once the run is terminal.
func (h *SalesService) CreateImport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart form with a '%s' file", uploadField)
		return
	}
	upload, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing '%s' file", uploadField)
		return
	}
	defer upload.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "Only .csv files are accepted")
		return
	}

	spooled, err := os.CreateTemp(h.UploadDir, "sales-upload-*.csv")
	if err != nil {
		log.Errorf("Failed to create upload file: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	discard := func() {
		spooled.Close()
		os.Remove(spooled.Name())
	}

	src, err := describeUpload(spooled, upload, header.Filename)
	if err != nil {
		discard()
		var bad badUploadError
		if errors.As(err, &bad) {
			writeError(w, http.StatusBadRequest, "%s", bad.Error())
			return
		}
		log.Errorf("Failed to read upload %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	exec, err := h.Importer.Import(r.Context(), src)
	if exec == nil {
		discard()
	} else {
		// the run owns the upload even when waiting on it failed
		go func() {
			<-exec.Done()
			discard()
		}()
	}
	if err != nil {
		log.Errorf("Failed to start import of %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to start import")
		return
	}

	writeJSON(w, http.StatusAccepted, importAccepted{ID: exec.RunID(), Status: exec.Snapshot().Status})
}

type badUploadError string

func (e badUploadError) Error() string {
	return string(e)
}

// describeUpload copies upload into spooled and returns a source positioned at
// its first byte, with its row count and checksum filled in.
func describeUpload(spooled *os.File, upload io.Reader, name string) (ingestion.Source, error) {
	size, err := io.Copy(spooled, upload)
	if err != nil {
		return ingestion.Source{}, fmt.Errorf("failed to spool upload: %w", err)
	}
	if size == 0 {
		return ingestion.Source{}, badUploadError("File is empty")
	}

	if _, err := spooled.Seek(0, io.SeekStart); err != nil {
		return ingestion.Source{}, err
	}
	sum, err := checksum.Reader(spooled)
	if err != nil {
		return ingestion.Source{}, err
	}

	if _, err := spooled.Seek(0, io.SeekStart); err != nil {
		return ingestion.Source{}, err
	}
	total, err := parser.CountRows(spooled)
	if err != nil {
		return ingestion.Source{}, err
	}
	if total == 0 {
		return ingestion.Source{}, badUploadError("File has no data rows")
	}

	if _, err := spooled.Seek(0, io.SeekStart); err != nil {
		return ingestion.Source{}, err
	}
	return ingestion.Source{Reader: spooled, Name: name, TotalRecords: total, Checksum: sum}, nil
}

func (h *SalesService) GetImport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	runID, ok := parseRunID(w, ps)
	if !ok {
		return
	}

	run, err := h.DBManager.GetImportRun(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *SalesService) ListInvalidRecords(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	runID, ok := parseRunID(w, ps)
	if !ok {
		return
	}

	page, size, err := parsePage(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}

	if _, err := h.DBManager.GetImportRun(r.Context(), runID); err != nil {
		h.writeRunError(w, runID, err)
		return
	}

	rows, err := h.DBManager.ListInvalidRows(r.Context(), runID, size, (page-1)*size)
	if err != nil {
		log.WithField("run_id", runID).Errorf("Failed to list invalid records: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve invalid records")
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (h *SalesService) ListSales(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q, err := parseSalesQuery(r.URL.Query())
	if err == nil {
		err = q.Normalize()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}

	sales, err := h.DBManager.QuerySales(r.Context(), q)
	if err != nil {
		log.Errorf("Failed to query sales: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sales")
		return
	}

	writeJSON(w, http.StatusOK, sales)
}

func (h *SalesService) TotalSales(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q, err := parseTotalSalesQuery(r.URL.Query())
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}

	result, err := h.DBManager.TotalSales(r.Context(), q)
	if err != nil {
		log.Errorf("Failed to compute sales total: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to compute sales total")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *SalesService) writeRunError(w http.ResponseWriter, runID uuid.UUID, err error) {
	if errors.Is(err, database.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Import run %s not found", runID)
		return
	}
	log.WithField("run_id", runID).Errorf("Failed to retrieve import run: %v", err)
	writeError(w, http.StatusInternalServerError, "Failed to retrieve import run")
}

func parseRunID(w http.ResponseWriter, ps httprouter.Params) (uuid.UUID, bool) {
	runID, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid import run id '%s'", ps.ByName("id"))
		return uuid.Nil, false
	}
	return runID, true
}
