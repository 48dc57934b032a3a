package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/database"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/parser"
	"github.com/ThiagoRGoveia/sales-ingestion.git/pkg/checksum"
	log "github.com/sirupsen/logrus"
)

// Processor defines the file discovery operations run before an import.
type Processor interface {
	ScanForFiles(rootPath string) ([]models.FileInfo, error)
	SkipImported(ctx context.Context, fileInfos []models.FileInfo) ([]models.FileInfo, error)
}

// FileProcessor finds the files to import and skips the ones a previous run
// already completed.
type FileProcessor struct {
	dbManager database.DBManager
}

func NewFileProcessor(dbManager database.DBManager) *FileProcessor {
	return &FileProcessor{
		dbManager: dbManager,
	}
}

// ScanForFiles accepts a single file or a directory. Every .csv file found is
// counted and fingerprinted so the run knows its expected total up front.
func (fp *FileProcessor) ScanForFiles(rootPath string) ([]models.FileInfo, error) {
	var fileInfos []models.FileInfo
	log.Printf("Scanning for files in: %s", rootPath)

	err := filepath.Walk(rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err // Propagate errors from walking the path
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}

		fileInfo, err := describeFile(path)
		if err != nil {
			log.Warnf("Could not read file %s: %v. Skipping file.", path, err)
			return nil // Skip this file, but continue walking
		}

		fileInfos = append(fileInfos, fileInfo)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("error walking directory %s: %w", rootPath, err)
	}

	log.Printf("Found %d files to process.", len(fileInfos))
	return fileInfos, nil
}

// SkipImported drops files whose checksum matches a completed run.
func (fp *FileProcessor) SkipImported(ctx context.Context, fileInfos []models.FileInfo) ([]models.FileInfo, error) {
	pending := make([]models.FileInfo, 0, len(fileInfos))
	for _, fileInfo := range fileInfos {
		imported, err := fp.dbManager.IsFileAlreadyImported(ctx, fileInfo.Checksum)
		if err != nil {
			return nil, fmt.Errorf("failed to check if file %s is already imported: %w", fileInfo.Path, err)
		}
		if imported {
			log.Infof("File %s (checksum: %s) has already been imported. Skipping.", fileInfo.Path, fileInfo.Checksum)
			continue
		}
		pending = append(pending, fileInfo)
	}
	return pending, nil
}

func describeFile(path string) (models.FileInfo, error) {
	sum, err := checksum.File(path)
	if err != nil {
		return models.FileInfo{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	total, err := parser.CountRows(file)
	if err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to count rows of %s: %w", path, err)
	}

	return models.FileInfo{Path: path, TotalRecords: total, Checksum: sum}, nil
}
