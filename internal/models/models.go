package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SaleTimeLayout is the timestamp format used by the sale date column of the input file.
const SaleTimeLayout = "2006-01-02 15:04:05.000000"

type SalesRecord struct {
	ID        int64     `json:"id"`
	ItemNo    int       `json:"item_no"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Type      int       `json:"type"`
	CostPrice float64   `json:"cost_price"`
	Tax       float64   `json:"tax"`
	SalePrice float64   `json:"sale_price"`
	SaleDate  time.Time `json:"sale_date"`
}

// InvalidRow keeps the raw text of a row that could not be parsed or failed validation.
// RowNumber is the 1-based position of the row in the file, header excluded.
type InvalidRow struct {
	RowNumber int        `json:"row_number"`
	RowText   string     `json:"row_text"`
	Reason    string     `json:"reason,omitempty"`
	CreatedOn time.Time  `json:"created_on"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
}

type RunStatus string

const (
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusError      RunStatus = "ERROR"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusError
}

// ImportRun is the progress and outcome record of one import invocation.
type ImportRun struct {
	ID                         uuid.UUID  `json:"id"`
	FileName                   string     `json:"file_name,omitempty"`
	FileChecksum               string     `json:"file_checksum,omitempty"`
	TotalRecordsCount          int64      `json:"totalRecordsCount"`
	TotalProcessedRecordsCount int64      `json:"totalProcessedRecordsCount"`
	InvalidRecordsCount        int64      `json:"invalidRecordsCount"`
	Status                     RunStatus  `json:"status"`
	StartTime                  time.Time  `json:"startTime"`
	EndTime                    *time.Time `json:"endTime,omitempty"`
	ErrorMessage               string     `json:"errorMessage,omitempty"`
}

// Accounted returns how many rows of the run have reached storage, valid or not.
func (r ImportRun) Accounted() int64 {
	return r.TotalProcessedRecordsCount + r.InvalidRecordsCount
}

func (r ImportRun) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return r.ID.String()
	}
	return string(b)
}

// FileInfo describes a file found on disk before it is imported.
type FileInfo struct {
	Path         string
	TotalRecords int64
	Checksum     string
}

const (
	SortDirAsc  = "asc"
	SortDirDesc = "desc"

	CategoryTotalSales = "totalSales"
	CategoryTotalCount = "totalCount"
)

// SalesQuery holds the optional filters of a sales listing. Nil pointers mean "not filtered".
type SalesQuery struct {
	From      *time.Time
	To        *time.Time
	MinPrice  *float64
	MaxPrice  *float64
	SortField string
	SortDir   string
	Page      int
	Size      int
}

type TotalSalesQuery struct {
	From     time.Time
	To       time.Time
	Category string
	ItemNo   *int
}

type TotalSalesResult struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Category   string    `json:"category"`
	ItemNo     *int      `json:"itemNo,omitempty"`
	TotalSales *float64  `json:"totalSales,omitempty"`
	TotalCount *int64    `json:"totalCount,omitempty"`
}
