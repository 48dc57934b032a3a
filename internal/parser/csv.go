package parser

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
)

// NumFields is the number of columns of a sales row:
// id,itemNo,name,code,type,costPrice,tax,salePrice,saleDate
const NumFields = 9

// MaxLineSize is the longest row kept. Longer rows are truncated and reported
// as malformed.
const MaxLineSize = 1024 * 1024

var (
	ErrFieldCount  = errors.New("wrong number of fields")
	ErrRowTooLong  = fmt.Errorf("row is longer than %d bytes", MaxLineSize)
	ErrNotFinite   = errors.New("value is not a finite number")
	errEmptyRecord = errors.New("empty row")
)

type MalformedRowError struct {
	Field string
	Err   error
}

func (e *MalformedRowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed row: %v", e.Err)
	}
	return fmt.Sprintf("malformed row: field %s: %v", e.Field, e.Err)
}

func (e *MalformedRowError) Unwrap() error {
	return e.Err
}

func malformed(field string, err error) error {
	return &MalformedRowError{Field: field, Err: err}
}

// ParseRow converts one comma delimited line into a SalesRecord.
func ParseRow(line string) (*models.SalesRecord, error) {
	if strings.TrimSpace(line) == "" {
		return nil, malformed("", errEmptyRecord)
	}

	reader := csv.NewReader(strings.NewReader(line))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	record, err := reader.Read()
	if err != nil {
		return nil, malformed("", err)
	}
	if len(record) != NumFields {
		return nil, malformed("", fmt.Errorf("%w: expected %d, got %d", ErrFieldCount, NumFields, len(record)))
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}

	id, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return nil, malformed("id", err)
	}

	// item_no and type are 32 and 16 bit columns
	itemNo, err := strconv.ParseInt(record[1], 10, 32)
	if err != nil {
		return nil, malformed("itemNo", err)
	}

	recordType, err := strconv.ParseInt(record[4], 10, 16)
	if err != nil {
		return nil, malformed("type", err)
	}

	costPrice, err := parseFinite(record[5])
	if err != nil {
		return nil, malformed("costPrice", err)
	}

	tax, err := parseFinite(record[6])
	if err != nil {
		return nil, malformed("tax", err)
	}

	salePrice, err := parseFinite(record[7])
	if err != nil {
		return nil, malformed("salePrice", err)
	}

	saleDate, err := time.Parse(models.SaleTimeLayout, record[8])
	if err != nil {
		return nil, malformed("saleDate", err)
	}

	return &models.SalesRecord{
		ID:        id,
		ItemNo:    int(itemNo),
		Name:      record[2],
		Code:      record[3],
		Type:      int(recordType),
		CostPrice: costPrice,
		Tax:       tax,
		SalePrice: salePrice,
		SaleDate:  saleDate,
	}, nil
}

// parseFinite rejects NaN and infinities, which strconv accepts.
func parseFinite(field string) (float64, error) {
	f, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrNotFinite, field)
	}
	return f, nil
}

// Row is a raw data line and its 1-based position, header excluded.
// Truncated rows were longer than MaxLineSize and Text holds their prefix.
type Row struct {
	Number    int
	Text      string
	Truncated bool
}

// Parse parses the row. A truncated row is always malformed.
func (r Row) Parse() (*models.SalesRecord, error) {
	if r.Truncated {
		return nil, malformed("", ErrRowTooLong)
	}
	return ParseRow(r.Text)
}

// Rows yields the data rows of r. The header is skipped. A read error is
// yielded once and ends the sequence.
func Rows(r io.Reader) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		reader := bufio.NewReaderSize(r, 64*1024)

		// Skip header
		if _, _, err := readLine(reader); err != nil {
			if !errors.Is(err, io.EOF) {
				yield(Row{}, fmt.Errorf("failed to read header: %w", err))
			}
			return
		}

		number := 0
		for {
			text, truncated, err := readLine(reader)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Row{Number: number + 1}, fmt.Errorf("failed to read row %d: %w", number+1, err))
				return
			}
			number++
			if !yield(Row{Number: number, Text: text, Truncated: truncated}, nil) {
				return
			}
		}
	}
}

// readLine returns the next line without its terminator, keeping at most
// MaxLineSize bytes. The rest of an overlong line is consumed and dropped.
func readLine(reader *bufio.Reader) (string, bool, error) {
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !truncated {
			if room := MaxLineSize - len(line); len(chunk) > room {
				line = append(line, chunk[:room]...)
				truncated = true
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return strings.TrimSuffix(string(line), "\r"), truncated, nil
		}
	}
}

// CountRows returns the number of data rows in r, blank lines included.
func CountRows(r io.Reader) (int64, error) {
	var count int64
	for _, err := range Rows(r) {
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
