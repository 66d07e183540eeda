// Package ingest reads the transaction stream from CSV and writes the
// stamped output stream.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Column names of the input stream.
const (
	ColTransactionID     = "transaction_id"
	ColMerchantID        = "merchant_id"
	ColUserID            = "user_id"
	ColCardNumber        = "card_number"
	ColTransactionDate   = "transaction_date"
	ColTransactionAmount = "transaction_amount"
	ColDeviceID          = "device_id"
	ColHasCBK            = "has_cbk"
	ColRecommendation    = "recommendation"
	ColDenyCase          = "deny_case"
)

var requiredColumns = []string{
	ColTransactionID,
	ColMerchantID,
	ColUserID,
	ColCardNumber,
	ColTransactionDate,
	ColTransactionAmount,
	ColDeviceID,
	ColHasCBK,
}

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// RowError describes one rejected input row.
type RowError struct {
	Line int   `json:"line"`
	Err  error `json:"-"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Options controls loading.
type Options struct {
	// Sort orders records by transaction_date (stable) after loading.
	Sort bool

	// Strict fails the load on the first malformed row.
	Strict bool
}

// Result is the outcome of a load.
type Result struct {
	Records  []domain.Record
	Rejected []*RowError
}

// LoadFile reads a CSV file.
func LoadFile(path string, opts Options) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	res, err := Read(file, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return res, nil
}

// Read parses a CSV stream. Malformed rows are skipped and reported in
// Result.Rejected unless opts.Strict is set.
func Read(r io.Reader, opts Options) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty input", ErrMissingColumn)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	reader.FieldsPerRecord = len(header)

	res := &Result{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}

		var rowErr *RowError
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, err
			}
			rowErr = &RowError{Line: pe.Line, Err: pe.Err}
		} else {
			line, _ := reader.FieldPos(0)
			rec, perr := parseRow(row, colIndex)
			if perr != nil {
				rowErr = &RowError{Line: line, Err: perr}
			} else {
				res.Records = append(res.Records, rec)
			}
		}

		if rowErr != nil {
			if opts.Strict {
				return nil, rowErr
			}
			res.Rejected = append(res.Rejected, rowErr)
		}
	}

	if opts.Sort {
		sort.SliceStable(res.Records, func(i, j int) bool {
			return res.Records[i].TransactionDate.Before(res.Records[j].TransactionDate)
		})
	}

	return res, nil
}

func parseRow(row []string, colIndex map[string]int) (domain.Record, error) {
	field := func(col string) string {
		return strings.TrimSpace(row[colIndex[col]])
	}

	var rec domain.Record
	var err error

	if rec.TransactionID, err = parseInt(field(ColTransactionID)); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColTransactionID, err)
	}
	if rec.MerchantID, err = parseInt(field(ColMerchantID)); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColMerchantID, err)
	}
	if rec.UserID, err = parseInt(field(ColUserID)); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColUserID, err)
	}
	rec.CardNumber = field(ColCardNumber)

	if rec.TransactionDate, err = ParseTimestamp(field(ColTransactionDate)); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColTransactionDate, err)
	}
	if rec.TransactionAmount, err = strconv.ParseFloat(field(ColTransactionAmount), 64); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColTransactionAmount, err)
	}

	if raw := field(ColDeviceID); raw != "" && !strings.EqualFold(raw, "nan") {
		id, err := parseInt(raw)
		if err != nil {
			return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColDeviceID, err)
		}
		rec.DeviceID = &id
	}

	if rec.HasCBK, err = ParseBool(field(ColHasCBK)); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRecord, ColHasCBK, err)
	}

	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

// parseInt accepts integers and integral floats ("285475.0"), which
// spreadsheet exports produce for columns with blanks.
func parseInt(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return int64(f), nil
}

// ParseBool parses a case-insensitive boolean token.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes":
		return true, nil
	case "false", "f", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses RFC 3339 or a naive "YYYY-MM-DD[T ]HH:MM:SS[.ffffff]"
// timestamp. Naive timestamps are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
