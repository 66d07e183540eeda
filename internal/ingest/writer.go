package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TimestampLayout is the layout written to the output stream.
const TimestampLayout = "2006-01-02T15:04:05.000000"

var outputHeader = []string{
	ColTransactionID,
	ColMerchantID,
	ColUserID,
	ColCardNumber,
	ColTransactionDate,
	ColTransactionAmount,
	ColDeviceID,
	ColHasCBK,
	ColRecommendation,
	ColDenyCase,
}

// Writer writes stamped records as CSV. The header is written with the
// first record. It can be used directly as a replay sink.
type Writer struct {
	w           *csv.Writer
	wroteHeader bool
	row         []string
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:   csv.NewWriter(w),
		row: make([]string, len(outputHeader)),
	}
}

// Emit writes one record.
func (w *Writer) Emit(_ context.Context, rec *domain.Record) error {
	return w.Write(rec)
}

// Write writes one record.
func (w *Writer) Write(rec *domain.Record) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}

	device := ""
	if rec.DeviceID != nil {
		device = strconv.FormatInt(*rec.DeviceID, 10)
	}
	hasCBK := "False"
	if rec.HasCBK {
		hasCBK = "True"
	}

	w.row[0] = strconv.FormatInt(rec.TransactionID, 10)
	w.row[1] = strconv.FormatInt(rec.MerchantID, 10)
	w.row[2] = strconv.FormatInt(rec.UserID, 10)
	w.row[3] = rec.CardNumber
	w.row[4] = rec.TransactionDate.Format(TimestampLayout)
	w.row[5] = strconv.FormatFloat(rec.TransactionAmount, 'f', -1, 64)
	w.row[6] = device
	w.row[7] = hasCBK
	w.row[8] = string(rec.Recommendation)
	w.row[9] = strconv.Itoa(rec.DenyCase)

	return w.w.Write(w.row)
}

// WriteHeader writes the header if it has not been written yet.
func (w *Writer) WriteHeader() error {
	if w.wroteHeader {
		return nil
	}
	w.wroteHeader = true
	return w.w.Write(outputHeader)
}

// Flush flushes buffered rows and returns any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}

// WriteAll writes every record and flushes.
func WriteAll(out io.Writer, recs []domain.Record) error {
	w := NewWriter(out)
	if err := w.WriteHeader(); err != nil {
		return err
	}
	for i := range recs {
		if err := w.Write(&recs[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}
