// Package history provides the append-only transaction history and the
// read-only slicing helpers the rule chain evaluates against.
package history

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrOutOfOrder is returned when a record would break ascending date order.
var ErrOutOfOrder = errors.New("record out of chronological order")

// History is an append-only sequence of evaluated records, ascending by
// TransactionDate. It is owned by a single replay; snapshots handed to
// concurrent readers are never appended to.
type History struct {
	records []domain.Record
}

// New creates an empty history with room for capacity records.
func New(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{records: make([]domain.Record, 0, capacity)}
}

// FromRecords builds a history from an already ordered record set.
// The slice is copied.
func FromRecords(recs []domain.Record) (*History, error) {
	if i := firstOutOfOrder(recs); i >= 0 {
		return nil, fmt.Errorf("%w: transaction %d at position %d precedes %s",
			ErrOutOfOrder, recs[i].TransactionID, i, recs[i-1].TransactionDate)
	}
	out := make([]domain.Record, len(recs))
	copy(out, recs)
	return &History{records: out}, nil
}

// Append adds an evaluated record to the end of the history.
func (h *History) Append(rec domain.Record) error {
	if n := len(h.records); n > 0 && rec.TransactionDate.Before(h.records[n-1].TransactionDate) {
		return fmt.Errorf("%w: transaction %d at %s precedes %s",
			ErrOutOfOrder, rec.TransactionID, rec.TransactionDate, h.records[n-1].TransactionDate)
	}
	h.records = append(h.records, rec)
	return nil
}

// Len returns the number of records.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.records)
}

// Records returns a read-only view of the history. The returned slice has
// its capacity clipped so appends by the caller never alias the history.
func (h *History) Records() []domain.Record {
	if h == nil {
		return nil
	}
	return h.records[:len(h.records):len(h.records)]
}

// Last returns the most recent record.
func (h *History) Last() (domain.Record, bool) {
	if h.Len() == 0 {
		return domain.Record{}, false
	}
	return h.records[len(h.records)-1], true
}

// CheckOrder returns an ErrOutOfOrder error naming the first record that
// precedes its predecessor, or nil when recs is ascending.
func CheckOrder(recs []domain.Record) error {
	if i := firstOutOfOrder(recs); i >= 0 {
		return fmt.Errorf("%w: transaction %d at position %d (%s) precedes transaction %d (%s)",
			ErrOutOfOrder, recs[i].TransactionID, i, recs[i].TransactionDate,
			recs[i-1].TransactionID, recs[i-1].TransactionDate)
	}
	return nil
}

func firstOutOfOrder(recs []domain.Record) int {
	for i := 1; i < len(recs); i++ {
		if recs[i].TransactionDate.Before(recs[i-1].TransactionDate) {
			return i
		}
	}
	return -1
}
