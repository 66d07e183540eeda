package history

import (
	"sort"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Field selects the entity a record is grouped by.
type Field int

const (
	FieldUser Field = iota
	FieldCard
	FieldDevice
	FieldMerchant
)

func (f Field) String() string {
	switch f {
	case FieldUser:
		return "user_id"
	case FieldCard:
		return "card_number"
	case FieldDevice:
		return "device_id"
	case FieldMerchant:
		return "merchant_id"
	default:
		return "unknown"
	}
}

// Value returns the record's value for the field. ok is false when the
// record has no value (a missing device).
func (f Field) Value(rec *domain.Record) (string, bool) {
	switch f {
	case FieldUser:
		return strconv.FormatInt(rec.UserID, 10), true
	case FieldCard:
		return rec.CardNumber, true
	case FieldDevice:
		if rec.DeviceID == nil {
			return "", false
		}
		return strconv.FormatInt(*rec.DeviceID, 10), true
	case FieldMerchant:
		return strconv.FormatInt(rec.MerchantID, 10), true
	default:
		return "", false
	}
}

// EntityKey identifies one entity: a field and the value to match.
type EntityKey struct {
	Field Field
	Value string
}

// KeyFor returns the key of rec's entity for field.
func KeyFor(field Field, rec *domain.Record) (EntityKey, bool) {
	v, ok := field.Value(rec)
	if !ok {
		return EntityKey{}, false
	}
	return EntityKey{Field: field, Value: v}, true
}

// Matches reports whether rec belongs to the entity.
func (k EntityKey) Matches(rec *domain.Record) bool {
	v, ok := k.Field.Value(rec)
	return ok && v == k.Value
}

// ByEntity returns the records belonging to key, in their original order.
func ByEntity(records []domain.Record, key EntityKey) []domain.Record {
	var out []domain.Record
	for i := range records {
		if key.Matches(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}

// WithinWindow returns the records dated at or after end-duration.
// records must be ascending by date.
func WithinWindow(records []domain.Record, end time.Time, duration time.Duration) []domain.Record {
	start := end.Add(-duration)
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].TransactionDate.Before(start)
	})
	return records[i:len(records):len(records)]
}

// CBKEligible returns the records old enough for their chargeback flag to
// be known as of asOf: dated at or before asOf-delay.
// records must be ascending by date.
func CBKEligible(records []domain.Record, asOf time.Time, delay time.Duration) []domain.Record {
	cutoff := asOf.Add(-delay)
	i := sort.Search(len(records), func(i int) bool {
		return records[i].TransactionDate.After(cutoff)
	})
	return records[:i:i]
}

// CountCBK returns the number of chargebacks in records.
func CountCBK(records []domain.Record) int {
	n := 0
	for i := range records {
		if records[i].HasCBK {
			n++
		}
	}
	return n
}

// SumAmount returns the total transaction amount of records.
func SumAmount(records []domain.Record) float64 {
	var total float64
	for i := range records {
		total += records[i].TransactionAmount
	}
	return total
}

// Distinct returns the set of values records hold for field. Records with
// no value are skipped.
func Distinct(records []domain.Record, field Field) map[string]struct{} {
	set := make(map[string]struct{})
	for i := range records {
		if v, ok := field.Value(&records[i]); ok {
			set[v] = struct{}{}
		}
	}
	return set
}
