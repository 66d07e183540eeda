package history

import (
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var base = time.Date(2019, 11, 1, 12, 0, 0, 0, time.UTC)

func rec(id int64, user int64, card string, device *int64, at time.Time) domain.Record {
	return domain.Record{
		TransactionID:     id,
		MerchantID:        100,
		UserID:            user,
		CardNumber:        card,
		DeviceID:          device,
		TransactionDate:   at,
		TransactionAmount: 10,
	}
}

func TestHistoryAppend(t *testing.T) {
	h := New(4)

	if err := h.Append(rec(1, 1, "c1", nil, base)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := h.Append(rec(2, 1, "c1", nil, base)); err != nil {
		t.Fatalf("equal timestamps must be accepted: %v", err)
	}
	if err := h.Append(rec(3, 1, "c1", nil, base.Add(time.Hour))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err := h.Append(rec(4, 1, "c1", nil, base.Add(-time.Minute)))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if h.Len() != 3 {
		t.Errorf("expected 3 records after rejected append, got %d", h.Len())
	}

	last, ok := h.Last()
	if !ok || last.TransactionID != 3 {
		t.Errorf("expected last record 3, got %+v", last)
	}
}

func TestRecordsViewDoesNotAlias(t *testing.T) {
	h := New(8)
	_ = h.Append(rec(1, 1, "c1", nil, base))
	_ = h.Append(rec(2, 1, "c1", nil, base.Add(time.Minute)))

	view := h.Records()
	view = append(view, rec(99, 1, "c1", nil, base.Add(time.Hour)))
	_ = view

	_ = h.Append(rec(3, 1, "c1", nil, base.Add(2*time.Minute)))
	if got := h.Records()[2].TransactionID; got != 3 {
		t.Errorf("caller append leaked into history: got transaction %d", got)
	}
}

func TestFromRecords(t *testing.T) {
	t.Run("Sorted", func(t *testing.T) {
		recs := []domain.Record{
			rec(1, 1, "c1", nil, base),
			rec(2, 1, "c1", nil, base.Add(time.Minute)),
		}
		h, err := FromRecords(recs)
		if err != nil {
			t.Fatalf("FromRecords failed: %v", err)
		}
		recs[0].TransactionID = 42
		if h.Records()[0].TransactionID != 1 {
			t.Error("FromRecords must copy its input")
		}
	})

	t.Run("Unsorted", func(t *testing.T) {
		recs := []domain.Record{
			rec(1, 1, "c1", nil, base.Add(time.Minute)),
			rec(2, 1, "c1", nil, base),
		}
		if _, err := FromRecords(recs); !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("expected ErrOutOfOrder, got %v", err)
		}
		if err := CheckOrder(recs); !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("expected ErrOutOfOrder from CheckOrder, got %v", err)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		h, err := FromRecords(nil)
		if err != nil {
			t.Fatalf("FromRecords failed: %v", err)
		}
		if h.Len() != 0 {
			t.Errorf("expected empty history, got %d", h.Len())
		}
	})
}

func TestByEntity(t *testing.T) {
	dev := domain.Int64Ptr(7)
	recs := []domain.Record{
		rec(1, 1, "c1", dev, base),
		rec(2, 2, "c2", nil, base.Add(time.Minute)),
		rec(3, 1, "c2", dev, base.Add(2*time.Minute)),
	}

	tests := []struct {
		name  string
		field Field
		from  domain.Record
		want  []int64
	}{
		{"User", FieldUser, recs[0], []int64{1, 3}},
		{"Card", FieldCard, recs[1], []int64{2, 3}},
		{"Device", FieldDevice, recs[0], []int64{1, 3}},
		{"Merchant", FieldMerchant, recs[0], []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := KeyFor(tt.field, &tt.from)
			if !ok {
				t.Fatalf("KeyFor(%s) returned no key", tt.field)
			}
			got := ByEntity(recs, key)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].TransactionID != id {
					t.Errorf("position %d: expected transaction %d, got %d", i, id, got[i].TransactionID)
				}
			}
		})
	}

	t.Run("NoDevice", func(t *testing.T) {
		if _, ok := KeyFor(FieldDevice, &recs[1]); ok {
			t.Error("expected no device key for a record without device")
		}
	})

	t.Run("EmptyInput", func(t *testing.T) {
		key, _ := KeyFor(FieldUser, &recs[0])
		if got := ByEntity(nil, key); len(got) != 0 {
			t.Errorf("expected empty result, got %d", len(got))
		}
	})
}

func TestWithinWindow(t *testing.T) {
	recs := []domain.Record{
		rec(1, 1, "c1", nil, base),
		rec(2, 1, "c1", nil, base.Add(1*time.Hour)),
		rec(3, 1, "c1", nil, base.Add(3*time.Hour)),
	}
	end := base.Add(5 * time.Hour)

	got := WithinWindow(recs, end, 4*time.Hour)
	if len(got) != 2 || got[0].TransactionID != 2 {
		t.Errorf("expected records 2 and 3 (boundary inclusive), got %+v", got)
	}

	if got := WithinWindow(recs, end, time.Hour); len(got) != 0 {
		t.Errorf("expected empty window, got %d", len(got))
	}
	if got := WithinWindow(nil, end, time.Hour); len(got) != 0 {
		t.Errorf("expected empty result for empty input, got %d", len(got))
	}
}

func TestCBKEligible(t *testing.T) {
	delay := 72 * time.Hour
	asOf := base.Add(10 * 24 * time.Hour)
	recs := []domain.Record{
		rec(1, 1, "c1", nil, base),
		rec(2, 1, "c1", nil, asOf.Add(-delay)),
		rec(3, 1, "c1", nil, asOf.Add(-delay).Add(time.Second)),
	}

	got := CBKEligible(recs, asOf, delay)
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible records (boundary inclusive), got %d", len(got))
	}
	if got[1].TransactionID != 2 {
		t.Errorf("expected last eligible record 2, got %d", got[1].TransactionID)
	}

	recs[0].HasCBK = true
	if n := len(CBKEligible(recs, asOf, delay)); n != 2 {
		t.Errorf("eligibility must not depend on has_cbk, got %d", n)
	}
}

func TestAggregates(t *testing.T) {
	recs := []domain.Record{
		rec(1, 1, "c1", domain.Int64Ptr(1), base),
		rec(2, 1, "c2", nil, base),
		rec(3, 1, "c2", domain.Int64Ptr(2), base),
	}
	recs[0].HasCBK = true
	recs[2].HasCBK = true

	if n := CountCBK(recs); n != 2 {
		t.Errorf("expected 2 chargebacks, got %d", n)
	}
	if s := SumAmount(recs); s != 30 {
		t.Errorf("expected sum 30, got %.2f", s)
	}
	if n := len(Distinct(recs, FieldCard)); n != 2 {
		t.Errorf("expected 2 distinct cards, got %d", n)
	}
	if n := len(Distinct(recs, FieldDevice)); n != 2 {
		t.Errorf("expected missing devices to be skipped, got %d distinct", n)
	}
}
