package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Recommendation is the outcome stamped onto an evaluated record.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendDeny    Recommendation = "deny"
)

// ErrInvalidRecord is returned when a record fails ingestion validation.
var ErrInvalidRecord = errors.New("invalid transaction record")

// Record is a single payment transaction in the replay stream.
// Input fields are immutable once created; Recommendation and DenyCase are
// computed exactly once by the evaluator.
type Record struct {
	TransactionID     int64     `json:"transactionId"`
	MerchantID        int64     `json:"merchantId"`
	UserID            int64     `json:"userId"`
	CardNumber        string    `json:"cardNumber"`
	DeviceID          *int64    `json:"deviceId,omitempty"`
	TransactionDate   time.Time `json:"transactionDate"`
	TransactionAmount float64   `json:"transactionAmount"`

	// HasCBK is ground truth. It is only ever read from history records,
	// never from the record under evaluation.
	HasCBK bool `json:"hasCbk"`

	Recommendation Recommendation `json:"recommendation,omitempty"`
	DenyCase       int            `json:"denyCase"`
}

// HasDevice reports whether the record carries a device identifier.
func (r *Record) HasDevice() bool {
	return r.DeviceID != nil
}

// Validate checks the input fields of a record.
func (r *Record) Validate() error {
	if r.CardNumber == "" {
		return fmt.Errorf("%w: card_number is required", ErrInvalidRecord)
	}
	if r.TransactionDate.IsZero() {
		return fmt.Errorf("%w: transaction_date is required", ErrInvalidRecord)
	}
	if math.IsNaN(r.TransactionAmount) || math.IsInf(r.TransactionAmount, 0) {
		return fmt.Errorf("%w: transaction_amount is not a number", ErrInvalidRecord)
	}
	if r.TransactionAmount < 0 {
		return fmt.Errorf("%w: transaction_amount must be non-negative", ErrInvalidRecord)
	}
	return nil
}

// Stamp sets the derived decision fields from a deny case.
func (r *Record) Stamp(denyCase int) {
	r.DenyCase = denyCase
	if denyCase == 0 {
		r.Recommendation = RecommendApprove
	} else {
		r.Recommendation = RecommendDeny
	}
}

// Denied reports whether the record was denied.
func (r *Record) Denied() bool {
	return r.Recommendation == RecommendDeny
}

// Int64Ptr is a helper for building records with a device.
func Int64Ptr(v int64) *int64 {
	return &v
}
