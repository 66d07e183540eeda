package rules

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
)

// Every predicate returns true (pass) unless it detects its fraud pattern.
// An empty history slice always passes.

// amountWithinLimit checks rule 1. Each non-empty entity slice, plus the
// current amount, must stay within limit.
func amountWithinLimit(amount, limit float64, entitySlices ...[]domain.Record) bool {
	for _, s := range entitySlices {
		if len(s) == 0 {
			continue
		}
		if history.SumAmount(s)+amount > limit {
			return false
		}
	}
	return true
}

// offHoursAllowed checks rule 2: a high-value transaction during the
// night window is denied. The window wraps midnight.
func offHoursAllowed(tx *domain.Record, highValue float64, start, end int) bool {
	hour := tx.TransactionDate.Hour()
	if tx.TransactionAmount >= highValue && (hour >= start || hour <= end) {
		return false
	}
	return true
}

// velocityAllowed checks rules 3-5.
func velocityAllowed(entityHistory []domain.Record, at time.Time, window time.Duration, limit int) bool {
	if len(entityHistory) == 0 {
		return true
	}
	return len(history.WithinWindow(entityHistory, at, window)) < limit
}

// recentCBKsAllowed checks rules 6-8 and 18 against a CBK-eligible slice.
func recentCBKsAllowed(eligibleHistory []domain.Record, at time.Time, window time.Duration, limit int) bool {
	if len(eligibleHistory) == 0 {
		return true
	}
	recent := history.WithinWindow(eligibleHistory, at, window)
	return history.CountCBK(recent) <= limit
}

// lifetimeCBKsAllowed checks rules 9-11 against a CBK-eligible slice.
func lifetimeCBKsAllowed(eligibleHistory []domain.Record, limit int) bool {
	if len(eligibleHistory) == 0 {
		return true
	}
	return history.CountCBK(eligibleHistory) <= limit
}

// noValue stands for a missing component on the current transaction.
const noValue = "\x00none"

// rotation configures one rotation check (rules 12-17).
type rotation struct {
	window    time.Duration
	max       int
	cbkLimit  int
	component history.Field
}

// allowed reports whether the main entity's recent history, plus the
// current transaction, stays within the component budget.
//
// The card component trips at max distinct values; every other component
// trips only above max. Missing components in the history are skipped, but
// a current transaction without one adds noValue, which also matches
// chargebacks without one.
func (r rotation) allowed(mainHistory, eligible []domain.Record, tx *domain.Record) bool {
	if len(mainHistory) == 0 {
		return true
	}
	recent := history.WithinWindow(mainHistory, tx.TransactionDate, r.window)
	if len(recent) == 0 {
		return true
	}

	components := history.Distinct(recent, r.component)
	if v, ok := r.component.Value(tx); ok {
		components[v] = struct{}{}
	} else {
		components[noValue] = struct{}{}
	}

	flagged := make(map[string]struct{})
	for i := range eligible {
		if !eligible[i].HasCBK {
			continue
		}
		v, ok := r.component.Value(&eligible[i])
		if !ok {
			v = noValue
		}
		if _, in := components[v]; in {
			flagged[v] = struct{}{}
		}
	}
	if len(flagged) >= r.cbkLimit {
		return false
	}

	if r.component == history.FieldCard {
		return len(components) < r.max
	}
	return len(components) <= r.max
}

// consecutiveCBKAllowed checks the opt-in rule 19: two adjacent
// chargebacks in an entity's CBK-eligible history.
func consecutiveCBKAllowed(eligibleHistory []domain.Record) bool {
	for i := 1; i < len(eligibleHistory); i++ {
		if eligibleHistory[i].HasCBK && eligibleHistory[i-1].HasCBK {
			return false
		}
	}
	return true
}
