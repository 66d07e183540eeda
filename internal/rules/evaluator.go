// Package rules implements the ordered chargeback rule chain.
package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
)

// Outcome is the result of running the chain for one transaction.
type Outcome struct {
	DenyCase       int
	RulesEvaluated int
}

// Approved reports whether no rule fired.
func (o Outcome) Approved() bool {
	return o.DenyCase == domain.CaseApproved
}

// Evaluator runs the rule chain. It holds no per-transaction state and is
// safe for concurrent use.
type Evaluator struct {
	params domain.RuleParams
	chain  []link
}

type link struct {
	info  domain.RuleInfo
	check func(c *evalContext) bool
}

// evalContext holds the history slices shared by every link for one
// transaction. They are computed once per evaluation.
type evalContext struct {
	tx *domain.Record

	user, card, device []domain.Record

	// Entity slices restricted to the trailing amount window.
	userWindow, cardWindow, deviceWindow []domain.Record

	// CBK-eligible views.
	eligible                                 []domain.Record
	userCBK, cardCBK, deviceCBK, merchantCBK []domain.Record
}

// NewEvaluator builds the chain for params.
func NewEvaluator(params domain.RuleParams) (*Evaluator, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule parameters: %w", err)
	}
	e := &Evaluator{params: params}
	e.chain = e.buildChain()
	return e, nil
}

// MustEvaluator is NewEvaluator for parameters known to be valid.
func MustEvaluator(params domain.RuleParams) *Evaluator {
	e, err := NewEvaluator(params)
	if err != nil {
		panic(err)
	}
	return e
}

// Params returns the active thresholds.
func (e *Evaluator) Params() domain.RuleParams {
	return e.params
}

// Evaluate returns the deny case for tx given every record that precedes
// it: 0 when approved, otherwise the number of the first failing rule.
func (e *Evaluator) Evaluate(tx *domain.Record, prior []domain.Record) int {
	return e.EvaluateDetailed(tx, prior).DenyCase
}

// EvaluateDetailed is Evaluate with the number of links that ran.
func (e *Evaluator) EvaluateDetailed(tx *domain.Record, prior []domain.Record) Outcome {
	if len(prior) == 0 {
		return Outcome{}
	}

	c := e.slice(tx, prior)
	for i, l := range e.chain {
		if !l.check(c) {
			return Outcome{DenyCase: l.info.ID, RulesEvaluated: i + 1}
		}
	}
	return Outcome{RulesEvaluated: len(e.chain)}
}

// Catalog lists every rule the evaluator knows, in evaluation order.
// The opt-in rule is included with Enabled reflecting the parameters.
func (e *Evaluator) Catalog() []domain.RuleInfo {
	out := make([]domain.RuleInfo, 0, len(catalog))
	for _, info := range catalog {
		info.Enabled = info.ID <= domain.MaxDenyCase || e.params.EnableConsecutiveCBK
		out = append(out, info)
	}
	return out
}

// RuleName returns the short name of a deny case, or "" for approvals and
// unknown cases.
func RuleName(denyCase int) string {
	if info, ok := lookup(denyCase); ok {
		return info.Name
	}
	return ""
}

// Describe returns the description of a deny case.
func Describe(denyCase int) string {
	if info, ok := lookup(denyCase); ok {
		return info.Description
	}
	return ""
}

func lookup(denyCase int) (domain.RuleInfo, bool) {
	if denyCase < 1 || denyCase > len(catalog) {
		return domain.RuleInfo{}, false
	}
	return catalog[denyCase-1], true
}

func (e *Evaluator) slice(tx *domain.Record, prior []domain.Record) *evalContext {
	p := e.params
	c := &evalContext{tx: tx}

	userKey, _ := history.KeyFor(history.FieldUser, tx)
	cardKey, _ := history.KeyFor(history.FieldCard, tx)
	merchantKey, _ := history.KeyFor(history.FieldMerchant, tx)
	deviceKey, hasDevice := history.KeyFor(history.FieldDevice, tx)

	c.user = history.ByEntity(prior, userKey)
	c.card = history.ByEntity(prior, cardKey)

	window := history.WithinWindow(prior, tx.TransactionDate, p.AmountWindow)
	c.userWindow = history.ByEntity(window, userKey)
	c.cardWindow = history.ByEntity(window, cardKey)

	c.eligible = history.CBKEligible(prior, tx.TransactionDate, p.CBKDelay)
	c.userCBK = history.ByEntity(c.eligible, userKey)
	c.cardCBK = history.ByEntity(c.eligible, cardKey)
	c.merchantCBK = history.ByEntity(c.eligible, merchantKey)

	if hasDevice {
		c.device = history.ByEntity(prior, deviceKey)
		c.deviceWindow = history.ByEntity(window, deviceKey)
		c.deviceCBK = history.ByEntity(c.eligible, deviceKey)
	}
	return c
}

func (e *Evaluator) buildChain() []link {
	p := e.params
	rot := func(component history.Field) rotation {
		return rotation{
			window:    p.RotationWindow,
			max:       p.MaxComponents,
			cbkLimit:  p.RotationCBKLimit,
			component: component,
		}
	}
	userCards := rot(history.FieldCard)
	userDevices := rot(history.FieldDevice)
	cardDevices := rot(history.FieldDevice)
	cardUsers := rot(history.FieldUser)
	deviceUsers := rot(history.FieldUser)
	deviceCards := rot(history.FieldCard)

	checks := map[int]func(c *evalContext) bool{
		domain.CaseAmountLimit: func(c *evalContext) bool {
			return amountWithinLimit(c.tx.TransactionAmount, p.AmountLimit, c.userWindow, c.cardWindow, c.deviceWindow)
		},
		domain.CaseOffHoursHighValue: func(c *evalContext) bool {
			return offHoursAllowed(c.tx, p.HighValue, p.OffHoursStart, p.OffHoursEnd)
		},
		domain.CaseUserVelocity: func(c *evalContext) bool {
			return velocityAllowed(c.user, c.tx.TransactionDate, p.VelocityWindow, p.VelocityLimit)
		},
		domain.CaseCardVelocity: func(c *evalContext) bool {
			return velocityAllowed(c.card, c.tx.TransactionDate, p.VelocityWindow, p.VelocityLimit)
		},
		domain.CaseDeviceVelocity: func(c *evalContext) bool {
			return velocityAllowed(c.device, c.tx.TransactionDate, p.VelocityWindow, p.VelocityLimit)
		},
		domain.CaseUserRecentCBK: func(c *evalContext) bool {
			return recentCBKsAllowed(c.userCBK, c.tx.TransactionDate, p.RecentCBKWindow, p.RecentCBKLimit)
		},
		domain.CaseCardRecentCBK: func(c *evalContext) bool {
			return recentCBKsAllowed(c.cardCBK, c.tx.TransactionDate, p.RecentCBKWindow, p.RecentCBKLimit)
		},
		domain.CaseDeviceRecentCBK: func(c *evalContext) bool {
			return recentCBKsAllowed(c.deviceCBK, c.tx.TransactionDate, p.RecentCBKWindow, p.RecentCBKLimit)
		},
		domain.CaseUserLifetimeCBK: func(c *evalContext) bool {
			return lifetimeCBKsAllowed(c.userCBK, p.LifetimeCBKLimit)
		},
		domain.CaseCardLifetimeCBK: func(c *evalContext) bool {
			return lifetimeCBKsAllowed(c.cardCBK, p.LifetimeCBKLimit)
		},
		domain.CaseDeviceLifetimeCBK: func(c *evalContext) bool {
			return lifetimeCBKsAllowed(c.deviceCBK, p.LifetimeCBKLimit)
		},
		domain.CaseUserCardRotation: func(c *evalContext) bool {
			return userCards.allowed(c.user, c.eligible, c.tx)
		},
		domain.CaseUserDeviceRotation: func(c *evalContext) bool {
			return userDevices.allowed(c.user, c.eligible, c.tx)
		},
		domain.CaseCardDeviceRotation: func(c *evalContext) bool {
			return cardDevices.allowed(c.card, c.eligible, c.tx)
		},
		domain.CaseCardUserRotation: func(c *evalContext) bool {
			return cardUsers.allowed(c.card, c.eligible, c.tx)
		},
		domain.CaseDeviceUserRotation: func(c *evalContext) bool {
			return deviceUsers.allowed(c.device, c.eligible, c.tx)
		},
		domain.CaseDeviceCardRotation: func(c *evalContext) bool {
			return deviceCards.allowed(c.device, c.eligible, c.tx)
		},
		domain.CaseMerchantRecentCBK: func(c *evalContext) bool {
			return recentCBKsAllowed(c.merchantCBK, c.tx.TransactionDate, p.RecentCBKWindow, p.RecentCBKLimit)
		},
		domain.CaseConsecutiveCBK: func(c *evalContext) bool {
			return consecutiveCBKAllowed(c.userCBK) &&
				consecutiveCBKAllowed(c.cardCBK) &&
				consecutiveCBKAllowed(c.deviceCBK)
		},
	}

	chain := make([]link, 0, len(catalog))
	for _, info := range catalog {
		if info.ID > domain.MaxDenyCase && !p.EnableConsecutiveCBK {
			continue
		}
		info.Enabled = true
		chain = append(chain, link{info: info, check: checks[info.ID]})
	}
	return chain
}
