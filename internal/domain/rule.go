package domain

import (
	"fmt"
	"time"
)

// Deny case identifiers. The numeric order is the evaluation priority.
const (
	CaseApproved = 0

	CaseAmountLimit        = 1
	CaseOffHoursHighValue  = 2
	CaseUserVelocity       = 3
	CaseCardVelocity       = 4
	CaseDeviceVelocity     = 5
	CaseUserRecentCBK      = 6
	CaseCardRecentCBK      = 7
	CaseDeviceRecentCBK    = 8
	CaseUserLifetimeCBK    = 9
	CaseCardLifetimeCBK    = 10
	CaseDeviceLifetimeCBK  = 11
	CaseUserCardRotation   = 12
	CaseUserDeviceRotation = 13
	CaseCardDeviceRotation = 14
	CaseCardUserRotation   = 15
	CaseDeviceUserRotation = 16
	CaseDeviceCardRotation = 17
	CaseMerchantRecentCBK  = 18

	// CaseConsecutiveCBK only fires when RuleParams.EnableConsecutiveCBK is set.
	CaseConsecutiveCBK = 19

	// MaxDenyCase is the highest case of the default chain.
	MaxDenyCase = CaseMerchantRecentCBK
)

// RuleInfo describes one link of the rule chain.
type RuleInfo struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Scope       string `json:"scope"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// RuleParams holds every threshold of the rule chain.
type RuleParams struct {
	// Rule 1
	AmountLimit  float64       `json:"amountLimit"`
	AmountWindow time.Duration `json:"amountWindow"`

	// Rule 2
	HighValue     float64 `json:"highValue"`
	OffHoursStart int     `json:"offHoursStart"`
	OffHoursEnd   int     `json:"offHoursEnd"`

	// Rules 3-5
	VelocityWindow time.Duration `json:"velocityWindow"`
	VelocityLimit  int           `json:"velocityLimit"`

	// Rules 6-8, 18: deny above RecentCBKLimit chargebacks in the window.
	RecentCBKWindow time.Duration `json:"recentCbkWindow"`
	RecentCBKLimit  int           `json:"recentCbkLimit"`

	// Rules 9-11
	LifetimeCBKLimit int `json:"lifetimeCbkLimit"`

	// Rules 12-17
	RotationWindow   time.Duration `json:"rotationWindow"`
	MaxComponents    int           `json:"maxComponents"`
	RotationCBKLimit int           `json:"rotationCbkLimit"`

	// CBKDelay is the reporting delay before a chargeback flag is trusted.
	CBKDelay time.Duration `json:"cbkDelay"`

	// EnableConsecutiveCBK appends rule 19 to the chain.
	EnableConsecutiveCBK bool `json:"enableConsecutiveCbk"`
}

// DefaultRuleParams returns the reference thresholds.
func DefaultRuleParams() RuleParams {
	return RuleParams{
		AmountLimit:      1000,
		AmountWindow:     4 * time.Hour,
		HighValue:        3500,
		OffHoursStart:    21,
		OffHoursEnd:      4,
		VelocityWindow:   24 * time.Hour,
		VelocityLimit:    3,
		RecentCBKWindow:  7 * 24 * time.Hour,
		RecentCBKLimit:   1,
		LifetimeCBKLimit: 5,
		RotationWindow:   7 * 24 * time.Hour,
		MaxComponents:    2,
		RotationCBKLimit: 2,
		CBKDelay:         3 * 24 * time.Hour,
	}
}

// Validate rejects parameter sets the chain cannot run with.
func (p RuleParams) Validate() error {
	if p.AmountLimit < 0 || p.HighValue < 0 {
		return fmt.Errorf("amount thresholds must be non-negative")
	}
	for name, d := range map[string]time.Duration{
		"amountWindow":    p.AmountWindow,
		"velocityWindow":  p.VelocityWindow,
		"recentCbkWindow": p.RecentCBKWindow,
		"rotationWindow":  p.RotationWindow,
		"cbkDelay":        p.CBKDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if p.OffHoursStart < 0 || p.OffHoursStart > 23 || p.OffHoursEnd < 0 || p.OffHoursEnd > 23 {
		return fmt.Errorf("off-hours bounds must be within 0-23")
	}
	if p.VelocityLimit < 0 || p.RecentCBKLimit < 0 || p.LifetimeCBKLimit < 0 || p.MaxComponents < 0 || p.RotationCBKLimit < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	return nil
}
