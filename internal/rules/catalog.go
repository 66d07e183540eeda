package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// catalog is indexed by deny case - 1.
var catalog = []domain.RuleInfo{
	{
		ID:          domain.CaseAmountLimit,
		Name:        "amount_limit",
		Scope:       "user,card,device",
		Description: "Amount spent by the user, card or device in the trailing window exceeds the limit",
	},
	{
		ID:          domain.CaseOffHoursHighValue,
		Name:        "off_hours_high_value",
		Scope:       "transaction",
		Description: "High-value transaction during the night window",
	},
	{
		ID:          domain.CaseUserVelocity,
		Name:        "user_velocity",
		Scope:       "user",
		Description: "Too many user transactions in the trailing window",
	},
	{
		ID:          domain.CaseCardVelocity,
		Name:        "card_velocity",
		Scope:       "card",
		Description: "Too many card transactions in the trailing window",
	},
	{
		ID:          domain.CaseDeviceVelocity,
		Name:        "device_velocity",
		Scope:       "device",
		Description: "Too many device transactions in the trailing window",
	},
	{
		ID:          domain.CaseUserRecentCBK,
		Name:        "user_recent_cbk",
		Scope:       "user",
		Description: "User exceeds the recent chargeback limit",
	},
	{
		ID:          domain.CaseCardRecentCBK,
		Name:        "card_recent_cbk",
		Scope:       "card",
		Description: "Card exceeds the recent chargeback limit",
	},
	{
		ID:          domain.CaseDeviceRecentCBK,
		Name:        "device_recent_cbk",
		Scope:       "device",
		Description: "Device exceeds the recent chargeback limit",
	},
	{
		ID:          domain.CaseUserLifetimeCBK,
		Name:        "user_lifetime_cbk",
		Scope:       "user",
		Description: "User exceeds the lifetime chargeback limit",
	},
	{
		ID:          domain.CaseCardLifetimeCBK,
		Name:        "card_lifetime_cbk",
		Scope:       "card",
		Description: "Card exceeds the lifetime chargeback limit",
	},
	{
		ID:          domain.CaseDeviceLifetimeCBK,
		Name:        "device_lifetime_cbk",
		Scope:       "device",
		Description: "Device exceeds the lifetime chargeback limit",
	},
	{
		ID:          domain.CaseUserCardRotation,
		Name:        "user_card_rotation",
		Scope:       "user",
		Description: "User rotates through too many cards, or too many of them carry chargebacks",
	},
	{
		ID:          domain.CaseUserDeviceRotation,
		Name:        "user_device_rotation",
		Scope:       "user",
		Description: "User rotates through too many devices, or too many of them carry chargebacks",
	},
	{
		ID:          domain.CaseCardDeviceRotation,
		Name:        "card_device_rotation",
		Scope:       "card",
		Description: "Card is used from too many devices, or too many of them carry chargebacks",
	},
	{
		ID:          domain.CaseCardUserRotation,
		Name:        "card_user_rotation",
		Scope:       "card",
		Description: "Card is shared by too many users, or too many of them carry chargebacks",
	},
	{
		ID:          domain.CaseDeviceUserRotation,
		Name:        "device_user_rotation",
		Scope:       "device",
		Description: "Device is shared by too many users, or too many of them carry chargebacks",
	},
	{
		ID:          domain.CaseDeviceCardRotation,
		Name:        "device_card_rotation",
		Scope:       "device",
		Description: "Device is used with too many cards, or too many of them carry chargebacks",
	},
	{
		ID:          domain.CaseMerchantRecentCBK,
		Name:        "merchant_recent_cbk",
		Scope:       "merchant",
		Description: "Merchant exceeds the recent chargeback limit",
	},
	{
		ID:          domain.CaseConsecutiveCBK,
		Name:        "consecutive_cbk",
		Scope:       "user,card,device",
		Description: "User, card or device history holds two consecutive chargebacks",
	},
}
