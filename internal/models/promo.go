package models

import "time"

// PromoScopeAll makes a promo code applicable to every plan.
const PromoScopeAll = "all"

// PromoCode is a discount code. Code is stored uppercased.
type PromoCode struct {
	ID              int64
	Code            string
	DiscountPercent int
	ValidFor        string // "all", a plan kind, or a comma-separated list
	IsActive        bool
	ExpiresAt       *time.Time
	MaxUsage        *int
	UsageCount      int
	IsOneTime       bool
	CreatedAt       time.Time
}

// PromoValidation is the answer to "can this code be used".
type PromoValidation struct {
	Valid           bool   `json:"valid"`
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent,omitempty"`
	ValidFor        string `json:"valid_for,omitempty"`
	Reason          string `json:"reason,omitempty"`
	BasePrice       *int   `json:"base_price,omitempty"`
	FinalPrice      *int   `json:"final_price,omitempty"`
}
