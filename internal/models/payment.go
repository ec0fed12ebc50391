package models

import "time"

// Payment method tags
const (
	PaymentMethodFreeTrial = "free_trial"
	PaymentMethodPromo100  = "promo_code_100"
	PaymentMethodPaid      = "paid"
)

// Payment records what a subscription cost. Amounts are whole roubles.
type Payment struct {
	ID              int64
	UserID          int64
	SubscriptionID  int64
	Amount          int
	PaymentMethod   string
	PromoCodeUsed   *string
	DiscountApplied int
	CreatedAt       time.Time
}
