package models

import "time"

// User is a storefront customer keyed by the host chat app's user id.
type User struct {
	ID                 int64
	ExternalID         int64
	DisplayName        string
	Username           string
	ReferralCode       string // 5 chars of [A-Z0-9], immutable
	ReferredBy         *int64
	SubscriptionActive bool
	SubscriptionLink   *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Identity is what the caller knows about the user making a request.
// InviterCode is the referral code the user arrived with, if any.
type Identity struct {
	ExternalID  int64
	DisplayName string
	Username    string
	InviterCode string
}

// ReferralBonus records bonus days granted to a referrer for one referred user.
type ReferralBonus struct {
	ID         int64
	ReferrerID int64
	ReferredID int64
	BonusDays  int
	CreatedAt  time.Time
}

// ReferralStats summarizes a user's referrals.
type ReferralStats struct {
	ReferralCode    string `json:"referral_code"`
	ReferralsCount  int    `json:"referrals_count"`
	BonusDaysEarned int    `json:"bonus_days_earned"`
}
