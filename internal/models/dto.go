package models

import (
	"time"

	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
)

// ==================== User API DTOs ====================

// RegisterUserRequest is sent by the mini-app when it opens.
type RegisterUserRequest struct {
	DisplayName  string `json:"display_name" binding:"max=128"`
	Username     string `json:"username" binding:"max=64"`
	ReferralCode string `json:"referral_code" binding:"omitempty,len=5,alphanum"`
}

// TrialRequest optionally carries the inviter's code for first-time users.
type TrialRequest struct {
	DisplayName  string `json:"display_name" binding:"max=128"`
	Username     string `json:"username" binding:"max=64"`
	ReferralCode string `json:"referral_code" binding:"omitempty,len=5,alphanum"`
}

// CreateSubscriptionRequest buys a paid plan.
type CreateSubscriptionRequest struct {
	Plan         string `json:"plan" binding:"required"`
	PromoCode    string `json:"promo_code" binding:"max=64"`
	DisplayName  string `json:"display_name" binding:"max=128"`
	Username     string `json:"username" binding:"max=64"`
	ReferralCode string `json:"referral_code" binding:"omitempty,len=5,alphanum"`
}

// ValidatePromoRequest checks a code, optionally against a plan.
type ValidatePromoRequest struct {
	Code string `json:"code" binding:"required,max=64"`
	Plan string `json:"plan"`
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ExternalID         int64  `json:"external_id"`
	DisplayName        string `json:"display_name"`
	Username           string `json:"username,omitempty"`
	ReferralCode       string `json:"referral_code"`
	SubscriptionActive bool   `json:"subscription_active"`
	SubscriptionLink   string `json:"subscription_link,omitempty"`
}

func (u *User) Response() UserResponse {
	resp := UserResponse{
		ExternalID:         u.ExternalID,
		DisplayName:        u.DisplayName,
		Username:           u.Username,
		ReferralCode:       u.ReferralCode,
		SubscriptionActive: u.SubscriptionActive,
	}
	if u.SubscriptionLink != nil {
		resp.SubscriptionLink = *u.SubscriptionLink
	}
	return resp
}

// ==================== Orchestrator results ====================

// ProvisionResult is returned by a successful trial or purchase.
type ProvisionResult struct {
	User          UserResponse              `json:"user"`
	Subscription  SubscriptionResponse      `json:"subscription"`
	Bundle        *SubscriptionBundle       `json:"bundle"`
	ServersUsed   []ServerSummary           `json:"servers_used"`
	Failures      []apperrors.ServerFailure `json:"failures,omitempty"`
	AmountCharged int                       `json:"amount_charged"`
	Message       string                    `json:"message"`
}

type SubscriptionResponse struct {
	ID        int64     `json:"id"`
	Kind      PlanKind  `json:"kind"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Active    bool      `json:"active"`
}

func (s *Subscription) Response() SubscriptionResponse {
	return SubscriptionResponse{
		ID:        s.ID,
		Kind:      s.Kind,
		StartDate: s.StartDate,
		EndDate:   s.EndDate,
		Active:    s.IsActive,
	}
}

// ==================== Persistence ====================

// ProvisioningRecord is everything a successful run writes, applied by the
// store in a single transaction.
type ProvisioningRecord struct {
	UserID           int64
	Subscription     *Subscription
	SubscriptionLink string
	Payment          *Payment
	ServerIDs        []int64
	PromoCode        string // empty when no promo was redeemed
}
