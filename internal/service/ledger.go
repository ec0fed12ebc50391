package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/pkg/metrics"
	"github.com/gramvpn/provisioning-service/internal/repository"
	"github.com/rs/zerolog"
)

// Ledger keeps promo code and referral bookkeeping.
type Ledger struct {
	promos    PromoStore
	referrals ReferralStore
	bonusDays int
	log       zerolog.Logger
	now       func() time.Time
}

func NewLedger(promos PromoStore, referrals ReferralStore, bonusDays int, log zerolog.Logger) *Ledger {
	return &Ledger{
		promos:    promos,
		referrals: referrals,
		bonusDays: bonusDays,
		log:       log,
		now:       time.Now,
	}
}

// NormalizeCode trims and uppercases a promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks that a code exists, is active, not expired and under its
// usage cap.
func (l *Ledger) Validate(ctx context.Context, code string) (*models.PromoCode, error) {
	code = NormalizeCode(code)

	promo, err := l.promos.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.PromoNotFound(code)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load promo code", err)
	}

	switch {
	case !promo.IsActive:
		return nil, apperrors.PromoNotFound(code)
	case promo.ExpiresAt != nil && !l.now().Before(*promo.ExpiresAt):
		return nil, apperrors.PromoExpired(code)
	case promo.MaxUsage != nil && promo.UsageCount >= *promo.MaxUsage:
		return nil, apperrors.PromoExhausted(code)
	}
	return promo, nil
}

// ValidateForPurchase is Validate plus the plan scope and, for one-time
// codes, whether this user has already redeemed it.
func (l *Ledger) ValidateForPurchase(ctx context.Context, code string, plan models.PlanKind, userID int64) (*models.PromoCode, error) {
	promo, err := l.Validate(ctx, code)
	if err != nil {
		l.recordValidation(err)
		return nil, err
	}

	if !IsApplicableToPlan(promo.ValidFor, plan) {
		err := apperrors.PromoPlanMismatch(promo.Code, string(plan))
		l.recordValidation(err)
		return nil, err
	}

	if promo.IsOneTime {
		n, err := l.promos.CountRedemptions(ctx, userID, promo.Code)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to check promo redemptions", err)
		}
		if n > 0 {
			err := apperrors.PromoExhausted(promo.Code)
			l.recordValidation(err)
			return nil, err
		}
	}

	l.recordValidation(nil)
	return promo, nil
}

// Describe answers a "check this code" request from the UI. Invalid codes
// are reported in the result, not as errors.
func (l *Ledger) Describe(ctx context.Context, code, plan string) (*models.PromoValidation, error) {
	result := &models.PromoValidation{Code: NormalizeCode(code)}

	promo, err := l.Validate(ctx, code)
	if err != nil {
		appErr, ok := apperrors.As(err)
		if !ok || appErr.Code == apperrors.ErrCodeDatabase {
			return nil, err
		}
		l.recordValidation(err)
		result.Reason = appErr.Message
		return result, nil
	}

	result.DiscountPercent = promo.DiscountPercent
	result.ValidFor = promo.ValidFor

	if plan != "" {
		p, ok := models.LookupPlan(plan)
		if !ok {
			return nil, apperrors.InvalidPlan(plan)
		}
		if !IsApplicableToPlan(promo.ValidFor, p.Kind) {
			mismatch := apperrors.PromoPlanMismatch(promo.Code, plan)
			l.recordValidation(mismatch)
			result.Reason = mismatch.Message
			return result, nil
		}
		base := p.Price
		final := ComputeDiscountedPrice(base, promo.DiscountPercent)
		result.BasePrice = &base
		result.FinalPrice = &final
	}

	l.recordValidation(nil)
	result.Valid = true
	return result, nil
}

// IsApplicableToPlan reports whether a promo scope covers the plan: "all",
// an exact plan kind, or a comma-separated list containing it.
func IsApplicableToPlan(scope string, plan models.PlanKind) bool {
	scope = strings.TrimSpace(scope)
	if strings.EqualFold(scope, models.PromoScopeAll) {
		return true
	}
	for _, item := range strings.Split(scope, ",") {
		if strings.EqualFold(strings.TrimSpace(item), string(plan)) {
			return true
		}
	}
	return false
}

// ComputeDiscountedPrice applies a percentage discount, rounding half up.
// The percentage is clamped to [0, 100] and the result is never negative.
func ComputeDiscountedPrice(base, percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if base <= 0 {
		return 0
	}
	return (base*(100-percent) + 50) / 100
}

// RecordUsage counts one redemption outside of a provisioning run.
func (l *Ledger) RecordUsage(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	err := l.promos.IncrementUsage(ctx, code)
	switch {
	case errors.Is(err, repository.ErrLimitReached):
		return apperrors.PromoExhausted(code)
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.PromoNotFound(code)
	case err != nil:
		return fmt.Errorf("record promo usage: %w", err)
	}
	return nil
}

// GrantReferralBonus credits the referrer once per referred user.
func (l *Ledger) GrantReferralBonus(ctx context.Context, referrerID, referredID int64) error {
	bonus := &models.ReferralBonus{
		ReferrerID: referrerID,
		ReferredID: referredID,
		BonusDays:  l.bonusDays,
	}

	err := l.referrals.CreateBonus(ctx, bonus)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("grant referral bonus: %w", err)
	}

	l.log.Info().Int64("referrer_id", referrerID).Int64("referred_id", referredID).
		Int("bonus_days", l.bonusDays).Msg("referral bonus granted")
	return nil
}

// BonusDaysEarned sums the referral bonus days granted to a referrer.
func (l *Ledger) BonusDaysEarned(ctx context.Context, referrerID int64) (int, error) {
	return l.referrals.SumBonusDays(ctx, referrerID)
}

func (l *Ledger) recordValidation(err error) {
	if err == nil {
		metrics.RecordPromoValidation("ok")
		return
	}
	if appErr, ok := apperrors.As(err); ok {
		metrics.RecordPromoValidation(appErr.Code)
		return
	}
	metrics.RecordPromoValidation("error")
}
