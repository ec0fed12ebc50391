package repository

import (
	"context"
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReferralRepository struct {
	pool *pgxpool.Pool
}

func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

// CreateBonus returns ErrDuplicate if the referred user was already rewarded.
func (r *ReferralRepository) CreateBonus(ctx context.Context, b *models.ReferralBonus) error {
	query := `
		INSERT INTO referral_bonuses (referrer_id, referred_id, bonus_days)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, query, b.ReferrerID, b.ReferredID, b.BonusDays).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		if uniqueViolation(err) == constraintBonusReferred {
			return ErrDuplicate
		}
		return fmt.Errorf("insert referral bonus: %w", err)
	}
	return nil
}

func (r *ReferralRepository) SumBonusDays(ctx context.Context, referrerID int64) (int, error) {
	var days int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(bonus_days), 0) FROM referral_bonuses WHERE referrer_id = $1`,
		referrerID,
	).Scan(&days)
	if err != nil {
		return 0, fmt.Errorf("sum referral bonus days: %w", err)
	}
	return days, nil
}
