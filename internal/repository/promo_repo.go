package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PromoRepository struct {
	pool *pgxpool.Pool
}

func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// incrementUsageQuery bumps usage_count only while under max_usage.
const incrementUsageQuery = `
	UPDATE promo_codes SET usage_count = usage_count + 1
	WHERE code = $1 AND (max_usage IS NULL OR usage_count < max_usage)
`

func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	query := `
		SELECT id, code, discount_percent, valid_for, is_active, expires_at,
			max_usage, usage_count, is_one_time, created_at
		FROM promo_codes
		WHERE code = $1
	`
	p := &models.PromoCode{}
	err := r.pool.QueryRow(ctx, query, code).Scan(
		&p.ID, &p.Code, &p.DiscountPercent, &p.ValidFor, &p.IsActive, &p.ExpiresAt,
		&p.MaxUsage, &p.UsageCount, &p.IsOneTime, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get promo code: %w", err)
	}
	return p, nil
}

// IncrementUsage returns ErrLimitReached when the code is at its cap and
// ErrNotFound when it does not exist.
func (r *PromoRepository) IncrementUsage(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx, incrementUsageQuery, code)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM promo_codes WHERE code = $1)`, code).Scan(&exists); err != nil {
		return fmt.Errorf("check promo code: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLimitReached
}

// CountRedemptions counts payments of the user that used the code.
func (r *PromoRepository) CountRedemptions(ctx context.Context, userID int64, code string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE user_id = $1 AND promo_code_used = $2`,
		userID, code,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count promo redemptions: %w", err)
	}
	return n, nil
}
