package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `id, user_id, kind, start_date, end_date, is_active, servers_used, created_at`

// DeactivateExpired flips is_active off for the user's subscriptions that
// ended at or before now and clears the user's subscription flag with them.
func (r *SubscriptionRepository) DeactivateExpired(ctx context.Context, userID int64, now time.Time) (int64, error) {
	query := `
		WITH expired AS (
			UPDATE subscriptions SET is_active = FALSE
			WHERE user_id = $1 AND is_active AND end_date <= $2
			RETURNING user_id
		)
		UPDATE users SET subscription_active = FALSE, updated_at = NOW()
		WHERE id IN (SELECT user_id FROM expired)
	`
	tag, err := r.pool.Exec(ctx, query, userID, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SubscriptionRepository) GetActiveByUser(ctx context.Context, userID int64, now time.Time) (*models.Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM subscriptions
		WHERE user_id = $1 AND is_active AND end_date > $2
		ORDER BY end_date DESC
		LIMIT 1
	`, subscriptionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, userID, now))
}

func (r *SubscriptionRepository) GetLatestByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, subscriptionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, userID))
}

func (r *SubscriptionRepository) HasTrial(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND kind = $2)`,
		userID, models.PlanTrial,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check trial: %w", err)
	}
	return exists, nil
}

func (r *SubscriptionRepository) scanOne(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.Kind, &s.StartDate, &s.EndDate,
		&s.IsActive, &s.ServersUsed, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return s, nil
}
