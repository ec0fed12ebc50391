package repository

import (
	"context"
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProvisioningRepository writes the outcome of a provisioning run.
type ProvisioningRepository struct {
	pool *pgxpool.Pool
}

func NewProvisioningRepository(pool *pgxpool.Pool) *ProvisioningRepository {
	return &ProvisioningRepository{pool: pool}
}

// PersistProvisioning inserts the subscription and payment, updates the user
// and server counters, and redeems the promo code in one transaction.
// Constraint races surface as AlreadySubscribed, TrialAlreadyUsed or
// PromoExhausted and leave nothing behind.
func (r *ProvisioningRepository) PersistProvisioning(ctx context.Context, rec *models.ProvisioningRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin provisioning tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertSubscription(ctx, tx, rec.Subscription); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET subscription_active = TRUE, subscription_link = $1, updated_at = NOW()
		WHERE id = $2
	`, rec.SubscriptionLink, rec.UserID)
	if err != nil {
		return fmt.Errorf("update user subscription: %w", err)
	}

	p := rec.Payment
	p.SubscriptionID = rec.Subscription.ID
	err = tx.QueryRow(ctx, `
		INSERT INTO payments (user_id, subscription_id, amount, payment_method, promo_code_used, discount_applied)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, p.UserID, p.SubscriptionID, p.Amount, p.PaymentMethod, p.PromoCodeUsed, p.DiscountApplied,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	if len(rec.ServerIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE servers SET active_subscribers = active_subscribers + 1, updated_at = NOW()
			WHERE id = ANY($1)
		`, rec.ServerIDs)
		if err != nil {
			return fmt.Errorf("update server counters: %w", err)
		}
	}

	if rec.PromoCode != "" {
		tag, err := tx.Exec(ctx, incrementUsageQuery, rec.PromoCode)
		if err != nil {
			return fmt.Errorf("increment promo usage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.PromoExhausted(rec.PromoCode)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit provisioning tx: %w", err)
	}
	return nil
}

func insertSubscription(ctx context.Context, tx pgx.Tx, s *models.Subscription) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, kind, start_date, end_date, is_active, servers_used)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, s.UserID, s.Kind, s.StartDate, s.EndDate, s.IsActive, s.ServersUsed,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		switch uniqueViolation(err) {
		case constraintOneActive:
			return apperrors.AlreadySubscribed()
		case constraintOneTrial:
			return apperrors.TrialAlreadyUsed()
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}
