package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `id, external_id, display_name, username, referral_code,
	referred_by, subscription_active, subscription_link, created_at, updated_at`

// Create inserts a user and fills ID and timestamps.
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	query := `
		INSERT INTO users (external_id, display_name, username, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		u.ExternalID, u.DisplayName, u.Username, u.ReferralCode, u.ReferredBy,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		switch uniqueViolation(err) {
		case constraintUsersReferralCode:
			return ErrReferralCodeTaken
		case constraintUsersExternalID:
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByExternalID(ctx context.Context, externalID int64) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE external_id = $1`, userColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, externalID))
}

func (r *UserRepository) GetByReferralCode(ctx context.Context, code string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE referral_code = $1`, userColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, code))
}

// CountReferrals counts users registered with this user's code.
func (r *UserRepository) CountReferrals(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE referred_by = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}
	return n, nil
}

func (r *UserRepository) scanOne(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.DisplayName, &u.Username, &u.ReferralCode,
		&u.ReferredBy, &u.SubscriptionActive, &u.SubscriptionLink, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
