package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrReferralCodeTaken = errors.New("referral code taken")
	ErrLimitReached      = errors.New("usage limit reached")
)

// Constraint names from migrations/0001_init.sql that callers translate.
const (
	constraintUsersExternalID   = "users_external_id_key"
	constraintUsersReferralCode = "users_referral_code_key"
	constraintOneActive         = "subscriptions_one_active_per_user"
	constraintOneTrial          = "subscriptions_one_trial_per_user"
	constraintBonusReferred     = "referral_bonuses_referred_id_key"
)

const pgUniqueViolation = "23505"

// uniqueViolation returns the violated constraint name, or "" if err is not
// a unique violation.
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}
