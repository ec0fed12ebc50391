package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/repository"
	"github.com/rs/zerolog"
)

const (
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeLength   = 5
	maxCodeAttempts      = 5
)

// UserService loads and registers storefront users.
type UserService struct {
	users   UserStore
	ledger  *Ledger
	log     zerolog.Logger
	newCode func() (string, error)
}

func NewUserService(users UserStore, ledger *Ledger, log zerolog.Logger) *UserService {
	return &UserService{
		users:   users,
		ledger:  ledger,
		log:     log,
		newCode: GenerateReferralCode,
	}
}

// Get returns an existing user or apperrors.UserNotFound.
func (s *UserService) Get(ctx context.Context, externalID int64) (*models.User, error) {
	user, err := s.users.GetByExternalID(ctx, externalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.UserNotFound()
	}
	if err != nil {
		return nil, apperrors.DatabaseError("failed to load user", err)
	}
	return user, nil
}

// LoadOrCreate returns the user, registering them on first contact. A new
// user arriving with a valid inviter code is linked to the inviter and the
// inviter receives the referral bonus. The bool reports creation.
func (s *UserService) LoadOrCreate(ctx context.Context, id models.Identity) (*models.User, bool, error) {
	user, err := s.users.GetByExternalID(ctx, id.ExternalID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, apperrors.DatabaseError("failed to load user", err)
	}

	// 1. Resolve inviter
	var referrer *models.User
	if code := strings.ToUpper(strings.TrimSpace(id.InviterCode)); code != "" {
		referrer, err = s.users.GetByReferralCode(ctx, code)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			s.log.Info().Int64("external_id", id.ExternalID).Str("code", code).Msg("unknown referral code ignored")
			referrer = nil
		case err != nil:
			return nil, false, apperrors.DatabaseError("failed to resolve referral code", err)
		}
	}

	// 2. Insert with a fresh code, retrying on code collisions
	user = &models.User{
		ExternalID:  id.ExternalID,
		DisplayName: id.DisplayName,
		Username:    id.Username,
	}
	if referrer != nil {
		user.ReferredBy = &referrer.ID
	}

	created := false
	for attempt := 0; attempt < maxCodeAttempts && !created; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, false, apperrors.Internal("failed to generate referral code", err)
		}
		user.ReferralCode = code

		err = s.users.Create(ctx, user)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, repository.ErrReferralCodeTaken):
			continue
		case errors.Is(err, repository.ErrDuplicate):
			// Registered concurrently by another request.
			existing, getErr := s.users.GetByExternalID(ctx, id.ExternalID)
			if getErr != nil {
				return nil, false, apperrors.DatabaseError("failed to load user", getErr)
			}
			return existing, false, nil
		default:
			return nil, false, apperrors.DatabaseError("failed to create user", err)
		}
	}
	if !created {
		return nil, false, apperrors.Internal("failed to allocate a unique referral code",
			fmt.Errorf("%d attempts collided", maxCodeAttempts))
	}

	s.log.Info().Int64("external_id", user.ExternalID).Int64("user_id", user.ID).Msg("user registered")

	// 3. Reward the inviter
	if referrer != nil {
		if err := s.ledger.GrantReferralBonus(ctx, referrer.ID, user.ID); err != nil {
			s.log.Error().Err(err).Int64("referrer_id", referrer.ID).Msg("failed to grant referral bonus")
		}
	}

	return user, true, nil
}

// ReferralStats reports how many users a user invited and the bonus days earned.
func (s *UserService) ReferralStats(ctx context.Context, externalID int64) (*models.ReferralStats, error) {
	user, err := s.Get(ctx, externalID)
	if err != nil {
		return nil, err
	}

	count, err := s.users.CountReferrals(ctx, user.ID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to count referrals", err)
	}
	days, err := s.ledger.BonusDaysEarned(ctx, user.ID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to sum referral bonuses", err)
	}

	return &models.ReferralStats{
		ReferralCode:    user.ReferralCode,
		ReferralsCount:  count,
		BonusDaysEarned: days,
	}, nil
}

// GenerateReferralCode returns 5 random characters from [A-Z0-9].
func GenerateReferralCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(referralCodeAlphabet)))
	b := make([]byte, referralCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b[i] = referralCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}
