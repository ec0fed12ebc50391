package service

import (
	"context"
	"time"

	"github.com/gramvpn/provisioning-service/internal/models"
)

// Gateway creates clients on VPN servers. The panel client and the fake
// gateway both implement it; which one runs is decided at startup.
type Gateway interface {
	TestReachability(ctx context.Context, server *models.GatewayServer) bool
	ProvisionClient(ctx context.Context, server *models.GatewayServer, req *models.ClientRequest) (*models.ProvisionedClient, error)
	RevokeClient(ctx context.Context, server *models.GatewayServer, clientID string) error
}

// Store interfaces. Missing rows are reported as repository.ErrNotFound.

type UserStore interface {
	GetByExternalID(ctx context.Context, externalID int64) (*models.User, error)
	GetByReferralCode(ctx context.Context, code string) (*models.User, error)
	// Create returns repository.ErrReferralCodeTaken or repository.ErrDuplicate
	// (same external id) on unique violations.
	Create(ctx context.Context, user *models.User) error
	CountReferrals(ctx context.Context, userID int64) (int, error)
}

type SubscriptionStore interface {
	// DeactivateExpired clears is_active on subscriptions past their end date
	// and the user's subscription flag with them.
	DeactivateExpired(ctx context.Context, userID int64, now time.Time) (int64, error)
	GetActiveByUser(ctx context.Context, userID int64, now time.Time) (*models.Subscription, error)
	GetLatestByUser(ctx context.Context, userID int64) (*models.Subscription, error)
	HasTrial(ctx context.Context, userID int64) (bool, error)
}

type ServerStore interface {
	// ListEnabled returns enabled servers ordered by ascending load.
	ListEnabled(ctx context.Context) ([]*models.GatewayServer, error)
	ListAll(ctx context.Context) ([]*models.GatewayServer, error)
}

type PromoStore interface {
	GetByCode(ctx context.Context, code string) (*models.PromoCode, error)
	// IncrementUsage returns repository.ErrLimitReached when the cap is hit.
	IncrementUsage(ctx context.Context, code string) error
	CountRedemptions(ctx context.Context, userID int64, code string) (int, error)
}

type ReferralStore interface {
	// CreateBonus returns repository.ErrDuplicate if the referred user was
	// already rewarded.
	CreateBonus(ctx context.Context, bonus *models.ReferralBonus) error
	SumBonusDays(ctx context.Context, referrerID int64) (int, error)
}

// ProvisioningStore applies a successful run atomically: subscription, user
// flags, payment, server counters and promo usage.
type ProvisioningStore interface {
	PersistProvisioning(ctx context.Context, rec *models.ProvisioningRecord) error
}

type AuditLog interface {
	LogActionWithMetadata(ctx context.Context, userID int64, action, status, message string, metadata map[string]interface{}) error
}
