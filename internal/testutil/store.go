// Package testutil provides an in-memory implementation of the service
// stores. It enforces the same uniqueness rules as the SQL schema.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	nextID   int64
	users    []*models.User
	subs     []*models.Subscription
	servers  []*models.GatewayServer
	promos   map[string]*models.PromoCode
	payments []*models.Payment
	bonuses  []*models.ReferralBonus
	logs     []*models.ProvisionLog

	// PersistErr, when set, is returned by PersistProvisioning before any write.
	PersistErr error
	// FailCreateCodes makes Create report a referral code collision this many times.
	FailCreateCodes int
}

func NewStore() *Store {
	return &Store{promos: make(map[string]*models.PromoCode)}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// ==================== Seeding and inspection ====================

// AddServer registers a server and returns it with its ID set.
func (s *Store) AddServer(server models.GatewayServer) *models.GatewayServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	server.ID = s.id()
	s.servers = append(s.servers, &server)
	out := server
	return &out
}

func (s *Store) AddPromo(promo models.PromoCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	promo.ID = s.id()
	s.promos[promo.Code] = &promo
}

// AddSubscription inserts a subscription row directly.
func (s *Store) AddSubscription(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = s.id()
	s.subs = append(s.subs, &sub)
}

func (s *Store) Server(id int64) models.GatewayServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.servers {
		if srv.ID == id {
			return *srv
		}
	}
	return models.GatewayServer{}
}

func (s *Store) Promo(code string) models.PromoCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.promos[code]; ok {
		return *p
	}
	return models.PromoCode{}
}

func (s *Store) User(externalID int64) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			return *u, true
		}
	}
	return models.User{}, false
}

func (s *Store) Subscriptions(userID int64) []models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	return out
}

func (s *Store) Payments() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, *p)
	}
	return out
}

func (s *Store) Bonuses() []models.ReferralBonus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReferralBonus, 0, len(s.bonuses))
	for _, b := range s.bonuses {
		out = append(out, *b)
	}
	return out
}

// Actions returns the audit log actions in write order.
func (s *Store) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l.Action)
	}
	return out
}

// ==================== Users ====================

func (s *Store) GetByExternalID(_ context.Context, externalID int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			out := *u
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetByReferralCode(_ context.Context, code string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ReferralCode == code {
			out := *u
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreateCodes > 0 {
		s.FailCreateCodes--
		return repository.ErrReferralCodeTaken
	}
	for _, u := range s.users {
		if u.ReferralCode == user.ReferralCode {
			return repository.ErrReferralCodeTaken
		}
		if u.ExternalID == user.ExternalID {
			return repository.ErrDuplicate
		}
	}

	user.ID = s.id()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	stored := *user
	s.users = append(s.users, &stored)
	return nil
}

func (s *Store) CountReferrals(_ context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.users {
		if u.ReferredBy != nil && *u.ReferredBy == userID {
			n++
		}
	}
	return n, nil
}

// ==================== Subscriptions ====================

func (s *Store) DeactivateExpired(_ context.Context, userID int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.IsActive && !now.Before(sub.EndDate) {
			sub.IsActive = false
			n++
		}
	}
	if n > 0 {
		for _, u := range s.users {
			if u.ID == userID {
				u.SubscriptionActive = false
			}
		}
	}
	return n, nil
}

func (s *Store) GetActiveByUser(_ context.Context, userID int64, now time.Time) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.ActiveAt(now) && (best == nil || sub.EndDate.After(best.EndDate)) {
			best = sub
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	out := *best
	return &out, nil
}

func (s *Store) GetLatestByUser(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.subs) - 1; i >= 0; i-- {
		if s.subs[i].UserID == userID {
			out := *s.subs[i]
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) HasTrial(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Kind.IsTrial() {
			return true, nil
		}
	}
	return false, nil
}

// ==================== Servers ====================

func (s *Store) ListEnabled(_ context.Context) ([]*models.GatewayServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GatewayServer
	for _, srv := range s.servers {
		if srv.Enabled {
			cp := *srv
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ActiveSubscribers < out[j].ActiveSubscribers
	})
	return out, nil
}

func (s *Store) ListAll(_ context.Context) ([]*models.GatewayServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.GatewayServer, 0, len(s.servers))
	for _, srv := range s.servers {
		cp := *srv
		out = append(out, &cp)
	}
	return out, nil
}

// ==================== Promo codes ====================

func (s *Store) GetByCode(_ context.Context, code string) (*models.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) IncrementUsage(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementUsage(code)
}

func (s *Store) incrementUsage(code string) error {
	p, ok := s.promos[code]
	if !ok {
		return repository.ErrNotFound
	}
	if p.MaxUsage != nil && p.UsageCount >= *p.MaxUsage {
		return repository.ErrLimitReached
	}
	p.UsageCount++
	return nil
}

func (s *Store) CountRedemptions(_ context.Context, userID int64, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.payments {
		if p.UserID == userID && p.PromoCodeUsed != nil && *p.PromoCodeUsed == code {
			n++
		}
	}
	return n, nil
}

// ==================== Referrals ====================

func (s *Store) CreateBonus(_ context.Context, bonus *models.ReferralBonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bonuses {
		if b.ReferredID == bonus.ReferredID {
			return repository.ErrDuplicate
		}
	}
	bonus.ID = s.id()
	bonus.CreatedAt = time.Now()
	stored := *bonus
	s.bonuses = append(s.bonuses, &stored)
	return nil
}

func (s *Store) SumBonusDays(_ context.Context, referrerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days := 0
	for _, b := range s.bonuses {
		if b.ReferrerID == referrerID {
			days += b.BonusDays
		}
	}
	return days, nil
}

// ==================== Provisioning ====================

// PersistProvisioning checks every constraint before writing, so a
// rejected record leaves the store unchanged.
func (s *Store) PersistProvisioning(_ context.Context, rec *models.ProvisioningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PersistErr != nil {
		return s.PersistErr
	}

	sub := rec.Subscription
	for _, existing := range s.subs {
		if existing.UserID != sub.UserID {
			continue
		}
		if existing.IsActive && sub.IsActive {
			return apperrors.AlreadySubscribed()
		}
		if existing.Kind.IsTrial() && sub.Kind.IsTrial() {
			return apperrors.TrialAlreadyUsed()
		}
	}
	if rec.PromoCode != "" {
		p, ok := s.promos[rec.PromoCode]
		if !ok || (p.MaxUsage != nil && p.UsageCount >= *p.MaxUsage) {
			return apperrors.PromoExhausted(rec.PromoCode)
		}
	}

	now := time.Now()
	sub.ID = s.id()
	sub.CreatedAt = now
	storedSub := *sub
	storedSub.ServersUsed = append([]int64(nil), sub.ServersUsed...)
	s.subs = append(s.subs, &storedSub)

	for _, u := range s.users {
		if u.ID == rec.UserID {
			link := rec.SubscriptionLink
			u.SubscriptionActive = true
			u.SubscriptionLink = &link
		}
	}

	pay := rec.Payment
	pay.ID = s.id()
	pay.SubscriptionID = sub.ID
	pay.CreatedAt = now
	storedPay := *pay
	s.payments = append(s.payments, &storedPay)

	for _, id := range rec.ServerIDs {
		for _, srv := range s.servers {
			if srv.ID == id {
				srv.ActiveSubscribers++
			}
		}
	}

	if rec.PromoCode != "" {
		_ = s.incrementUsage(rec.PromoCode)
	}
	return nil
}

// ==================== Audit ====================

func (s *Store) LogActionWithMetadata(_ context.Context, userID int64, action, status, message string, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, &models.ProvisionLog{
		UserID:    userID,
		Action:    action,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	return nil
}
