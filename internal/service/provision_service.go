package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gramvpn/provisioning-service/internal/config"
	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/pkg/metrics"
	"github.com/gramvpn/provisioning-service/internal/repository"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Run states. A run moves Eligible → Probing → Provisioning → Persisting →
// Done, or ends in Rejected (eligibility, plan, promo) or Failed.
const (
	stateEligible     = "eligible"
	stateProbing      = "probing"
	stateProvisioning = "provisioning"
	statePersisting   = "persisting"
	stateDone         = "done"
	stateRejected     = "rejected"
	stateFailed       = "failed"
)

// rejectionCodes end a run in the Rejected state rather than Failed.
var rejectionCodes = map[string]bool{
	apperrors.ErrCodeAlreadySubscribed: true,
	apperrors.ErrCodeTrialAlreadyUsed:  true,
	apperrors.ErrCodeInvalidPlan:       true,
	apperrors.ErrCodePromoNotFound:     true,
	apperrors.ErrCodePromoExpired:      true,
	apperrors.ErrCodePromoExhausted:    true,
	apperrors.ErrCodePromoPlanMismatch: true,
}

// ProvisionDeps groups the collaborators of ProvisionService.
type ProvisionDeps struct {
	Users         *UserService
	Subscriptions SubscriptionStore
	Servers       ServerStore
	Store         ProvisioningStore
	Ledger        *Ledger
	Gateway       Gateway
	Prober        *FleetProber
	Bundles       *BundleBuilder
	BundleStore   *BundleStore
	Audit         AuditLog
}

// ProvisionService orchestrates trials and purchases across the fleet.
type ProvisionService struct {
	cfg           *config.Config
	users         *UserService
	subscriptions SubscriptionStore
	servers       ServerStore
	store         ProvisioningStore
	ledger        *Ledger
	gateway       Gateway
	prober        *FleetProber
	bundles       *BundleBuilder
	bundleStore   *BundleStore
	audit         AuditLog
	log           zerolog.Logger
	now           func() time.Time
}

func NewProvisionService(cfg *config.Config, deps ProvisionDeps, log zerolog.Logger) *ProvisionService {
	return &ProvisionService{
		cfg:           cfg,
		users:         deps.Users,
		subscriptions: deps.Subscriptions,
		servers:       deps.Servers,
		store:         deps.Store,
		ledger:        deps.Ledger,
		gateway:       deps.Gateway,
		prober:        deps.Prober,
		bundles:       deps.Bundles,
		bundleStore:   deps.BundleStore,
		audit:         deps.Audit,
		log:           log,
		now:           time.Now,
	}
}

// run tracks one orchestrator invocation for logs and metrics.
type run struct {
	op      string
	state   string
	started time.Time
	log     zerolog.Logger
}

func (s *ProvisionService) newRun(op string, externalID int64) *run {
	return &run{
		op:      op,
		state:   stateEligible,
		started: time.Now(),
		log:     s.log.With().Str("operation", op).Int64("external_id", externalID).Logger(),
	}
}

func (r *run) enter(state string) {
	r.state = state
	r.log.Debug().Str("state", state).Msg("provisioning state")
}

func (r *run) finish(err error) {
	from := r.state
	switch {
	case err == nil:
		r.state = stateDone
	case isRejection(err):
		r.state = stateRejected
	default:
		r.state = stateFailed
	}

	metrics.RecordProvisionRun(r.op, r.state, time.Since(r.started))

	event := r.log.Info()
	if r.state == stateFailed {
		event = r.log.Error().Err(err)
	} else if err != nil {
		event = event.Str("reason", err.Error())
	}
	event.Str("state", r.state).Str("from", from).Dur("took", time.Since(r.started)).Msg("provisioning run finished")
}

func isRejection(err error) bool {
	appErr, ok := apperrors.As(err)
	return ok && rejectionCodes[appErr.Code]
}

// pricing is what the payment row of a run records.
type pricing struct {
	amount    int
	method    string
	promoCode string
	discount  int
}

// ==================== Operations ====================

// StartTrial grants the one-per-user free trial on every reachable server.
func (s *ProvisionService) StartTrial(ctx context.Context, id models.Identity) (*models.ProvisionResult, error) {
	r := s.newRun("start_trial", id.ExternalID)
	result, err := s.startTrial(ctx, r, id)
	r.finish(err)
	return result, err
}

func (s *ProvisionService) startTrial(ctx context.Context, r *run, id models.Identity) (*models.ProvisionResult, error) {
	plan, _ := models.LookupPlan(string(models.PlanTrial))

	user, _, err := s.users.LoadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.checkEligibility(ctx, user.ID, true); err != nil {
		return nil, err
	}

	return s.execute(ctx, r, user, plan, pricing{amount: 0, method: models.PaymentMethodFreeTrial})
}

// CreateSubscription buys a paid plan, optionally with a promo code. The
// promo code is checked before any server is contacted.
func (s *ProvisionService) CreateSubscription(ctx context.Context, id models.Identity, planKind, promoCode string) (*models.ProvisionResult, error) {
	r := s.newRun("create_subscription", id.ExternalID)
	result, err := s.createSubscription(ctx, r, id, planKind, promoCode)
	r.finish(err)
	return result, err
}

func (s *ProvisionService) createSubscription(ctx context.Context, r *run, id models.Identity, planKind, promoCode string) (*models.ProvisionResult, error) {
	plan, ok := models.LookupPlan(planKind)
	if !ok {
		return nil, apperrors.InvalidPlan(planKind)
	}

	user, _, err := s.users.LoadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}

	// An active subscription is reported for every plan kind, trial included.
	if err := s.checkEligibility(ctx, user.ID, false); err != nil {
		return nil, err
	}
	if plan.Kind.IsTrial() {
		return nil, apperrors.InvalidPlan(planKind)
	}

	price := pricing{amount: plan.Price, method: models.PaymentMethodPaid}
	if NormalizeCode(promoCode) != "" {
		promo, err := s.ledger.ValidateForPurchase(ctx, promoCode, plan.Kind, user.ID)
		if err != nil {
			return nil, err
		}
		price.promoCode = promo.Code
		price.discount = promo.DiscountPercent
		price.amount = ComputeDiscountedPrice(plan.Price, promo.DiscountPercent)
		if price.amount == 0 {
			price.method = models.PaymentMethodPromo100
		}
	}

	return s.execute(ctx, r, user, plan, price)
}

// ValidatePromoCode checks a code for the UI, optionally against a plan.
func (s *ProvisionService) ValidatePromoCode(ctx context.Context, code, plan string) (*models.PromoValidation, error) {
	return s.ledger.Describe(ctx, code, plan)
}

// GetStatus reports the user's current subscription. Expiry is applied
// lazily here.
func (s *ProvisionService) GetStatus(ctx context.Context, externalID int64) (*models.SubscriptionStatus, error) {
	user, err := s.users.Get(ctx, externalID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return &models.SubscriptionStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if _, err := s.subscriptions.DeactivateExpired(ctx, user.ID, now); err != nil {
		return nil, apperrors.DatabaseError("failed to expire subscriptions", err)
	}

	status := &models.SubscriptionStatus{}
	sub, err := s.subscriptions.GetActiveByUser(ctx, user.ID, now)
	switch {
	case err == nil:
		status.Active = true
		status.DaysRemaining = sub.DaysRemaining(now)
		if user.SubscriptionLink != nil {
			status.SubscriptionLink = *user.SubscriptionLink
		}
	case errors.Is(err, repository.ErrNotFound):
		sub, err = s.subscriptions.GetLatestByUser(ctx, user.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return status, nil
		}
		if err != nil {
			return nil, apperrors.DatabaseError("failed to load subscription", err)
		}
	default:
		return nil, apperrors.DatabaseError("failed to load subscription", err)
	}

	end := sub.EndDate
	status.SubscriptionKind = sub.Kind
	status.EndDate = &end
	return status, nil
}

// ReferralStats is exposed here so handlers talk to a single service.
func (s *ProvisionService) ReferralStats(ctx context.Context, externalID int64) (*models.ReferralStats, error) {
	return s.users.ReferralStats(ctx, externalID)
}

// RegisterUser loads or creates the caller's user record.
func (s *ProvisionService) RegisterUser(ctx context.Context, id models.Identity) (*models.User, bool, error) {
	return s.users.LoadOrCreate(ctx, id)
}

// Plans returns the plan catalog.
func (s *ProvisionService) Plans() []models.Plan {
	return models.Plans()
}

// Bundle returns the cached bundle of a user.
func (s *ProvisionService) Bundle(ctx context.Context, externalID int64) (*models.SubscriptionBundle, error) {
	return s.bundleStore.Load(ctx, externalID)
}

// BundleForLink serves the subscription and QR endpoints. The expire and
// token query values must match the issued links.
func (s *ProvisionService) BundleForLink(ctx context.Context, externalID int64, expire, token string) (*models.SubscriptionBundle, error) {
	return s.bundleStore.LoadForLink(ctx, externalID, expire, token)
}

// ==================== Run steps ====================

func (s *ProvisionService) checkEligibility(ctx context.Context, userID int64, trial bool) error {
	now := s.now()
	if _, err := s.subscriptions.DeactivateExpired(ctx, userID, now); err != nil {
		return apperrors.DatabaseError("failed to expire subscriptions", err)
	}

	_, err := s.subscriptions.GetActiveByUser(ctx, userID, now)
	switch {
	case err == nil:
		return apperrors.AlreadySubscribed()
	case !errors.Is(err, repository.ErrNotFound):
		return apperrors.DatabaseError("failed to check active subscription", err)
	}

	if trial {
		used, err := s.subscriptions.HasTrial(ctx, userID)
		if err != nil {
			return apperrors.DatabaseError("failed to check trial history", err)
		}
		if used {
			return apperrors.TrialAlreadyUsed()
		}
	}
	return nil
}

type provisioned struct {
	server *models.GatewayServer
	client *models.ProvisionedClient
}

// execute runs probing, provisioning, bundle assembly and persistence.
func (s *ProvisionService) execute(ctx context.Context, r *run, user *models.User, plan models.Plan, price pricing) (*models.ProvisionResult, error) {
	now := s.now()
	expiresAt := now.Add(time.Duration(plan.Days) * 24 * time.Hour)

	s.logAction(ctx, user.ID, models.LogActionProvisionStarted, "pending", "provisioning started",
		map[string]interface{}{"operation": r.op, "plan": plan.Kind})

	// 1. Probe and provision
	clients, failures, err := s.provisionFleet(ctx, r, user, &models.ClientRequest{
		ExternalID:   user.ExternalID,
		Plan:         plan.Kind,
		DurationDays: plan.Days,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		s.logAction(ctx, user.ID, models.LogActionProvisionFailed, "failed", err.Error(),
			map[string]interface{}{"operation": r.op, "failures": failures})
		return nil, err
	}

	// 2. Build bundle
	uris := make([]string, 0, len(clients))
	serverIDs := make([]int64, 0, len(clients))
	summaries := make([]models.ServerSummary, 0, len(clients))
	for _, p := range clients {
		uris = append(uris, p.client.ConnectionURI)
		serverIDs = append(serverIDs, p.server.ID)
		summaries = append(summaries, p.server.Summary())
	}

	bundle, err := s.bundles.Build(uris, user.ExternalID, expiresAt)
	if err != nil {
		s.revokeClients(ctx, user.ID, clients)
		return nil, err
	}

	// 3. Persist everything in one transaction
	r.enter(statePersisting)
	sub := &models.Subscription{
		UserID:      user.ID,
		Kind:        plan.Kind,
		StartDate:   now,
		EndDate:     expiresAt,
		IsActive:    true,
		ServersUsed: serverIDs,
	}
	payment := &models.Payment{
		UserID:          user.ID,
		Amount:          price.amount,
		PaymentMethod:   price.method,
		DiscountApplied: price.discount,
	}
	if price.promoCode != "" {
		code := price.promoCode
		payment.PromoCodeUsed = &code
	}

	record := &models.ProvisioningRecord{
		UserID:           user.ID,
		Subscription:     sub,
		SubscriptionLink: bundle.Direct,
		Payment:          payment,
		ServerIDs:        serverIDs,
		PromoCode:        price.promoCode,
	}
	if err := s.store.PersistProvisioning(ctx, record); err != nil {
		s.revokeClients(ctx, user.ID, clients)
		s.logAction(ctx, user.ID, models.LogActionProvisionFailed, "failed", err.Error(),
			map[string]interface{}{"operation": r.op, "stage": statePersisting})
		if _, ok := apperrors.As(err); ok {
			return nil, err
		}
		return nil, apperrors.DatabaseError("failed to save subscription", err)
	}

	user.SubscriptionActive = true
	user.SubscriptionLink = &bundle.Direct

	// 4. Cache the bundle for the subscription and QR links
	if err := s.bundleStore.Save(ctx, bundle); err != nil {
		r.log.Warn().Err(err).Msg("failed to cache bundle")
	}

	metrics.RecordBundleSize(len(uris))
	s.logAction(ctx, user.ID, models.LogActionProvisionCompleted, "active", "subscription created",
		map[string]interface{}{
			"operation":       r.op,
			"plan":            plan.Kind,
			"subscription_id": sub.ID,
			"servers":         serverIDs,
			"amount":          price.amount,
		})

	return &models.ProvisionResult{
		User:          user.Response(),
		Subscription:  sub.Response(),
		Bundle:        bundle,
		ServersUsed:   summaries,
		Failures:      failures,
		AmountCharged: price.amount,
		Message:       resultMessage(plan, len(clients), len(failures)),
	}, nil
}

// provisionFleet probes the fleet and creates a client on every reachable
// server concurrently. Failed servers are dropped with their reason; the run
// fails only when no server succeeds.
func (s *ProvisionService) provisionFleet(ctx context.Context, r *run, user *models.User, req *models.ClientRequest) ([]provisioned, []apperrors.ServerFailure, error) {
	r.enter(stateProbing)
	servers, err := s.servers.ListEnabled(ctx)
	if err != nil {
		return nil, nil, apperrors.DatabaseError("failed to list servers", err)
	}

	targets := PickAllReachable(s.prober.Probe(ctx, servers))
	if len(targets) == 0 {
		return nil, nil, apperrors.NoServersAvailable()
	}

	r.enter(stateProvisioning)
	clients := make([]*models.ProvisionedClient, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	for i, server := range targets {
		i, server := i, server
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Gateway.ProvisionTimeout)
			defer cancel()
			clients[i], errs[i] = s.gateway.ProvisionClient(callCtx, server, req)
			return nil
		})
	}
	_ = g.Wait()

	var (
		ok       []provisioned
		failures []apperrors.ServerFailure
	)
	for i, server := range targets {
		if errs[i] == nil && clients[i] == nil {
			errs[i] = apperrors.GatewayProvision(server.Name, errors.New("empty response"))
		}
		if errs[i] != nil {
			failures = append(failures, apperrors.ServerFailure{
				ServerID:   server.ID,
				ServerName: server.Name,
				Reason:     errs[i].Error(),
			})
			s.logAction(ctx, user.ID, models.LogActionServerFailed, "failed", errs[i].Error(),
				map[string]interface{}{"server_id": server.ID, "operation": r.op})
			continue
		}
		ok = append(ok, provisioned{server: server, client: clients[i]})
	}

	if len(ok) == 0 {
		return nil, failures, apperrors.ProvisioningFailed(failures)
	}
	if len(failures) > 0 {
		r.log.Warn().Int("succeeded", len(ok)).Int("failed", len(failures)).Msg("partial provisioning")
	}
	return ok, failures, nil
}

// revokeClients removes clients created by a run that could not be saved.
// It outlives the request context so a cancelled request still cleans up.
func (s *ProvisionService) revokeClients(ctx context.Context, userID int64, clients []provisioned) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Gateway.ProvisionTimeout)
	defer cancel()

	for _, p := range clients {
		if err := s.gateway.RevokeClient(ctx, p.server, p.client.ID); err != nil {
			s.log.Error().Err(err).Int64("server_id", p.server.ID).Str("client_id", p.client.ID).
				Msg("failed to revoke orphaned client")
			continue
		}
		s.logAction(ctx, userID, models.LogActionClientRevoked, "revoked", "client revoked after failed run",
			map[string]interface{}{"server_id": p.server.ID, "client_id": p.client.ID})
	}
}

func (s *ProvisionService) logAction(ctx context.Context, userID int64, action, status, message string, metadata map[string]interface{}) {
	if err := s.audit.LogActionWithMetadata(ctx, userID, action, status, message, metadata); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("failed to write provision log")
	}
}

func resultMessage(plan models.Plan, servers, failed int) string {
	msg := "Subscription activated"
	if plan.Kind.IsTrial() {
		msg = "Free trial activated"
	}
	if failed > 0 {
		return fmt.Sprintf("%s on %d of %d servers", msg, servers, servers+failed)
	}
	return fmt.Sprintf("%s on %d servers", msg, servers)
}
