package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gramvpn/provisioning-service/internal/cache"
	"github.com/gramvpn/provisioning-service/internal/client"
	"github.com/gramvpn/provisioning-service/internal/config"
	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/pkg/logger"
	"github.com/gramvpn/provisioning-service/internal/testutil"
)

type fixture struct {
	store   *testutil.Store
	gateway *client.FakeGateway
	svc     *ProvisionService
	servers []*models.GatewayServer
}

func newFixture(t *testing.T, servers int) *fixture {
	t.Helper()

	store := testutil.NewStore()
	gateway := client.NewFakeGateway()
	log := logger.Nop()

	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			ProvisionTimeout: 5 * time.Second,
			ProbeConcurrency: 4,
		},
	}

	ledger := NewLedger(store, store, 7, log)
	svc := NewProvisionService(cfg, ProvisionDeps{
		Users:         NewUserService(store, ledger, log),
		Subscriptions: store,
		Servers:       store,
		Store:         store,
		Ledger:        ledger,
		Gateway:       gateway,
		Prober:        NewFleetProber(gateway, cfg.Gateway.ProbeConcurrency, log),
		Bundles:       NewBundleBuilder("GramVPN", "https://vpn.example.com", []byte("link-key")),
		BundleStore:   NewBundleStore(cache.NewMemoryCache()),
		Audit:         store,
	}, log)

	f := &fixture{store: store, gateway: gateway, svc: svc}
	for i := 1; i <= servers; i++ {
		f.servers = append(f.servers, store.AddServer(models.GatewayServer{
			Name:        fmt.Sprintf("node-%d", i),
			Address:     fmt.Sprintf("10.0.0.%d", i),
			Country:     "NL",
			Enabled:     true,
			InboundID:   1,
			Port:        443,
			NetworkType: "tcp",
			Security:    "reality",
			Fingerprint: "chrome",
			SNI:         "www.example.org",
			PublicKey:   "pbk",
			ShortID:     "ab12",
			SpiderX:     "/",
			Flow:        "xtls-rprx-vision",
		}))
	}
	return f
}

func (f *fixture) provisions() int {
	_, n, _ := f.gateway.Calls()
	return n
}

func identity(externalID int64) models.Identity {
	return models.Identity{ExternalID: externalID, DisplayName: "Alice", Username: "alice"}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if !apperrors.HasCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func TestStartTrial_EndToEnd(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	result, err := f.svc.StartTrial(ctx, identity(42))
	if err != nil {
		t.Fatalf("StartTrial() error = %v", err)
	}

	if got := len(result.Bundle.URIs); got != 3 {
		t.Fatalf("bundle has %d URIs, want 3", got)
	}
	for _, uri := range result.Bundle.URIs {
		if !strings.HasPrefix(uri, "vless://") {
			t.Errorf("uri %q is not a vless URI", uri)
		}
	}
	decoded, err := DecodeBundleContent(result.Bundle.Content)
	if err != nil {
		t.Fatalf("DecodeBundleContent() error = %v", err)
	}
	if strings.Join(decoded, "\n") != strings.Join(result.Bundle.URIs, "\n") {
		t.Errorf("decoded content = %v, want %v", decoded, result.Bundle.URIs)
	}

	sub := result.Subscription
	if sub.Kind != models.PlanTrial || !sub.Active {
		t.Errorf("subscription = %+v, want active trial", sub)
	}
	if got := sub.EndDate.Sub(sub.StartDate); got != 72*time.Hour {
		t.Errorf("trial length = %v, want 72h", got)
	}
	if result.AmountCharged != 0 {
		t.Errorf("AmountCharged = %d, want 0", result.AmountCharged)
	}

	payments := f.store.Payments()
	if len(payments) != 1 || payments[0].PaymentMethod != models.PaymentMethodFreeTrial || payments[0].Amount != 0 {
		t.Errorf("payments = %+v, want one free_trial payment of 0", payments)
	}

	for _, srv := range f.servers {
		if got := f.store.Server(srv.ID).ActiveSubscribers; got != 1 {
			t.Errorf("server %d active_subscribers = %d, want 1", srv.ID, got)
		}
	}

	user, ok := f.store.User(42)
	if !ok || !user.SubscriptionActive || user.SubscriptionLink == nil || *user.SubscriptionLink != result.Bundle.Direct {
		t.Errorf("user = %+v, want active with link %q", user, result.Bundle.Direct)
	}

	status, err := f.svc.GetStatus(ctx, 42)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if !status.Active || status.DaysRemaining != 3 || status.SubscriptionKind != models.PlanTrial {
		t.Errorf("status = %+v, want active trial with 3 days", status)
	}

	bundle, err := f.svc.Bundle(ctx, 42)
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if bundle.Content != result.Bundle.Content {
		t.Error("cached bundle differs from the returned one")
	}

	actions := f.store.Actions()
	if actions[0] != models.LogActionProvisionStarted || actions[len(actions)-1] != models.LogActionProvisionCompleted {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestStartTrial_OncePerUser(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, identity(7)); err != nil {
		t.Fatalf("first StartTrial() error = %v", err)
	}
	before := f.provisions()

	// Still active: the active subscription is reported first.
	_, err := f.svc.StartTrial(ctx, identity(7))
	assertCode(t, err, apperrors.ErrCodeAlreadySubscribed)

	// Once the trial has lapsed the trial history blocks a second one.
	f.svc.now = func() time.Time { return time.Now().Add(4 * 24 * time.Hour) }
	_, err = f.svc.StartTrial(ctx, identity(7))
	assertCode(t, err, apperrors.ErrCodeTrialAlreadyUsed)

	if got := f.provisions(); got != before {
		t.Errorf("rejected trials made %d gateway calls", got-before)
	}

	user, _ := f.store.User(7)
	if user.SubscriptionActive {
		t.Error("expired trial left the user flagged active")
	}
}

func TestCreateSubscription_SingleActive(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	if _, err := f.svc.CreateSubscription(ctx, identity(9), "30days", ""); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	before := f.provisions()

	for _, plan := range []string{"90days", "30days", "trial"} {
		_, err := f.svc.CreateSubscription(ctx, identity(9), plan, "")
		assertCode(t, err, apperrors.ErrCodeAlreadySubscribed)
	}

	if got := f.provisions(); got != before {
		t.Errorf("rejected purchase made %d gateway calls", got-before)
	}
	user, _ := f.store.User(9)
	if got := len(f.store.Subscriptions(user.ID)); got != 1 {
		t.Errorf("subscriptions = %d, want 1", got)
	}
}

func TestCreateSubscription_InvalidPlan(t *testing.T) {
	f := newFixture(t, 1)

	for _, plan := range []string{"trial", "weekly", ""} {
		_, err := f.svc.CreateSubscription(context.Background(), identity(1), plan, "")
		assertCode(t, err, apperrors.ErrCodeInvalidPlan)
	}
	if f.provisions() != 0 {
		t.Error("invalid plans reached the gateway")
	}
}

func TestProvision_PartialFailure(t *testing.T) {
	f := newFixture(t, 3)
	failing := f.servers[1]
	f.gateway.FailProvision(failing.ID, apperrors.GatewayProvision(failing.Name, errors.New("inbound disabled")))

	result, err := f.svc.CreateSubscription(context.Background(), identity(5), "30days", "")
	if err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}

	if got := len(result.Bundle.URIs); got != 2 {
		t.Errorf("bundle has %d URIs, want 2", got)
	}
	if len(result.Failures) != 1 || result.Failures[0].ServerID != failing.ID {
		t.Errorf("failures = %+v, want server %d", result.Failures, failing.ID)
	}
	for _, srv := range f.servers {
		want := 1
		if srv.ID == failing.ID {
			want = 0
		}
		if got := f.store.Server(srv.ID).ActiveSubscribers; got != want {
			t.Errorf("server %d active_subscribers = %d, want %d", srv.ID, got, want)
		}
	}

	found := false
	for _, action := range f.store.Actions() {
		if action == models.LogActionServerFailed {
			found = true
		}
	}
	if !found {
		t.Error("server failure was not audited")
	}
}

func TestProvision_AllServersFail(t *testing.T) {
	f := newFixture(t, 2)
	for _, srv := range f.servers {
		f.gateway.FailProvision(srv.ID, apperrors.GatewayUnavailable(srv.Name, errors.New("timeout")))
	}

	_, err := f.svc.StartTrial(context.Background(), identity(11))
	assertCode(t, err, apperrors.ErrCodeProvisioningFailed)

	appErr, _ := apperrors.As(err)
	failures, ok := appErr.Details.([]apperrors.ServerFailure)
	if !ok || len(failures) != 2 {
		t.Errorf("details = %#v, want 2 server failures", appErr.Details)
	}

	user, _ := f.store.User(11)
	if got := len(f.store.Subscriptions(user.ID)); got != 0 {
		t.Errorf("subscriptions = %d, want 0", got)
	}
	if got := len(f.store.Payments()); got != 0 {
		t.Errorf("payments = %d, want 0", got)
	}
}

func TestProvision_NoReachableServers(t *testing.T) {
	f := newFixture(t, 2)
	for _, srv := range f.servers {
		f.gateway.SetUnreachable(srv.ID, true)
	}

	_, err := f.svc.StartTrial(context.Background(), identity(12))
	assertCode(t, err, apperrors.ErrCodeNoServers)
	if f.provisions() != 0 {
		t.Error("unreachable servers were provisioned")
	}
}

func TestProvision_PersistFailureRevokesClients(t *testing.T) {
	tests := []struct {
		name       string
		persistErr error
		wantCode   string
	}{
		{"database down", errors.New("connection reset"), apperrors.ErrCodeDatabase},
		{"concurrent purchase", apperrors.AlreadySubscribed(), apperrors.ErrCodeAlreadySubscribed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			f.store.PersistErr = tt.persistErr

			_, err := f.svc.CreateSubscription(context.Background(), identity(13), "30days", "")
			assertCode(t, err, tt.wantCode)

			_, provisions, revokes := f.gateway.Calls()
			if provisions != 3 || revokes != 3 {
				t.Errorf("provisions = %d, revokes = %d, want 3 and 3", provisions, revokes)
			}
			for _, srv := range f.servers {
				if got := len(f.gateway.Clients(srv.ID)); got != 0 {
					t.Errorf("server %d still has %d clients", srv.ID, got)
				}
			}
		})
	}
}

func TestCreateSubscription_PromoRejectedBeforeGateway(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	one := 1

	tests := []struct {
		name     string
		promo    *models.PromoCode
		code     string
		plan     string
		wantCode string
	}{
		{"unknown", nil, "NOPE", "30days", apperrors.ErrCodePromoNotFound},
		{"inactive", &models.PromoCode{Code: "OFF", DiscountPercent: 10, ValidFor: "all"}, "off", "30days", apperrors.ErrCodePromoNotFound},
		{"expired", &models.PromoCode{Code: "OLD", DiscountPercent: 10, ValidFor: "all", IsActive: true, ExpiresAt: &past}, "OLD", "30days", apperrors.ErrCodePromoExpired},
		{"cap reached", &models.PromoCode{Code: "CAP", DiscountPercent: 10, ValidFor: "all", IsActive: true, MaxUsage: &one, UsageCount: 1}, "CAP", "30days", apperrors.ErrCodePromoExhausted},
		{"wrong plan", &models.PromoCode{Code: "YEAR", DiscountPercent: 10, ValidFor: "365days", IsActive: true}, "YEAR", "30days", apperrors.ErrCodePromoPlanMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			if tt.promo != nil {
				f.store.AddPromo(*tt.promo)
			}

			_, err := f.svc.CreateSubscription(context.Background(), identity(20), tt.plan, tt.code)
			assertCode(t, err, tt.wantCode)
			if f.provisions() != 0 {
				t.Errorf("gateway called %d times for a rejected promo", f.provisions())
			}
		})
	}
}

func TestCreateSubscription_PromoPricing(t *testing.T) {
	tests := []struct {
		name       string
		promo      models.PromoCode
		plan       string
		wantAmount int
		wantMethod string
	}{
		{"partial discount", models.PromoCode{Code: "SAVE20", DiscountPercent: 20, ValidFor: "all", IsActive: true}, "90days", 280, models.PaymentMethodPaid},
		{"full discount", models.PromoCode{Code: "FREE", DiscountPercent: 100, ValidFor: "30days,90days", IsActive: true}, "30days", 0, models.PaymentMethodPromo100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			f.store.AddPromo(tt.promo)

			result, err := f.svc.CreateSubscription(context.Background(), identity(21), tt.plan, " "+strings.ToLower(tt.promo.Code))
			if err != nil {
				t.Fatalf("CreateSubscription() error = %v", err)
			}
			if result.AmountCharged != tt.wantAmount {
				t.Errorf("AmountCharged = %d, want %d", result.AmountCharged, tt.wantAmount)
			}

			payments := f.store.Payments()
			if len(payments) != 1 {
				t.Fatalf("payments = %d, want 1", len(payments))
			}
			p := payments[0]
			if p.Amount != tt.wantAmount || p.PaymentMethod != tt.wantMethod || p.DiscountApplied != tt.promo.DiscountPercent {
				t.Errorf("payment = %+v", p)
			}
			if p.PromoCodeUsed == nil || *p.PromoCodeUsed != tt.promo.Code {
				t.Errorf("promo_code_used = %v, want %s", p.PromoCodeUsed, tt.promo.Code)
			}
			if got := f.store.Promo(tt.promo.Code).UsageCount; got != 1 {
				t.Errorf("usage_count = %d, want 1", got)
			}
		})
	}
}

func TestCreateSubscription_OneTimePromo(t *testing.T) {
	f := newFixture(t, 1)
	f.store.AddPromo(models.PromoCode{Code: "ONCE", DiscountPercent: 50, ValidFor: "all", IsActive: true, IsOneTime: true})
	ctx := context.Background()

	if _, err := f.svc.CreateSubscription(ctx, identity(30), "30days", "ONCE"); err != nil {
		t.Fatalf("first CreateSubscription() error = %v", err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, err := f.svc.CreateSubscription(ctx, identity(30), "30days", "ONCE")
	assertCode(t, err, apperrors.ErrCodePromoExhausted)

	// Another user may still redeem it.
	if _, err := f.svc.CreateSubscription(ctx, identity(31), "30days", "ONCE"); err != nil {
		t.Fatalf("other user CreateSubscription() error = %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	status, err := f.svc.GetStatus(ctx, 404)
	if err != nil {
		t.Fatalf("GetStatus() unknown user error = %v", err)
	}
	if status.Active || status.SubscriptionKind != "" {
		t.Errorf("unknown user status = %+v, want inactive", status)
	}

	if _, err := f.svc.CreateSubscription(ctx, identity(40), "30days", ""); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(40 * 24 * time.Hour) }
	status, err = f.svc.GetStatus(ctx, 40)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Active || status.DaysRemaining != 0 || status.SubscriptionKind != models.Plan30Days || status.EndDate == nil {
		t.Errorf("expired status = %+v, want inactive 30days with end date", status)
	}
}

func TestResultMessage(t *testing.T) {
	trial, _ := models.LookupPlan("trial")
	month, _ := models.LookupPlan("30days")

	if got := resultMessage(trial, 3, 0); got != "Free trial activated on 3 servers" {
		t.Errorf("resultMessage() = %q", got)
	}
	if got := resultMessage(month, 2, 1); got != "Subscription activated on 2 of 3 servers" {
		t.Errorf("resultMessage() = %q", got)
	}
}
