// Package app wires configuration, storage, caches, the gateway and the
// services into one object shared by the API server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gramvpn/provisioning-service/internal/cache"
	"github.com/gramvpn/provisioning-service/internal/client"
	"github.com/gramvpn/provisioning-service/internal/config"
	"github.com/gramvpn/provisioning-service/internal/db"
	"github.com/gramvpn/provisioning-service/internal/pkg/logger"
	"github.com/gramvpn/provisioning-service/internal/repository"
	"github.com/gramvpn/provisioning-service/internal/service"
	"github.com/rs/zerolog"
)

const sweepInterval = time.Minute

type App struct {
	Config    *config.Config
	DB        *db.Database
	Cache     cache.Cache
	Gateway   service.Gateway
	Ledger    *service.Ledger
	Fleet     *service.FleetService
	Provision *service.ProvisionService

	log    zerolog.Logger
	closer func() error
}

// New connects to PostgreSQL and, when enabled, Redis, then builds the
// services. The gateway strategy is fixed here for the process lifetime.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	database, err := db.New(ctx, cfg, logger.Component(log, "db"))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	a := &App{Config: cfg, DB: database, log: log}

	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "storefront:",
		})
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Cache = rc
		a.closer = rc.Close
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cache")
	} else {
		a.Cache = cache.NewMemoryCache()
		log.Info().Msg("using in-memory cache")
	}

	a.Gateway = newGateway(cfg, a.Cache, log)
	a.build(log)
	return a, nil
}

func newGateway(cfg *config.Config, store cache.Cache, log zerolog.Logger) service.Gateway {
	gwLog := logger.Component(log, "gateway")
	if cfg.Gateway.Mode == config.GatewayModeFake {
		gwLog.Warn().Msg("using fake gateway, no panel will be contacted")
		return client.NewFakeGateway()
	}

	sessions := client.NewSessionCache(store, cfg.Gateway.SessionTTL, gwLog)
	return client.NewXUIClient(sessions, client.XUIOptions{
		ProbeTimeout:       cfg.Gateway.ProbeTimeout,
		InsecureSkipVerify: cfg.Gateway.InsecureSkipVerify,
	}, gwLog)
}

func (a *App) build(log zerolog.Logger) {
	pool := a.DB.Pool
	cfg := a.Config

	users := repository.NewUserRepository(pool)
	subscriptions := repository.NewSubscriptionRepository(pool)
	servers := repository.NewServerRepository(pool)
	promos := repository.NewPromoRepository(pool)
	referrals := repository.NewReferralRepository(pool)
	provisioning := repository.NewProvisioningRepository(pool)
	logs := repository.NewLogRepository(pool)

	svcLog := logger.Component(log, "service")
	prober := service.NewFleetProber(a.Gateway, cfg.Gateway.ProbeConcurrency, svcLog)

	a.Ledger = service.NewLedger(promos, referrals, cfg.Referral.BonusDays, svcLog)
	a.Fleet = service.NewFleetService(servers, prober)
	a.Provision = service.NewProvisionService(cfg, service.ProvisionDeps{
		Users:         service.NewUserService(users, a.Ledger, svcLog),
		Subscriptions: subscriptions,
		Servers:       servers,
		Store:         provisioning,
		Ledger:        a.Ledger,
		Gateway:       a.Gateway,
		Prober:        prober,
		Bundles:       service.NewBundleBuilder(cfg.Server.Brand, cfg.Server.PublicBaseURL, []byte(cfg.InternalSecret)),
		BundleStore:   service.NewBundleStore(a.Cache),
		Audit:         logs,
	}, logger.Component(log, "provision"))
}

// Sweeper drops stale in-process entries and reports how many went.
type Sweeper func() int

// RunJanitor periodically drops expired in-memory cache entries and runs the
// extra sweepers until ctx is done. Redis expires keys itself.
func (a *App) RunJanitor(ctx context.Context, extra ...Sweeper) {
	var sweepers []Sweeper
	if mem, ok := a.Cache.(*cache.MemoryCache); ok {
		sweepers = append(sweepers, mem.Sweep)
	}
	sweepers = append(sweepers, extra...)
	if len(sweepers) == 0 {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := 0
			for _, sw := range sweepers {
				dropped += sw()
			}
			if dropped > 0 {
				a.log.Debug().Int("dropped", dropped).Msg("janitor sweep")
			}
		}
	}
}

func (a *App) Close() {
	if a.closer != nil {
		if err := a.closer(); err != nil {
			a.log.Warn().Err(err).Msg("close cache")
		}
	}
	a.DB.Close()
}
