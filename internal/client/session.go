package client

import (
	"context"
	"time"

	"github.com/gramvpn/provisioning-service/internal/cache"
	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/gramvpn/provisioning-service/internal/pkg/metrics"
	"github.com/rs/zerolog"
)

const sessionKeyPrefix = "xui:session:"

// SessionCache remembers panel session cookies per (server address, panel
// username). Cache backend errors are logged and treated as misses.
type SessionCache struct {
	store cache.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

func NewSessionCache(store cache.Cache, ttl time.Duration, log zerolog.Logger) *SessionCache {
	return &SessionCache{store: store, ttl: ttl, log: log}
}

func (s *SessionCache) Get(ctx context.Context, server *models.GatewayServer) (string, bool) {
	token, ok, err := s.store.Get(ctx, sessionKeyPrefix+server.SessionKey())
	if err != nil {
		s.log.Warn().Err(err).Int64("server_id", server.ID).Msg("session cache read failed")
		ok = false
	}
	metrics.RecordSessionCache(ok)
	return token, ok
}

func (s *SessionCache) Put(ctx context.Context, server *models.GatewayServer, token string) {
	if err := s.store.Set(ctx, sessionKeyPrefix+server.SessionKey(), token, s.ttl); err != nil {
		s.log.Warn().Err(err).Int64("server_id", server.ID).Msg("session cache write failed")
	}
}

func (s *SessionCache) Invalidate(ctx context.Context, server *models.GatewayServer) {
	if err := s.store.Delete(ctx, sessionKeyPrefix+server.SessionKey()); err != nil {
		s.log.Warn().Err(err).Int64("server_id", server.ID).Msg("session cache delete failed")
	}
}
