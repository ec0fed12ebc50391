package service

import (
	"context"

	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FleetProber checks which servers are reachable right now.
type FleetProber struct {
	gateway     Gateway
	concurrency int
	log         zerolog.Logger
}

func NewFleetProber(gateway Gateway, concurrency int, log zerolog.Logger) *FleetProber {
	if concurrency < 1 {
		concurrency = 1
	}
	return &FleetProber{gateway: gateway, concurrency: concurrency, log: log}
}

// Probe tests every server concurrently and returns the reachable ones in
// input order. It never fails; an unreachable server is simply left out.
func (p *FleetProber) Probe(ctx context.Context, servers []*models.GatewayServer) []*models.GatewayServer {
	reachable := make([]bool, len(servers))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			ok := p.gateway.TestReachability(ctx, server)
			metrics.RecordProbe(ok)
			reachable[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*models.GatewayServer, 0, len(servers))
	for i, server := range servers {
		if reachable[i] {
			out = append(out, server)
		}
	}

	metrics.SetReachableServers(len(out))
	p.log.Info().Int("total", len(servers)).Int("reachable", len(out)).Msg("fleet probed")
	return out
}

// PickOptimal returns the server with the fewest active subscribers; the
// first one wins ties.
func PickOptimal(servers []*models.GatewayServer) (*models.GatewayServer, error) {
	if len(servers) == 0 {
		return nil, apperrors.NoServersAvailable()
	}

	best := servers[0]
	for _, s := range servers[1:] {
		if s.ActiveSubscribers < best.ActiveSubscribers {
			best = s
		}
	}
	return best, nil
}

// PickAllReachable selects every reachable server. Every plan gets the whole
// reachable fleet.
func PickAllReachable(servers []*models.GatewayServer) []*models.GatewayServer {
	return servers
}

// FleetService serves the operator views of the fleet.
type FleetService struct {
	servers ServerStore
	prober  *FleetProber
}

func NewFleetService(servers ServerStore, prober *FleetProber) *FleetService {
	return &FleetService{servers: servers, prober: prober}
}

func (s *FleetService) ListServers(ctx context.Context) ([]models.ServerSummary, error) {
	servers, err := s.servers.ListAll(ctx)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list servers", err)
	}

	out := make([]models.ServerSummary, 0, len(servers))
	for _, srv := range servers {
		out = append(out, srv.Summary())
	}
	return out, nil
}

// Probe checks every enabled server and reports which are reachable.
func (s *FleetService) Probe(ctx context.Context) (*models.ProbeReport, error) {
	servers, err := s.servers.ListEnabled(ctx)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list servers", err)
	}

	reachable := s.prober.Probe(ctx, servers)
	report := &models.ProbeReport{
		Total:        len(servers),
		Reachable:    len(reachable),
		ReachableIDs: make([]int64, 0, len(reachable)),
	}
	for _, srv := range reachable {
		report.ReachableIDs = append(report.ReachableIDs, srv.ID)
	}

	if optimal, err := PickOptimal(reachable); err == nil {
		report.OptimalID = &optimal.ID
	}
	return report, nil
}
