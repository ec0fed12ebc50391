package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
)

// FakeGateway is an in-memory stand-in for the panel fleet, selected with
// GATEWAY_MODE=fake for local development and used by tests. Every server is
// reachable and accepts clients unless told otherwise.
type FakeGateway struct {
	mu          sync.Mutex
	unreachable map[int64]bool
	failures    map[int64]error
	clients     map[int64][]*models.ProvisionedClient
	probes      int
	provisions  int
	revokes     int
	now         func() time.Time
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		unreachable: make(map[int64]bool),
		failures:    make(map[int64]error),
		clients:     make(map[int64][]*models.ProvisionedClient),
		now:         time.Now,
	}
}

// SetUnreachable makes probes of the server fail.
func (f *FakeGateway) SetUnreachable(serverID int64, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[serverID] = unreachable
}

// FailProvision makes ProvisionClient on the server return err. A nil err
// clears the failure.
func (f *FakeGateway) FailProvision(serverID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, serverID)
		return
	}
	f.failures[serverID] = err
}

func (f *FakeGateway) TestReachability(ctx context.Context, server *models.GatewayServer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if ctx.Err() != nil {
		return false
	}
	return !f.unreachable[server.ID]
}

func (f *FakeGateway) ProvisionClient(ctx context.Context, server *models.GatewayServer, req *models.ClientRequest) (*models.ProvisionedClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions++

	if err := ctx.Err(); err != nil {
		return nil, apperrors.GatewayUnavailable(server.Name, err)
	}
	if err, ok := f.failures[server.ID]; ok {
		return nil, err
	}

	client := newPanelClient(server, req, uuid.New().String(), f.now())
	client.ConnectionURI = BuildConnectionURI(server, client)
	f.clients[server.ID] = append(f.clients[server.ID], client)
	return client, nil
}

func (f *FakeGateway) RevokeClient(_ context.Context, server *models.GatewayServer, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes++

	list := f.clients[server.ID]
	for i, c := range list {
		if c.ID == clientID {
			f.clients[server.ID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return apperrors.GatewayProvision(server.Name, errors.New("client not found"))
}

// Clients returns the clients currently registered on a server.
func (f *FakeGateway) Clients(serverID int64) []*models.ProvisionedClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ProvisionedClient, len(f.clients[serverID]))
	copy(out, f.clients[serverID])
	return out
}

// Calls returns the number of probe, provision and revoke calls made.
func (f *FakeGateway) Calls() (probes, provisions, revokes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.provisions, f.revokes
}
