package repository

import (
	"context"
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

const serverColumns = `id, name, address, country, enabled,
	panel_url, panel_username, panel_password, inbound_id,
	port, network_type, security, fingerprint, sni, public_key, short_id, spider_x, flow, limit_ip,
	active_subscribers, created_at, updated_at`

// ListEnabled returns enabled servers, least loaded first.
func (r *ServerRepository) ListEnabled(ctx context.Context) ([]*models.GatewayServer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM servers
		WHERE enabled = TRUE
		ORDER BY active_subscribers ASC, id ASC
	`, serverColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query enabled servers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListAll returns every server for the admin view.
func (r *ServerRepository) ListAll(ctx context.Context) ([]*models.GatewayServer, error) {
	query := fmt.Sprintf(`SELECT %s FROM servers ORDER BY id`, serverColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *ServerRepository) scanMany(rows pgx.Rows) ([]*models.GatewayServer, error) {
	var servers []*models.GatewayServer
	for rows.Next() {
		s := &models.GatewayServer{}
		err := rows.Scan(
			&s.ID, &s.Name, &s.Address, &s.Country, &s.Enabled,
			&s.PanelURL, &s.PanelUsername, &s.PanelPassword, &s.InboundID,
			&s.Port, &s.NetworkType, &s.Security, &s.Fingerprint, &s.SNI,
			&s.PublicKey, &s.ShortID, &s.SpiderX, &s.Flow, &s.LimitIP,
			&s.ActiveSubscribers, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}
