package models

import (
	"strconv"
	"time"
)

// GatewayServer is one VPN node managed through its own 3x-ui panel.
type GatewayServer struct {
	ID      int64
	Name    string
	Address string // host used in connection URIs
	Country string
	Enabled bool

	// Panel access
	PanelURL      string
	PanelUsername string
	PanelPassword string
	InboundID     int

	// Connection parameters (VLESS + Reality)
	Port        int
	NetworkType string
	Security    string
	Fingerprint string
	SNI         string
	PublicKey   string
	ShortID     string
	SpiderX     string
	Flow        string
	LimitIP     int

	ActiveSubscribers int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Label is the human-readable name used as the URI fragment.
func (s *GatewayServer) Label() string {
	return s.Country + "-" + s.Name
}

// SessionKey identifies a panel login: the same panel account on the same
// host shares one session.
func (s *GatewayServer) SessionKey() string {
	return s.Address + ":" + s.PanelUsername
}

func (s *GatewayServer) String() string {
	return s.Name + "#" + strconv.FormatInt(s.ID, 10)
}

// ServerSummary is the admin and result view of a server.
type ServerSummary struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Country           string `json:"country"`
	Address           string `json:"address"`
	Enabled           bool   `json:"enabled"`
	ActiveSubscribers int    `json:"active_subscribers"`
}

func (s *GatewayServer) Summary() ServerSummary {
	return ServerSummary{
		ID:                s.ID,
		Name:              s.Name,
		Country:           s.Country,
		Address:           s.Address,
		Enabled:           s.Enabled,
		ActiveSubscribers: s.ActiveSubscribers,
	}
}

// ProbeReport is the result of probing the fleet.
type ProbeReport struct {
	Total        int     `json:"total"`
	Reachable    int     `json:"reachable"`
	ReachableIDs []int64 `json:"reachable_ids"`
	OptimalID    *int64  `json:"optimal_id,omitempty"` // least loaded reachable server
}
