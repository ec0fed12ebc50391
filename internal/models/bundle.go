package models

import "time"

// ClientRequest describes the panel client to create for one user.
type ClientRequest struct {
	ExternalID   int64
	Plan         PlanKind
	DurationDays int
	ExpiresAt    time.Time // zero means now + DurationDays
}

// ProvisionedClient is a client created on one server's panel. It is not
// persisted; only its connection URI ends up in the bundle.
type ProvisionedClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"` // ms since epoch
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
	Flow       string `json:"flow"`

	// ConnectionURI is filled in after the panel accepted the client.
	ConnectionURI string `json:"-"`
}

// SubscriptionBundle is everything a VPN client app needs to import a
// multi-server subscription.
type SubscriptionBundle struct {
	ExternalID     int64     `json:"external_id"`
	URIs           []string  `json:"uris"`
	Content        string    `json:"content"` // base64 of the header lines + URIs
	Direct         string    `json:"direct"`
	ImportDeepLink string    `json:"import_deep_link"`
	QR             string    `json:"qr"`
	Token          string    `json:"token"` // signs the direct and QR links
	ExpiresAt      time.Time `json:"expires_at"`
}
