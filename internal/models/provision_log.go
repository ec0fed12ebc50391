package models

import "time"

// Provision log actions
const (
	LogActionProvisionStarted   = "provision_started"
	LogActionServerFailed       = "server_failed"
	LogActionProvisionCompleted = "provision_completed"
	LogActionProvisionFailed    = "provision_failed"
	LogActionClientRevoked      = "client_revoked"
)

// ProvisionLog is an audit entry for one milestone of a provisioning run.
type ProvisionLog struct {
	ID        string
	UserID    int64
	Action    string
	Status    string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}
