package client

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gramvpn/provisioning-service/internal/models"
)

// BuildConnectionURI renders the vless:// URI for a client on a server.
// Missing parameters serialize as empty strings; the output depends only on
// the inputs.
func BuildConnectionURI(server *models.GatewayServer, client *models.ProvisionedClient) string {
	flow := client.Flow
	if flow == "" {
		flow = server.Flow
	}

	return fmt.Sprintf("vless://%s@%s:%d?type=%s&security=%s&pbk=%s&fp=%s&sni=%s&sid=%s&spx=%s&flow=%s#%s",
		client.ID,
		server.Address,
		server.Port,
		server.NetworkType,
		server.Security,
		server.PublicKey,
		server.Fingerprint,
		server.SNI,
		server.ShortID,
		encodeComponent(server.SpiderX),
		flow,
		encodeComponent(server.Label()),
	)
}

// encodeComponent percent-encodes s for use inside a URI component, spaces
// as %20.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
