package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gramvpn/provisioning-service/internal/models"
	apperrors "github.com/gramvpn/provisioning-service/internal/pkg/errors"
	"github.com/gramvpn/provisioning-service/internal/pkg/metrics"
	"github.com/rs/zerolog"
)

const maxPanelBody = 1 << 20

// XUIClient talks to 3x-ui panels. One instance serves the whole fleet; the
// only per-server state is the cached panel session.
type XUIClient struct {
	httpClient   *http.Client
	sessions     *SessionCache
	probeTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
}

type XUIOptions struct {
	ProbeTimeout       time.Duration
	InsecureSkipVerify bool
}

// NewXUIClient creates a panel client. Redirects are never followed: 3x-ui
// answers an expired session with a redirect to its login page.
func NewXUIClient(sessions *SessionCache, opts XUIOptions, log zerolog.Logger) *XUIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed panel certificates
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}

	return &XUIClient{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sessions:     sessions,
		probeTimeout: opts.ProbeTimeout,
		log:          log,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// ListenerConfig is the subset of a 3x-ui inbound the service reads.
type ListenerConfig struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	StreamSettings string `json:"streamSettings"`
}

type streamSettings struct {
	Network         string `json:"network"`
	Security        string `json:"security"`
	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		ShortIds    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
			SpiderX     string `json:"spiderX"`
		} `json:"settings"`
	} `json:"realitySettings"`
}

// Apply returns a copy of server whose empty connection parameters are
// filled from the inbound. Values set on the fleet row win.
func (l *ListenerConfig) Apply(server *models.GatewayServer) *models.GatewayServer {
	out := *server
	if out.Port == 0 {
		out.Port = l.Port
	}

	var ss streamSettings
	if l.StreamSettings == "" || json.Unmarshal([]byte(l.StreamSettings), &ss) != nil {
		return &out
	}

	fillEmpty(&out.NetworkType, ss.Network)
	fillEmpty(&out.Security, ss.Security)
	fillEmpty(&out.PublicKey, ss.RealitySettings.Settings.PublicKey)
	fillEmpty(&out.Fingerprint, ss.RealitySettings.Settings.Fingerprint)
	fillEmpty(&out.SpiderX, ss.RealitySettings.Settings.SpiderX)
	if len(ss.RealitySettings.ServerNames) > 0 {
		fillEmpty(&out.SNI, ss.RealitySettings.ServerNames[0])
	}
	if len(ss.RealitySettings.ShortIds) > 0 {
		fillEmpty(&out.ShortID, ss.RealitySettings.ShortIds[0])
	}
	return &out
}

func fillEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// ==================== Panel responses ====================

type panelResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type panelOutcome int

const (
	panelOK panelOutcome = iota
	panelAuthFailure
	panelNotFound
	panelUnexpectedShape
)

func (o panelOutcome) String() string {
	switch o {
	case panelOK:
		return "ok"
	case panelAuthFailure:
		return "auth_failure"
	case panelNotFound:
		return "not_found"
	default:
		return "unexpected_shape"
	}
}

// classifyPanelResponse maps a raw reply to an outcome. A 200 with
// success=false is a rejection, not a success.
func classifyPanelResponse(status int, body []byte) (panelOutcome, *panelResponse) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return panelAuthFailure, nil
	case status >= 300 && status < 400:
		return panelAuthFailure, nil
	case status == http.StatusNotFound:
		return panelNotFound, nil
	case status < 200 || status >= 300:
		return panelUnexpectedShape, nil
	}

	var resp panelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return panelUnexpectedShape, nil
	}
	if !resp.Success {
		return panelNotFound, &resp
	}
	return panelOK, &resp
}

type panelReply struct {
	status  int
	outcome panelOutcome
	resp    *panelResponse
	body    []byte
	cookies []*http.Cookie
}

// detail is the most useful text to put in an error.
func (r *panelReply) detail() string {
	if r.resp != nil && r.resp.Msg != "" {
		return r.resp.Msg
	}
	return truncate(r.body)
}

func (c *XUIClient) call(ctx context.Context, server *models.GatewayServer, op, method, path, token, contentType string, payload []byte) (*panelReply, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, panelURL(server, path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Cookie", token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordGatewayCall(op, "transport_error", time.Since(start))
		return nil, apperrors.GatewayUnavailable(server.Name, fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPanelBody))
	if err != nil {
		metrics.RecordGatewayCall(op, "transport_error", time.Since(start))
		return nil, apperrors.GatewayUnavailable(server.Name, fmt.Errorf("read %s response: %w", op, err))
	}

	outcome, parsed := classifyPanelResponse(resp.StatusCode, raw)
	metrics.RecordGatewayCall(op, outcome.String(), time.Since(start))

	return &panelReply{
		status:  resp.StatusCode,
		outcome: outcome,
		resp:    parsed,
		body:    raw,
		cookies: resp.Cookies(),
	}, nil
}

// ==================== Operations ====================

// Authenticate logs into the server's panel and caches the session cookie.
func (c *XUIClient) Authenticate(ctx context.Context, server *models.GatewayServer) (string, error) {
	form := url.Values{}
	form.Set("username", server.PanelUsername)
	form.Set("password", server.PanelPassword)

	reply, err := c.call(ctx, server, "login", http.MethodPost, "/login", "",
		"application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return "", err
	}

	switch reply.outcome {
	case panelOK:
	case panelUnexpectedShape:
		return "", apperrors.GatewayUnavailable(server.Name,
			fmt.Errorf("login returned status %d: %s", reply.status, reply.detail()))
	default:
		return "", apperrors.GatewayAuth(server.Name,
			fmt.Errorf("login rejected with status %d: %s", reply.status, reply.detail()))
	}

	if len(reply.cookies) == 0 {
		return "", apperrors.GatewayAuth(server.Name, errors.New("login response carried no session cookie"))
	}

	token := reply.cookies[0].Name + "=" + reply.cookies[0].Value
	c.sessions.Put(ctx, server, token)

	c.log.Debug().Int64("server_id", server.ID).Msg("panel login ok")
	return token, nil
}

// FetchListenerConfig reads the server's inbound.
func (c *XUIClient) FetchListenerConfig(ctx context.Context, server *models.GatewayServer, token string) (*ListenerConfig, error) {
	path := fmt.Sprintf("/panel/api/inbounds/get/%d", server.InboundID)
	reply, err := c.call(ctx, server, "get_inbound", http.MethodGet, path, token, "", nil)
	if err != nil {
		return nil, err
	}

	switch reply.outcome {
	case panelAuthFailure:
		return nil, apperrors.GatewayAuth(server.Name,
			fmt.Errorf("inbound %d: session rejected with status %d", server.InboundID, reply.status))
	case panelNotFound:
		return nil, apperrors.GatewayUnavailable(server.Name,
			fmt.Errorf("inbound %d not found: %s", server.InboundID, reply.detail()))
	case panelUnexpectedShape:
		return nil, apperrors.GatewayUnavailable(server.Name,
			fmt.Errorf("unexpected inbound response (status %d): %s", reply.status, truncate(reply.body)))
	}

	var listener ListenerConfig
	if err := json.Unmarshal(reply.resp.Obj, &listener); err != nil || listener.ID == 0 {
		return nil, apperrors.GatewayUnavailable(server.Name,
			fmt.Errorf("unexpected inbound payload: %s", truncate(reply.resp.Obj)))
	}

	return &listener, nil
}

type addClientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

// AddClient registers a client on the server's inbound.
func (c *XUIClient) AddClient(ctx context.Context, server *models.GatewayServer, token string, client *models.ProvisionedClient) error {
	settings, err := json.Marshal(map[string]interface{}{
		"clients": []*models.ProvisionedClient{client},
	})
	if err != nil {
		return fmt.Errorf("marshal client settings: %w", err)
	}

	payload, err := json.Marshal(addClientRequest{ID: server.InboundID, Settings: string(settings)})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	reply, err := c.call(ctx, server, "add_client", http.MethodPost, "/panel/api/inbounds/addClient",
		token, "application/json", payload)
	if err != nil {
		return err
	}

	switch reply.outcome {
	case panelOK:
		return nil
	case panelAuthFailure:
		return apperrors.GatewayAuth(server.Name,
			fmt.Errorf("addClient: session rejected with status %d", reply.status))
	case panelNotFound:
		return apperrors.GatewayProvision(server.Name, fmt.Errorf("addClient rejected: %s", reply.detail()))
	default:
		return apperrors.GatewayProvision(server.Name,
			fmt.Errorf("unexpected addClient response (status %d): %s", reply.status, truncate(reply.body)))
	}
}

// withSession runs fn with a panel session. A cached session the panel
// rejects is dropped and fn is retried exactly once after a fresh login.
func (c *XUIClient) withSession(ctx context.Context, server *models.GatewayServer, fn func(token string) error) error {
	token, cached := c.sessions.Get(ctx, server)
	if !cached {
		var err error
		if token, err = c.Authenticate(ctx, server); err != nil {
			return err
		}
	}

	err := fn(token)
	if err == nil || !cached || !apperrors.HasCode(err, apperrors.ErrCodeGatewayAuth) {
		return err
	}

	c.log.Info().Int64("server_id", server.ID).Msg("cached panel session rejected, re-authenticating")
	c.sessions.Invalidate(ctx, server)

	token, err = c.Authenticate(ctx, server)
	if err != nil {
		return err
	}
	return fn(token)
}

// ProvisionClient creates a fresh client for the user on the server and
// returns it with its connection URI.
func (c *XUIClient) ProvisionClient(ctx context.Context, server *models.GatewayServer, req *models.ClientRequest) (*models.ProvisionedClient, error) {
	client := newPanelClient(server, req, c.newID(), c.now())

	err := c.withSession(ctx, server, func(token string) error {
		listener, err := c.FetchListenerConfig(ctx, server, token)
		if err != nil {
			return err
		}
		if !listener.Enable {
			return apperrors.GatewayUnavailable(server.Name, fmt.Errorf("inbound %d is disabled", listener.ID))
		}

		if err := c.AddClient(ctx, server, token, client); err != nil {
			return err
		}
		client.ConnectionURI = BuildConnectionURI(listener.Apply(server), client)
		return nil
	})
	if err != nil {
		c.log.Warn().Err(err).Int64("server_id", server.ID).Int64("external_id", req.ExternalID).
			Msg("provision client failed")
		return nil, err
	}

	c.log.Info().Int64("server_id", server.ID).Int64("external_id", req.ExternalID).
		Str("client_id", client.ID).Msg("client provisioned")
	return client, nil
}

// RevokeClient deletes a client from the server's inbound.
func (c *XUIClient) RevokeClient(ctx context.Context, server *models.GatewayServer, clientID string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", server.InboundID, url.PathEscape(clientID))

	return c.withSession(ctx, server, func(token string) error {
		reply, err := c.call(ctx, server, "del_client", http.MethodPost, path, token, "", nil)
		if err != nil {
			return err
		}
		switch reply.outcome {
		case panelOK:
			return nil
		case panelAuthFailure:
			return apperrors.GatewayAuth(server.Name,
				fmt.Errorf("delClient: session rejected with status %d", reply.status))
		default:
			return apperrors.GatewayProvision(server.Name, fmt.Errorf("delClient failed: %s", reply.detail()))
		}
	})
}

// TestReachability reports whether the panel accepts a login within the
// probe timeout. It never fails loudly.
func (c *XUIClient) TestReachability(ctx context.Context, server *models.GatewayServer) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	if _, err := c.Authenticate(ctx, server); err != nil {
		c.log.Debug().Err(err).Int64("server_id", server.ID).Msg("server unreachable")
		return false
	}
	return true
}

// ==================== Helpers ====================

// newPanelClient builds the client record sent to the panel. The email tag
// correlates the panel entry with the user and plan.
func newPanelClient(server *models.GatewayServer, req *models.ClientRequest, id string, now time.Time) *models.ProvisionedClient {
	expiry := req.ExpiresAt
	if expiry.IsZero() {
		expiry = now.Add(time.Duration(req.DurationDays) * 24 * time.Hour)
	}

	return &models.ProvisionedClient{
		ID:         id,
		Email:      fmt.Sprintf("%s_%d_%d", req.Plan, req.ExternalID, now.UnixMilli()),
		LimitIP:    server.LimitIP,
		TotalGB:    0,
		ExpiryTime: expiry.UnixMilli(),
		Enable:     true,
		TgID:       strconv.FormatInt(req.ExternalID, 10),
		SubID:      subscriptionID(id),
		Flow:       server.Flow,
	}
}

func subscriptionID(clientID string) string {
	s := strings.ReplaceAll(clientID, "-", "")
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}

func panelURL(server *models.GatewayServer, path string) string {
	return strings.TrimRight(server.PanelURL, "/") + path
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
