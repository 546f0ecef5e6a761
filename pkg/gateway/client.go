// Package gateway wraps the gateway appliance's admin API: admin login and
// logout, the authorize-guest command, and the active clients listing. The
// client is stateless; admin sessions are owned by the session pool and
// passed in per call.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	loginPath         = "/api/auth/login"
	logoutPath        = "/api/auth/logout"
	commandPath       = "/proxy/network/api/s/default/cmd/stamgr"
	activeClientsPath = "/proxy/network/v2/api/site/default/clients/active?includeTrafficUsage=false&includeUnifiDevices=false"
)

// Config holds gateway client settings.
type Config struct {
	// BaseURL is the gateway admin API root, e.g. https://localhost.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// RequestTimeout bounds each individual admin API call.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns gateway client defaults for the common case of an
// agent co-located with the gateway.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://localhost",
		RequestTimeout: 10 * time.Second,
	}
}

// Client talks to the gateway admin API.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// LoginResult carries the credentials harvested from a successful admin
// login.
type LoginResult struct {
	Cookie    string
	CSRFToken string
}

// NewClient creates a gateway admin API client. Certificate validation is
// disabled: the admin API presents a self-signed certificate and traffic
// never leaves the appliance.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger,
	}
}

// Login performs an admin login and returns the session cookie and CSRF
// token to be carried on subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	c.logger.Debug("Attempting gateway admin login", zap.String("username", username))

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		Post(loginPath)
	if err != nil {
		return LoginResult{}, fmt.Errorf("gateway login request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return LoginResult{}, fmt.Errorf("gateway login failed: status %d, body %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Gateway admin login successful", zap.String("username", username))

	return LoginResult{
		Cookie:    resp.Header().Get("Set-Cookie"),
		CSRFToken: resp.Header().Get("X-Csrf-Token"),
	}, nil
}

// AuthorizeDevice issues the authorize-guest command for the given MAC pair.
func (c *Client) AuthorizeDevice(ctx context.Context, session *Session, mac, apMac string) error {
	c.logger.Debug("Attempting gateway device authorisation",
		zap.String("username", session.Username),
		zap.String("mac", mac),
		zap.String("ap_mac", apMac),
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", session.Cookie).
		SetHeader("X-Csrf-Token", session.CSRFToken).
		SetBody(map[string]string{"cmd": "authorize-guest", "mac": mac, "ap_mac": apMac}).
		Post(commandPath)
	if err != nil {
		return fmt.Errorf("gateway authorize request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("gateway authorize failed: status %d, body %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Gateway device authorisation successful",
		zap.String("mac", mac),
		zap.String("ap_mac", apMac),
	)
	return nil
}

// ActiveDevices lists the gateway's currently active clients. The listing
// includes unauthorised devices; callers filter as needed.
func (c *Client) ActiveDevices(ctx context.Context, session *Session) ([]ActiveDevice, error) {
	var devices []ActiveDevice

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", session.Cookie).
		SetHeader("X-Csrf-Token", session.CSRFToken).
		SetResult(&devices).
		ForceContentType("application/json").
		Get(activeClientsPath)
	if err != nil {
		return nil, fmt.Errorf("gateway active clients request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("gateway active clients failed: status %d, body %s", resp.StatusCode(), resp.String())
	}

	return devices, nil
}

// Logout terminates an admin session on the gateway.
func (c *Client) Logout(ctx context.Context, session *Session) error {
	c.logger.Debug("Attempting gateway admin logout", zap.String("username", session.Username))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", session.Cookie).
		SetHeader("X-Csrf-Token", session.CSRFToken).
		Post(logoutPath)
	if err != nil {
		return fmt.Errorf("gateway logout request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("gateway logout failed: status %d, body %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Gateway admin logout successful", zap.String("username", session.Username))
	return nil
}
