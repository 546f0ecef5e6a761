package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/agauci/orpheum/pkg/portal"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BackstageConfig holds settings for the cloud API client.
type BackstageConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIToken       string        `yaml:"api_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultBackstageConfig returns the default cloud client settings.
func DefaultBackstageConfig() BackstageConfig {
	return BackstageConfig{
		RequestTimeout: 10 * time.Second,
	}
}

// BackstageClient talks to the cloud portal API. Calls run through a
// circuit breaker so a broker outage does not pile up blocked poll cycles.
type BackstageClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBackstageClient creates a cloud API client.
func NewBackstageClient(config BackstageConfig, logger *zap.Logger) *BackstageClient {
	httpClient := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.RequestTimeout).
		SetHeader("X-Auth-Token", config.APIToken)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backstage",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Cloud API circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BackstageClient{
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

// PendingAuthorisations fetches the requests awaiting execution for the
// given site.
func (c *BackstageClient) PendingAuthorisations(ctx context.Context, siteIdentifier string) ([]portal.AuthorisationRequest, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var requests []portal.AuthorisationRequest
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("site_identifier", siteIdentifier).
			SetResult(&requests).
			ForceContentType("application/json").
			Get("/portal")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("pending authorisations returned status %d: %s", resp.StatusCode(), resp.String())
		}
		return requests, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]portal.AuthorisationRequest), nil
}

// NotifyOutcome reports an authorisation outcome back to the cloud.
func (c *BackstageClient) NotifyOutcome(ctx context.Context, outcome portal.AuthorisationOutcome) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(outcome).
			Post("/portal")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("notify outcome returned status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	return err
}

// RefreshHeartbeat records this component as alive on the cloud side.
func (c *BackstageClient) RefreshHeartbeat(ctx context.Context, hbType, identifier string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("type", hbType).
			SetQueryParam("identifier", identifier).
			Post("/heartbeat/refresh")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("heartbeat refresh returned status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	return err
}
