package agent

import (
	"fmt"
	"os"

	"github.com/agauci/orpheum/pkg/devicecache"
	"github.com/agauci/orpheum/pkg/gateway"
	"github.com/agauci/orpheum/pkg/pool"
	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration.
type Config struct {
	// SiteIdentifier names the venue network this agent serves. It is
	// propagated to the components that filter on it.
	SiteIdentifier string `yaml:"site_identifier"`

	// MetricsListenAddr is where the Prometheus endpoint is served.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	// GatewayCredentials is the comma-separated "user:pass" list the
	// session pool draws admin sessions from.
	GatewayCredentials string `yaml:"gateway_credentials"`

	Backstage    BackstageConfig    `yaml:"backstage"`
	Gateway      gateway.Config     `yaml:"gateway"`
	Pool         pool.Config        `yaml:"pool"`
	DeviceCache  devicecache.Config `yaml:"device_cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Capport      CapportConfig      `yaml:"capport"`
}

// DefaultConfig returns sensible agent defaults.
func DefaultConfig() Config {
	return Config{
		MetricsListenAddr: ":9100",
		Backstage:         DefaultBackstageConfig(),
		Gateway:           gateway.DefaultConfig(),
		Pool:              pool.DefaultConfig(),
		DeviceCache:       devicecache.DefaultConfig(),
		Orchestrator:      DefaultOrchestratorConfig(),
		Heartbeat:         DefaultHeartbeatConfig(),
		Capport:           DefaultCapportConfig(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applySiteIdentifier()
	return cfg, nil
}

// applySiteIdentifier pushes the top-level site identifier into the
// components that have not been given one explicitly.
func (c *Config) applySiteIdentifier() {
	if c.SiteIdentifier == "" {
		return
	}
	if c.DeviceCache.SiteIdentifier == "" {
		c.DeviceCache.SiteIdentifier = c.SiteIdentifier
	}
	if c.Orchestrator.SiteIdentifier == "" {
		c.Orchestrator.SiteIdentifier = c.SiteIdentifier
	}
	if c.Capport.SiteIdentifier == "" {
		c.Capport.SiteIdentifier = c.SiteIdentifier
	}
}

// Validate checks the configuration is complete enough to start.
func (c Config) Validate() error {
	if c.Backstage.BaseURL == "" {
		return fmt.Errorf("backstage base_url is required")
	}
	if c.GatewayCredentials == "" {
		return fmt.Errorf("gateway_credentials is required")
	}
	if c.Orchestrator.SiteIdentifier == "" {
		return fmt.Errorf("site_identifier is required")
	}
	return nil
}
