package backstage

import (
	"fmt"
	"os"
	"time"

	"github.com/agauci/orpheum/pkg/audit"
	"gopkg.in/yaml.v3"
)

// SiteConfig carries the per-venue portal settings: where to send the guest
// after a successful authorisation, and which fallback network to offer
// when authorisation fails.
type SiteConfig struct {
	SiteIdentifier     string `yaml:"site_identifier"`
	FriendlyName       string `yaml:"friendly_name"`
	RedirectURL        string `yaml:"redirect_url"`
	BackupWifiSSID     string `yaml:"backup_wifi_ssid"`
	BackupWifiPassword string `yaml:"backup_wifi_password"`
	ConsentText        string `yaml:"consent_text"`
}

// Config holds the backstage broker configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the portal and agent API.
	ListenAddr string `yaml:"listen_addr"`

	// APITokens are the shared secrets accepted from site agents on the
	// /portal and /heartbeat endpoints.
	APITokens []string `yaml:"api_tokens"`

	// AuthoriseTimeout bounds how long a guest's /authorise call waits for
	// an outcome before a synthetic failure is rendered.
	AuthoriseTimeout time.Duration `yaml:"authorise_timeout"`

	// PortalURL and VenueInfoURL feed the RFC 8908 captive portal API
	// response.
	PortalURL    string `yaml:"portal_url"`
	VenueInfoURL string `yaml:"venue_info_url"`

	// CapportTokenTTL is how long an issued capport session token stays
	// recognised after the authorisation that minted it.
	CapportTokenTTL time.Duration `yaml:"capport_token_ttl"`

	// UserDataPath is the JSON lines file guest identities are appended to.
	UserDataPath string `yaml:"user_data_path"`

	// AuditPath is the JSON lines file the audit trail is appended to.
	AuditPath string `yaml:"audit_path"`

	Repository RepositoryConfig `yaml:"repository"`
	Audit      audit.Config     `yaml:"audit"`

	// Sites maps arbitrary config keys to per-venue settings; lookup is by
	// the embedded site identifier.
	Sites map[string]SiteConfig `yaml:"sites"`
}

// DefaultConfig returns broker defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8080",
		AuthoriseTimeout: 15 * time.Second,
		CapportTokenTTL:  24 * time.Hour,
		UserDataPath:     "guest-data.jsonl",
		AuditPath:        "audit.jsonl",
		Repository:       DefaultRepositoryConfig(),
		Audit:            audit.DefaultConfig(),
		Sites:            map[string]SiteConfig{},
	}
}

// LoadConfig reads a YAML broker configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// SiteByIdentifier looks up a venue's settings by its site identifier.
func (c Config) SiteByIdentifier(siteIdentifier string) (SiteConfig, bool) {
	for _, site := range c.Sites {
		if site.SiteIdentifier == siteIdentifier {
			return site, true
		}
	}
	return SiteConfig{}, false
}

// TokenValid reports whether the given agent API token is accepted.
func (c Config) TokenValid(token string) bool {
	for _, t := range c.APITokens {
		if t != "" && t == token {
			return true
		}
	}
	return false
}
