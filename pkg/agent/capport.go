package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agauci/orpheum/pkg/devicecache"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CapportConfig holds the edge captive portal API settings.
type CapportConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	PortalURL      string `yaml:"portal_url"`
	VenueInfoURL   string `yaml:"venue_info_url"`
	SiteIdentifier string `yaml:"site_identifier"`
}

// DefaultCapportConfig returns the default edge capport settings.
func DefaultCapportConfig() CapportConfig {
	return CapportConfig{
		ListenAddr: ":9090",
	}
}

// capportState is the RFC 8908 captive portal API body.
type capportState struct {
	Captive          bool   `json:"captive"`
	UserPortalURL    string `json:"user-portal-url"`
	VenueInfoURL     string `json:"venue-info-url,omitempty"`
	CanExtendSession bool   `json:"can-extend-session"`
}

// CapportServer serves the RFC 8908 captive portal API on the venue
// network. Captivity is decided from the device cache: a device present
// and authorised is no longer captive.
type CapportServer struct {
	config CapportConfig
	cache  *devicecache.Cache
	logger *zap.Logger

	router chi.Router
}

// NewCapportServer creates the edge captive portal API server.
func NewCapportServer(config CapportConfig, cache *devicecache.Cache, logger *zap.Logger) *CapportServer {
	s := &CapportServer{
		config: config,
		cache:  cache,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Get("/.well-known/captive-portal", s.handleCapport)
	s.router = r

	return s
}

// Handler returns the server's HTTP handler.
func (s *CapportServer) Handler() http.Handler {
	return s.router
}

func (s *CapportServer) handleCapport(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	captive := true
	if device, ok := s.cache.GetByIP(ip); ok && device.Authorized {
		captive = false
	}

	state := capportState{
		Captive:          captive,
		UserPortalURL:    s.portalURL(ip),
		VenueInfoURL:     s.config.VenueInfoURL,
		CanExtendSession: false,
	}

	s.logger.Debug("Serving capport state",
		zap.String("ip", ip),
		zap.Bool("captive", captive),
	)

	w.Header().Set("Content-Type", "application/captive+json")
	w.Header().Set("Cache-Control", "private")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		s.logger.Error("Failed to encode capport state", zap.Error(err))
	}
}

// portalURL builds the consent page URL carrying the device IP so the
// cloud side can hand it back on submission.
func (s *CapportServer) portalURL(ip string) string {
	query := url.Values{}
	query.Set("ip", ip)
	query.Set("ssid", s.config.SiteIdentifier)
	query.Set("t", fmt.Sprintf("%d", time.Now().UnixMilli()))
	return s.config.PortalURL + "?" + query.Encode()
}

// clientIP resolves the requesting device's LAN address. Forwarding
// headers are consulted first, preferring private addresses since the
// gateway NATs the probe through its own uplink otherwise.
func clientIP(r *http.Request) string {
	var candidates []string
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := strings.TrimSpace(part); ip != "" {
			candidates = append(candidates, ip)
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		candidates = append(candidates, ip)
	}

	for _, candidate := range candidates {
		if parsed := net.ParseIP(candidate); parsed != nil && parsed.IsPrivate() {
			return candidate
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
