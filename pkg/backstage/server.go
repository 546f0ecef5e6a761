package backstage

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agauci/orpheum/pkg/audit"
	"github.com/agauci/orpheum/pkg/metrics"
	"github.com/agauci/orpheum/pkg/portal"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConsentPage carries the template data for the captive portal consent page.
type ConsentPage struct {
	MACAddress            string
	AccessPointMACAddress string
	IP                    string
	SiteIdentifier        string
	Timestamp             int64
	ConsentText           string
}

// SuccessPage carries the template data for the post-authorisation page.
type SuccessPage struct {
	SiteIdentifier string
	RedirectURL    string
}

// ErrorPage carries the template data for the failure page, including the
// fallback network details when the venue configured one.
type ErrorPage struct {
	Message            string
	BackupWifiSSID     string
	BackupWifiPassword string
}

// PageRenderer renders the guest-facing portal pages. HTML presentation is
// owned by a collaborator outside this package.
type PageRenderer interface {
	Consent(w http.ResponseWriter, page ConsentPage)
	Success(w http.ResponseWriter, page SuccessPage)
	Error(w http.ResponseWriter, page ErrorPage)
}

// UserData is the guest identity captured alongside a consent submission.
type UserData struct {
	FirstName      string
	LastName       string
	Email          string
	ConsentText    string
	SiteIdentifier string
}

// UserDataSink receives captured guest identities. Persistence is owned by
// a collaborator outside this package; a sink failure never blocks the
// authorisation flow.
type UserDataSink interface {
	Record(ctx context.Context, data UserData) error
}

// Server is the backstage HTTP surface: the guest-facing portal pages, the
// agent-facing pending/outcome API, and the RFC 8908 captive portal API.
type Server struct {
	config     Config
	repository *AuthRepository
	heartbeats *HeartbeatStore
	renderer   PageRenderer
	userData   UserDataSink
	metrics    *metrics.Broker
	trail      *audit.Logger
	logger     *zap.Logger

	router chi.Router

	// capport session tokens handed out as cookies; a token present here
	// means the device already passed through the portal flow. Tokens are
	// stamped with their issue time and swept once past the configured TTL.
	capportMu     sync.Mutex
	capportTokens map[string]time.Time
}

// NewServer creates the backstage HTTP server.
func NewServer(config Config, repository *AuthRepository, heartbeats *HeartbeatStore,
	renderer PageRenderer, userData UserDataSink, m *metrics.Broker, trail *audit.Logger, logger *zap.Logger) *Server {

	s := &Server{
		config:        config,
		repository:    repository,
		heartbeats:    heartbeats,
		renderer:      renderer,
		userData:      userData,
		metrics:       m,
		trail:         trail,
		logger:        logger,
		capportTokens: make(map[string]time.Time),
	}

	r := chi.NewRouter()

	// Guest-facing pages, no token required.
	r.Get("/", s.handleConsent)
	r.Get("/guest/s/{network}/", s.handleConsent)
	r.Post("/guest/s/{network}/", s.handleConsent)
	r.Post("/authorise", s.handleAuthorise)
	r.Get("/.well-known/captive-portal", s.handleCapport)

	// Agent-facing API behind the shared secret.
	r.Group(func(r chi.Router) {
		r.Use(s.tokenMiddleware)
		r.Get("/portal", s.handlePending)
		r.Post("/portal", s.handleOutcome)
		r.Post("/heartbeat/refresh", s.handleHeartbeatRefresh)
		r.Get("/heartbeat", s.handleHeartbeatList)
	})

	s.router = r
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// tokenMiddleware authenticates agent calls via the X-Auth-Token header or
// an Authorization bearer token.
func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = auth[len("Bearer "):]
			}
		}
		if !s.config.TokenValid(token) {
			s.logger.Warn("Rejected agent API call with invalid token", zap.String("path", r.URL.Path))
			s.trail.Record(audit.Event{Type: audit.EventAPIAuthFailure, Message: r.URL.Path})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlePending serves the agent's poll for registered-but-unresolved
// requests on its site.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	siteIdentifier := r.URL.Query().Get("site_identifier")
	pending := s.repository.Pending(siteIdentifier)

	s.logger.Debug("Resolved pending authorisation requests",
		zap.String("site_identifier", siteIdentifier),
		zap.Int("count", len(pending)),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pending); err != nil {
		s.logger.Error("Failed to encode pending requests", zap.Error(err))
	}
}

// handleOutcome records an authorisation outcome delivered by an agent.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome portal.AuthorisationOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		http.Error(w, "invalid outcome payload", http.StatusBadRequest)
		return
	}

	s.logger.Debug("Received authorisation outcome",
		zap.String("request_id", outcome.Request.ID()),
		zap.String("outcome", string(outcome.Outcome)),
	)

	if !s.repository.ReportOutcome(outcome) {
		s.metrics.OutcomesDropped.Inc()
	}

	w.WriteHeader(http.StatusOK)
}

// handleConsent renders the consent page with the identity parameters the
// gateway redirect supplied.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	timestamp, _ := strconv.ParseInt(r.URL.Query().Get("t"), 10, 64)

	page := ConsentPage{
		MACAddress:            r.URL.Query().Get("id"),
		AccessPointMACAddress: r.URL.Query().Get("ap"),
		IP:                    r.URL.Query().Get("ip"),
		SiteIdentifier:        r.URL.Query().Get("ssid"),
		Timestamp:             timestamp,
	}
	if site, ok := s.config.SiteByIdentifier(page.SiteIdentifier); ok {
		page.ConsentText = site.ConsentText
	}

	s.renderer.Consent(w, page)
}

// handleAuthorise is the guest's consent submission. It registers the
// request with the repository and blocks until the agent delivers an
// outcome or the configured timeout elapses.
func (s *Server) handleAuthorise(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	timestamp, _ := strconv.ParseInt(r.PostFormValue("t"), 10, 64)
	request := portal.AuthorisationRequest{
		MACAddress:            r.PostFormValue("id"),
		AccessPointMACAddress: r.PostFormValue("ap"),
		IP:                    r.PostFormValue("ip"),
		SiteIdentifier:        r.PostFormValue("ssid"),
		Timestamp:             timestamp,
	}

	s.logger.Debug("Received portal authorise request", zap.String("request_id", request.ID()))

	site, ok := s.config.SiteByIdentifier(request.SiteIdentifier)
	if !ok {
		s.renderFailure(w, SiteConfig{}, "Missing site configuration for "+request.SiteIdentifier)
		return
	}

	if err := request.Validate(); err != nil {
		s.renderFailure(w, site, err.Error())
		return
	}

	s.recordUserData(r, site)

	s.trail.Record(audit.Event{
		Type:           audit.EventAuthRequested,
		RequestID:      request.ID(),
		MAC:            request.MACAddress,
		AccessPointMAC: request.AccessPointMACAddress,
		IP:             request.IP,
		SiteIdentifier: request.SiteIdentifier,
	})

	start := time.Now()
	handle := s.repository.StartAuthorisation(request)

	var outcome portal.AuthorisationOutcome
	timedOut := false
	select {
	case outcome = <-handle:
	case <-time.After(s.config.AuthoriseTimeout):
		timedOut = true
		outcome = portal.Failure(request, "Authentication request timed out. Please try again later.")
	case <-r.Context().Done():
		// Guest gave up; the repository entry expires on its own.
		return
	}

	s.metrics.AuthorisationsTotal.WithLabelValues(string(outcome.Outcome)).Inc()
	s.metrics.AuthorisationDuration.Observe(time.Since(start).Seconds())

	eventType := audit.EventAuthFailure
	switch {
	case timedOut:
		eventType = audit.EventAuthTimeout
	case outcome.Outcome == portal.OutcomeSuccess:
		eventType = audit.EventAuthSuccess
	}
	s.trail.Record(audit.Event{
		Type:           eventType,
		RequestID:      request.ID(),
		SiteIdentifier: request.SiteIdentifier,
		Outcome:        string(outcome.Outcome),
		Message:        outcome.Message,
	})

	if outcome.Outcome == portal.OutcomeSuccess {
		s.logger.Info("Guest authorisation completed",
			zap.String("request_id", request.ID()),
			zap.Duration("duration", time.Since(start)),
		)
		s.markCapportAuthorised(w)
		s.renderer.Success(w, SuccessPage{
			SiteIdentifier: site.SiteIdentifier,
			RedirectURL:    site.RedirectURL,
		})
		return
	}

	s.renderFailure(w, site, outcome.Message)
}

func (s *Server) renderFailure(w http.ResponseWriter, site SiteConfig, message string) {
	s.logger.Warn("Failed to process authorisation request", zap.String("message", message))
	s.renderer.Error(w, ErrorPage{
		Message:            message,
		BackupWifiSSID:     site.BackupWifiSSID,
		BackupWifiPassword: site.BackupWifiPassword,
	})
}

// recordUserData forwards the captured guest identity to the sink. Sink
// errors are logged and swallowed.
func (s *Server) recordUserData(r *http.Request, site SiteConfig) {
	if s.userData == nil {
		return
	}
	data := UserData{
		FirstName:      r.PostFormValue("firstName"),
		LastName:       r.PostFormValue("lastName"),
		Email:          r.PostFormValue("email"),
		ConsentText:    site.ConsentText,
		SiteIdentifier: site.SiteIdentifier,
	}
	if err := s.userData.Record(r.Context(), data); err != nil {
		s.logger.Error("Failed to record guest user data", zap.Error(err))
		return
	}
	s.trail.Record(audit.Event{
		Type:           audit.EventUserDataCaptured,
		SiteIdentifier: site.SiteIdentifier,
	})
}

// capportResponse is the RFC 8908 captive portal API body.
type capportResponse struct {
	Captive          bool   `json:"captive"`
	UserPortalURL    string `json:"user-portal-url"`
	VenueInfoURL     string `json:"venue-info-url"`
	CanExtendSession bool   `json:"can-extend-session"`
}

// handleCapport serves the cloud-side captive portal API. A device that
// completed the portal flow carries a session token cookie and is reported
// as no longer captive.
func (s *Server) handleCapport(w http.ResponseWriter, r *http.Request) {
	token := capportCookieToken(r)

	captive := true
	if token != "" && s.capportTokenKnown(token) {
		captive = false
	}

	if token == "" {
		token = uuid.NewString()
	}

	response := capportResponse{
		Captive:          captive,
		UserPortalURL:    s.config.PortalURL,
		VenueInfoURL:     s.config.VenueInfoURL,
		CanExtendSession: false,
	}

	w.Header().Set("Content-Type", "application/captive+json")
	w.Header().Set("Cache-Control", "private")
	http.SetCookie(w, &http.Cookie{Name: "token", Value: token, Path: "/"})

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode capport response", zap.Error(err))
	}
}

// markCapportAuthorised registers a fresh capport session token on the
// success response so subsequent capport probes report the device as no
// longer captive. Expired tokens are swept on every insert, keeping the set
// bounded by the authorisation rate within one TTL window.
func (s *Server) markCapportAuthorised(w http.ResponseWriter) {
	token := uuid.NewString()
	now := time.Now()

	s.capportMu.Lock()
	for t, issuedAt := range s.capportTokens {
		if now.Sub(issuedAt) > s.config.CapportTokenTTL {
			delete(s.capportTokens, t)
		}
	}
	s.capportTokens[token] = now
	s.capportMu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "token", Value: token, Path: "/"})
}

func (s *Server) capportTokenKnown(token string) bool {
	s.capportMu.Lock()
	defer s.capportMu.Unlock()
	issuedAt, ok := s.capportTokens[token]
	return ok && time.Since(issuedAt) <= s.config.CapportTokenTTL
}

func capportCookieToken(r *http.Request) string {
	cookie, err := r.Cookie("token")
	if err != nil {
		return ""
	}
	return cookie.Value
}

// handleHeartbeatRefresh records a liveness signal from a remote component.
func (s *Server) handleHeartbeatRefresh(w http.ResponseWriter, r *http.Request) {
	hbType := r.URL.Query().Get("type")
	identifier := r.URL.Query().Get("identifier")
	if hbType == "" || identifier == "" {
		http.Error(w, "type and identifier required", http.StatusBadRequest)
		return
	}

	s.heartbeats.Refresh(hbType, identifier)
	s.trail.Record(audit.Event{
		Type:            audit.EventHeartbeatRefresh,
		AgentIdentifier: identifier,
		Message:         hbType,
	})
	w.WriteHeader(http.StatusOK)
}

// handleHeartbeatList serves the current heartbeat view.
func (s *Server) handleHeartbeatList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.heartbeats.All()); err != nil {
		s.logger.Error("Failed to encode heartbeat view", zap.Error(err))
	}
}
