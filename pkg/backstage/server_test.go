package backstage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agauci/orpheum/pkg/audit"
	"github.com/agauci/orpheum/pkg/metrics"
	"github.com/agauci/orpheum/pkg/portal"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingRenderer remembers which page was rendered with what data.
type recordingRenderer struct {
	mu      sync.Mutex
	consent *ConsentPage
	success *SuccessPage
	failure *ErrorPage
}

func (r *recordingRenderer) Consent(w http.ResponseWriter, page ConsentPage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consent = &page
	w.WriteHeader(http.StatusOK)
}

func (r *recordingRenderer) Success(w http.ResponseWriter, page SuccessPage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = &page
	w.WriteHeader(http.StatusOK)
}

func (r *recordingRenderer) Error(w http.ResponseWriter, page ErrorPage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = &page
	w.WriteHeader(http.StatusOK)
}

// memorySink collects captured guest identities.
type memorySink struct {
	mu      sync.Mutex
	records []UserData
}

func (s *memorySink) Record(ctx context.Context, data UserData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, data)
	return nil
}

type serverFixture struct {
	server       *Server
	repository   *AuthRepository
	renderer     *recordingRenderer
	sink         *memorySink
	metrics      *metrics.Broker
	auditStorage *audit.MemoryStorage
}

func newServerFixture(t *testing.T, mutate func(*Config)) *serverFixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.APITokens = []string{"agent-token"}
	cfg.AuthoriseTimeout = 200 * time.Millisecond
	cfg.PortalURL = "https://portal.example.com"
	cfg.Sites = map[string]SiteConfig{
		"venue": {
			SiteIdentifier:     "orpheum-guest",
			RedirectURL:        "https://example.com/welcome",
			BackupWifiSSID:     "backup-net",
			BackupWifiPassword: "fallback123",
			ConsentText:        "Be nice.",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	repository := NewAuthRepository(cfg.Repository, zap.NewNop())
	require.NoError(t, repository.Start())
	t.Cleanup(func() { repository.Stop() })

	renderer := &recordingRenderer{}
	sink := &memorySink{}
	heartbeats := NewHeartbeatStore(time.Hour, zap.NewNop())
	m := metrics.NewBroker(func() float64 { return float64(repository.PendingCount()) })

	auditStorage := audit.NewMemoryStorage()
	trail := audit.NewLogger(audit.Config{BufferSize: 64, FlushInterval: 10 * time.Millisecond}, auditStorage, zap.NewNop())
	require.NoError(t, trail.Start())
	t.Cleanup(func() { trail.Stop() })

	server := NewServer(cfg, repository, heartbeats, renderer, sink, m, trail, zap.NewNop())

	return &serverFixture{
		server:       server,
		repository:   repository,
		renderer:     renderer,
		sink:         sink,
		metrics:      m,
		auditStorage: auditStorage,
	}
}

func TestPendingRequiresToken(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/portal?site_identifier=orpheum-guest", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/portal?site_identifier=orpheum-guest", nil)
	req.Header.Set("X-Auth-Token", "wrong")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPendingServesRegisteredRequests(t *testing.T) {
	f := newServerFixture(t, nil)

	request := portal.AuthorisationRequest{
		MACAddress:            "aa:bb:cc:dd:ee:ff",
		AccessPointMACAddress: "11:22:33:44:55:66",
		SiteIdentifier:        "orpheum-guest",
	}
	f.repository.StartAuthorisation(request)

	req := httptest.NewRequest(http.MethodGet, "/portal?site_identifier=orpheum-guest", nil)
	req.Header.Set("X-Auth-Token", "agent-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var pending []portal.AuthorisationRequest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, request, pending[0])
}

func TestPendingAcceptsBearerToken(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/portal?site_identifier=orpheum-guest", nil)
	req.Header.Set("Authorization", "Bearer agent-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConsentPageCarriesIdentity(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/guest/s/default/?id=aa:bb:cc:dd:ee:ff&ap=11:22:33:44:55:66&ssid=orpheum-guest&t=1700000000000", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.renderer.consent)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", f.renderer.consent.MACAddress)
	assert.Equal(t, "11:22:33:44:55:66", f.renderer.consent.AccessPointMACAddress)
	assert.Equal(t, "orpheum-guest", f.renderer.consent.SiteIdentifier)
	assert.Equal(t, int64(1700000000000), f.renderer.consent.Timestamp)
	assert.Equal(t, "Be nice.", f.renderer.consent.ConsentText)
}

func authoriseForm() url.Values {
	form := url.Values{}
	form.Set("id", "aa:bb:cc:dd:ee:ff")
	form.Set("ap", "11:22:33:44:55:66")
	form.Set("ssid", "orpheum-guest")
	form.Set("t", "1700000000000")
	form.Set("firstName", "Ada")
	form.Set("lastName", "Lovelace")
	form.Set("email", "ada@example.com")
	return form
}

func postAuthorise(f *serverFixture, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/authorise", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthoriseSuccessFlow(t *testing.T) {
	f := newServerFixture(t, nil)

	// Play the agent: wait for the request to show up, then report success.
	go func() {
		for i := 0; i < 100; i++ {
			pending := f.repository.Pending("orpheum-guest")
			if len(pending) == 1 {
				f.repository.ReportOutcome(portal.Success(pending[0]))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec := postAuthorise(f, authoriseForm())
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, f.renderer.success)
	assert.Equal(t, "https://example.com/welcome", f.renderer.success.RedirectURL)
	assert.Nil(t, f.renderer.failure)

	// Guest identity was captured.
	require.Len(t, f.sink.records, 1)
	assert.Equal(t, "Ada", f.sink.records[0].FirstName)
	assert.Equal(t, "orpheum-guest", f.sink.records[0].SiteIdentifier)

	// The success response carries a capport session cookie.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "token", cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)

	// The trail saw the request, the captured identity and the outcome.
	assert.Eventually(t, func() bool {
		return len(f.auditStorage.Query(&audit.Query{Types: []audit.EventType{audit.EventAuthSuccess}})) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.auditStorage.Query(&audit.Query{Types: []audit.EventType{audit.EventUserDataCaptured}})) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAuthoriseTimesOut(t *testing.T) {
	f := newServerFixture(t, nil)

	start := time.Now()
	rec := postAuthorise(f, authoriseForm())
	require.Equal(t, http.StatusOK, rec.Code)

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.NotNil(t, f.renderer.failure)
	assert.Contains(t, f.renderer.failure.Message, "timed out")
	assert.Equal(t, "backup-net", f.renderer.failure.BackupWifiSSID)
	assert.Equal(t, "fallback123", f.renderer.failure.BackupWifiPassword)
}

func TestAuthoriseFailureOutcome(t *testing.T) {
	f := newServerFixture(t, nil)

	go func() {
		for i := 0; i < 100; i++ {
			pending := f.repository.Pending("orpheum-guest")
			if len(pending) == 1 {
				f.repository.ReportOutcome(portal.Failure(pending[0], "Http request failure"))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec := postAuthorise(f, authoriseForm())
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, f.renderer.failure)
	assert.Equal(t, "Http request failure", f.renderer.failure.Message)
}

func TestAuthoriseRejectsUnknownSite(t *testing.T) {
	f := newServerFixture(t, nil)

	form := authoriseForm()
	form.Set("ssid", "nowhere")
	rec := postAuthorise(f, form)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.renderer.failure)
	assert.Contains(t, f.renderer.failure.Message, "Missing site configuration")
	assert.Empty(t, f.sink.records, "no identity is captured without a site")
}

func TestAuthoriseRejectsInvalidIdentity(t *testing.T) {
	f := newServerFixture(t, nil)

	form := authoriseForm()
	form.Del("ap")
	form.Del("id")
	rec := postAuthorise(f, form)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.renderer.failure)
	assert.Equal(t, portal.ErrMissingIdentity.Error(), f.renderer.failure.Message)
}

func TestOutcomeEndpointFulfilsWaiter(t *testing.T) {
	f := newServerFixture(t, nil)

	request := portal.AuthorisationRequest{
		MACAddress:            "aa:bb:cc:dd:ee:ff",
		AccessPointMACAddress: "11:22:33:44:55:66",
		SiteIdentifier:        "orpheum-guest",
	}
	handle := f.repository.StartAuthorisation(request)

	body, err := json.Marshal(portal.Success(request))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/portal", strings.NewReader(string(body)))
	req.Header.Set("X-Auth-Token", "agent-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case outcome := <-handle:
		assert.Equal(t, portal.OutcomeSuccess, outcome.Outcome)
	case <-time.After(time.Second):
		t.Fatal("outcome was never delivered to the waiter")
	}
}

func TestOutcomeEndpointCountsDroppedOutcomes(t *testing.T) {
	f := newServerFixture(t, nil)

	postOutcome := func(outcome portal.AuthorisationOutcome) {
		body, err := json.Marshal(outcome)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/portal", strings.NewReader(string(body)))
		req.Header.Set("X-Auth-Token", "agent-token")
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	request := portal.AuthorisationRequest{
		MACAddress:            "aa:bb:cc:dd:ee:ff",
		AccessPointMACAddress: "11:22:33:44:55:66",
		SiteIdentifier:        "orpheum-guest",
	}

	// Nothing registered yet: the outcome is dropped and counted.
	postOutcome(portal.Success(request))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OutcomesDropped))

	// A tracked outcome leaves the counter alone.
	f.repository.StartAuthorisation(request)
	postOutcome(portal.Success(request))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OutcomesDropped))
}

func TestCapportHandsOutToken(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/captive-portal", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/captive+json", rec.Header().Get("Content-Type"))

	var state map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, true, state["captive"])
	assert.Equal(t, "https://portal.example.com", state["user-portal-url"])

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "token", cookies[0].Name)
}

func TestCapportRecognisesAuthorisedToken(t *testing.T) {
	f := newServerFixture(t, nil)

	go func() {
		for i := 0; i < 100; i++ {
			pending := f.repository.Pending("orpheum-guest")
			if len(pending) == 1 {
				f.repository.ReportOutcome(portal.Success(pending[0]))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec := postAuthorise(f, authoriseForm())
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/captive-portal", nil)
	req.AddCookie(cookies[0])
	probe := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(probe, req)

	var state map[string]any
	require.NoError(t, json.NewDecoder(probe.Body).Decode(&state))
	assert.Equal(t, false, state["captive"], "a device that completed the flow is no longer captive")
}

func TestCapportTokenExpiresAndIsSwept(t *testing.T) {
	f := newServerFixture(t, func(cfg *Config) {
		cfg.CapportTokenTTL = 20 * time.Millisecond
	})

	go func() {
		for i := 0; i < 100; i++ {
			pending := f.repository.Pending("orpheum-guest")
			if len(pending) == 1 {
				f.repository.ReportOutcome(portal.Success(pending[0]))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec := postAuthorise(f, authoriseForm())
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	time.Sleep(30 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/captive-portal", nil)
	req.AddCookie(cookies[0])
	probe := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(probe, req)

	var state map[string]any
	require.NoError(t, json.NewDecoder(probe.Body).Decode(&state))
	assert.Equal(t, true, state["captive"], "an expired token no longer clears the captive state")

	// Minting the next token sweeps the stale one out of the set.
	f.server.markCapportAuthorised(httptest.NewRecorder())
	f.server.capportMu.Lock()
	remaining := len(f.server.capportTokens)
	f.server.capportMu.Unlock()
	assert.Equal(t, 1, remaining)
}

func TestHeartbeatRefreshAndList(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/heartbeat/refresh?type=GATEWAY&identifier=agent-1", nil)
	req.Header.Set("X-Auth-Token", "agent-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/heartbeat", nil)
	req.Header.Set("X-Auth-Token", "agent-token")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var beats []Heartbeat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&beats))
	require.Len(t, beats, 1)
	assert.Equal(t, "GATEWAY", beats[0].Type)
	assert.Equal(t, "agent-1", beats[0].Identifier)
}

func TestHeartbeatRefreshRequiresParameters(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/heartbeat/refresh?type=GATEWAY", nil)
	req.Header.Set("X-Auth-Token", "agent-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
