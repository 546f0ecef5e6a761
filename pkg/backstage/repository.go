// Package backstage implements the cloud-side captive portal broker: it
// registers guest authorisation requests as a waiting HTTP call, exposes
// them to the site agents for execution, and correlates the asynchronously
// delivered outcome back to the original waiter.
package backstage

import (
	"context"
	"sync"
	"time"

	"github.com/agauci/orpheum/pkg/portal"
	"go.uber.org/zap"
)

// RepositoryConfig holds auth repository settings.
type RepositoryConfig struct {
	// EntryTTL is how long an unresolved request stays registered before
	// it is considered abandoned and evicted.
	EntryTTL time.Duration `yaml:"entry_ttl"`

	// FulfilmentWorkers is the size of the pool fulfilling completion
	// handles off the notifying HTTP call's goroutine.
	FulfilmentWorkers int `yaml:"fulfilment_workers"`
}

// DefaultRepositoryConfig returns auth repository defaults.
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		EntryTTL:          5 * time.Minute,
		FulfilmentWorkers: 4,
	}
}

type pendingAuthorisation struct {
	request      portal.AuthorisationRequest
	handle       chan portal.AuthorisationOutcome
	registeredAt time.Time
}

// AuthRepository is the in-memory store of in-flight authorisation
// requests. A single mutex guards both the request map and the completion
// handles so registration and lookup-for-completion never race per key.
type AuthRepository struct {
	config RepositoryConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingAuthorisation

	fulfilments chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuthRepository creates an auth repository.
func NewAuthRepository(config RepositoryConfig, logger *zap.Logger) *AuthRepository {
	ctx, cancel := context.WithCancel(context.Background())

	return &AuthRepository{
		config:      config,
		logger:      logger,
		pending:     make(map[string]*pendingAuthorisation),
		fulfilments: make(chan func(), config.FulfilmentWorkers*4),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the fulfilment workers and the eviction janitor.
func (r *AuthRepository) Start() error {
	for i := 0; i < r.config.FulfilmentWorkers; i++ {
		r.wg.Add(1)
		go r.fulfilmentWorker()
	}

	r.wg.Add(1)
	go r.janitor()

	r.logger.Info("Auth repository started",
		zap.Duration("entry_ttl", r.config.EntryTTL),
		zap.Int("fulfilment_workers", r.config.FulfilmentWorkers),
	)
	return nil
}

// Stop halts the workers and janitor. In-flight waiters time out on their
// own.
func (r *AuthRepository) Stop() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// StartAuthorisation registers a request and returns the completion handle its caller
// should await. Submitting the same identity again while the first request
// is still pending returns the original handle, so duplicate consent form
// submissions collapse onto one broker entry and one outcome.
func (r *AuthRepository) StartAuthorisation(request portal.AuthorisationRequest) <-chan portal.AuthorisationOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := request.ID()
	if existing, ok := r.pending[id]; ok {
		r.logger.Debug("Ignoring duplicate authorisation request, reusing pending handle",
			zap.String("request_id", id),
		)
		return existing.handle
	}

	p := &pendingAuthorisation{
		request: request,
		// Buffered so fulfilment never blocks on a waiter that already
		// timed out and walked away.
		handle:       make(chan portal.AuthorisationOutcome, 1),
		registeredAt: time.Now(),
	}
	r.pending[id] = p

	r.logger.Debug("Registered new authorisation request", zap.String("request_id", id))
	return p.handle
}

// Pending returns all registered-but-unresolved requests for a site. It
// does not mutate repository state.
func (r *AuthRepository) Pending(siteIdentifier string) []portal.AuthorisationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	requests := make([]portal.AuthorisationRequest, 0)
	for _, p := range r.pending {
		if p.request.SiteIdentifier == siteIdentifier {
			requests = append(requests, p.request)
		}
	}
	return requests
}

// PendingCount returns the number of unresolved requests across all sites.
func (r *AuthRepository) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ReportOutcome correlates an outcome back to its registered request. The
// completion handle is fulfilled on the worker pool so the notifying HTTP
// call returns immediately. An outcome for an untracked request (expired or
// already completed) is dropped and reported as such; the original waiter,
// if any, times out.
func (r *AuthRepository) ReportOutcome(outcome portal.AuthorisationOutcome) bool {
	id := outcome.Request.ID()

	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("Dropping outcome for untracked authorisation request",
			zap.String("request_id", id),
			zap.String("outcome", string(outcome.Outcome)),
		)
		return false
	}

	handle := p.handle
	select {
	case r.fulfilments <- func() {
		handle <- outcome
	}:
	case <-r.ctx.Done():
	}
	return true
}

func (r *AuthRepository) fulfilmentWorker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case fulfil := <-r.fulfilments:
			fulfil()
		}
	}
}

// janitor evicts requests that outlived the entry TTL without an outcome.
func (r *AuthRepository) janitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.EntryTTL / 10)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *AuthRepository) evictExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, p := range r.pending {
		if now.Sub(p.registeredAt) > r.config.EntryTTL {
			delete(r.pending, id)
			r.logger.Debug("Evicted abandoned authorisation request", zap.String("request_id", id))
		}
	}
}
