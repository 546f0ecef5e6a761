// Package pool manages the agent's pool of credentialed gateway admin
// sessions. Sessions are lent out one borrower at a time and refreshed in
// the background before the gateway expires them. Refresh timing is
// jittered per session so that slow logins never take the whole pool
// offline at once.
package pool

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agauci/orpheum/pkg/gateway"
	"go.uber.org/zap"
)

// failureCountLimit is the number of consecutive refresh failures after
// which a session is discarded rather than re-queued.
const failureCountLimit = 3

// Credentials is a single username/password pair seeding one pool session.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ParseCredentials parses a "user1:pass1,user2:pass2" credential list, the
// format used in the agent configuration. Malformed entries are skipped.
func ParseCredentials(input string) []Credentials {
	var creds []Credentials
	for _, entry := range strings.Split(input, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		creds = append(creds, Credentials{
			Username: strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		})
	}
	return creds
}

// Config holds session pool settings.
type Config struct {
	// RefreshInterval is the period of the background refresh cycle.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// MinSessionExpiry and MaxSessionExpiry bound the per-session jittered
	// lifetime. Each refresh pass draws a lifetime uniformly from
	// [MinSessionExpiry, MaxSessionExpiry) per session.
	MinSessionExpiry time.Duration `yaml:"min_session_expiry"`
	MaxSessionExpiry time.Duration `yaml:"max_session_expiry"`
}

// DefaultConfig returns session pool defaults. The expiry window sits well
// under the gateway's default admin session timeout.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:  time.Minute,
		MinSessionExpiry: 20 * time.Minute,
		MaxSessionExpiry: 25 * time.Minute,
	}
}

// ErrClosed is returned by Borrow once the pool has been shut down.
var ErrClosed = errors.New("session pool closed")

// SessionPool is a bounded blocking pool of gateway admin sessions.
type SessionPool struct {
	config Config
	client *gateway.Client
	logger *zap.Logger

	sessions chan *gateway.Session
	live     atomic.Int64
	rand     *rand.Rand

	refreshing atomic.Bool
	closed     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session pool seeded with one uninitialised session per
// credential pair. Sessions are logged in by the first refresh pass, which
// Start runs immediately.
func New(config Config, creds []Credentials, client *gateway.Client, logger *zap.Logger) *SessionPool {
	ctx, cancel := context.WithCancel(context.Background())

	p := &SessionPool{
		config:   config,
		client:   client,
		logger:   logger,
		sessions: make(chan *gateway.Session, len(creds)),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, c := range creds {
		p.sessions <- gateway.NewSession(c.Username, c.Password)
		p.live.Add(1)
	}

	return p
}

// Start logs in the seeded sessions and begins the background refresh loop.
func (p *SessionPool) Start() error {
	p.logger.Info("Starting gateway session pool",
		zap.Int64("sessions", p.live.Load()),
		zap.Duration("refresh_interval", p.config.RefreshInterval),
	)

	// Initial pass brings the new sessions online before anyone borrows.
	p.refreshExpired()

	p.wg.Add(1)
	go p.refreshLoop()

	return nil
}

// Stop halts the refresh loop, then borrows each live session and logs it
// out best-effort.
func (p *SessionPool) Stop(ctx context.Context) error {
	p.logger.Info("Stopping gateway session pool")
	p.cancel()
	p.wg.Wait()
	p.closed.Store(true)

	for i := p.live.Load(); i > 0; i-- {
		select {
		case session := <-p.sessions:
			if session.IsNew() {
				continue
			}
			if err := p.client.Logout(ctx, session); err != nil {
				p.logger.Warn("Failed to log out session during shutdown",
					zap.String("username", session.Username),
					zap.Error(err),
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Borrow lends out a session, blocking until one is returned by another
// borrower or the context is cancelled. The caller must hand the session
// back with Return on every exit path.
func (p *SessionPool) Borrow(ctx context.Context) (*gateway.Session, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case session := <-p.sessions:
		return session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrClosed
	}
}

// Return places a previously borrowed session back into the pool.
func (p *SessionPool) Return(session *gateway.Session) {
	select {
	case p.sessions <- session:
	default:
		// Capacity equals the seeded session count, so this only happens
		// on a double return. Dropping is safer than blocking.
		p.logger.Warn("Discarding unexpected session return", zap.String("username", session.Username))
	}
}

// Size returns the number of live sessions the pool is managing.
func (p *SessionPool) Size() int {
	return int(p.live.Load())
}

func (p *SessionPool) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.refreshing.CompareAndSwap(false, true) {
				p.logger.Debug("Session refresh already running, skipping tick")
				continue
			}
			p.refreshExpired()
			p.refreshing.Store(false)
		}
	}
}

// refreshExpired drains the pool and re-queues each session, re-logging-in
// those past their jittered lifetime. Borrowed sessions are simply not seen
// by the drain and keep circulating until a later pass.
func (p *SessionPool) refreshExpired() {
	var drained []*gateway.Session
drain:
	for {
		select {
		case session := <-p.sessions:
			drained = append(drained, session)
		default:
			break drain
		}
	}

	for _, session := range drained {
		// An uninitialised session is always expired.
		if !session.Expired(p.jitteredExpiry()) {
			p.sessions <- session
			continue
		}

		if refreshed := p.refreshSession(session); refreshed != nil {
			p.sessions <- refreshed
		}
	}
}

// refreshSession logs a single session out and back in. It returns the
// session to re-queue, or nil when the session has exhausted its failure
// budget and is discarded.
func (p *SessionPool) refreshSession(session *gateway.Session) *gateway.Session {
	if !session.IsNew() {
		p.logger.Info("Refreshing expired gateway session", zap.String("username", session.Username))

		// Logout failure is not fatal; a fresh login may still succeed.
		if err := p.client.Logout(p.ctx, session); err != nil {
			p.logger.Debug("Ignoring logout failure during refresh", zap.Error(err))
		}
	}

	result, err := p.client.Login(p.ctx, session.Username, session.Password)
	if err != nil {
		if session.FailureCount < failureCountLimit {
			p.logger.Warn("Failed to refresh gateway session, will retry",
				zap.String("username", session.Username),
				zap.Int("failure_count", session.FailureCount+1),
				zap.Error(err),
			)
			return session.Failed()
		}

		p.logger.Error("Failure count limit exceeded, discarding gateway session",
			zap.String("username", session.Username),
			zap.Error(err),
		)
		p.live.Add(-1)
		return nil
	}

	refreshed := session.Refreshed(result.Cookie, result.CSRFToken)
	p.logger.Info("Gateway session refreshed", zap.String("username", session.Username))
	return refreshed
}

// jitteredExpiry draws a session lifetime uniformly from
// [MinSessionExpiry, MaxSessionExpiry). Logins are slow; spreading expiry
// keeps some sessions borrowable while others refresh.
func (p *SessionPool) jitteredExpiry() time.Duration {
	window := p.config.MaxSessionExpiry - p.config.MinSessionExpiry
	if window <= 0 {
		return p.config.MinSessionExpiry
	}
	return p.config.MinSessionExpiry + time.Duration(p.rand.Int63n(int64(window)))
}
