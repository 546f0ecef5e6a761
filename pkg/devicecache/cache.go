// Package devicecache caches the gateway's authorised devices on the agent,
// indexed both by resolved IP and by mac:ap_mac pair. The cache is fed by
// direct writes when the agent authorises a device and kept honest by a
// periodic reconciliation sweep against the gateway's active client list.
// When a lookup misses, the cache can poll the gateway for the device with
// a bounded overall timeout.
package devicecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agauci/orpheum/pkg/gateway"
	"go.uber.org/zap"
)

// SessionPool is the subset of the session pool the cache depends on.
type SessionPool interface {
	Borrow(ctx context.Context) (*gateway.Session, error)
	Return(session *gateway.Session)
}

// GatewayClient is the subset of the gateway client the cache depends on.
type GatewayClient interface {
	ActiveDevices(ctx context.Context, session *gateway.Session) ([]gateway.ActiveDevice, error)
}

// Config holds device cache settings.
type Config struct {
	// SiteIdentifier is the local site's SSID; devices on other SSIDs are
	// never cached.
	SiteIdentifier string `yaml:"site_identifier"`

	// EntryTTL matches the authorisation lifetime configured on the
	// gateway's hotspot portal, keeping cache expiry aligned with gateway
	// expiry.
	EntryTTL time.Duration `yaml:"entry_ttl"`

	// ResolveTimeout bounds a whole resolve-by-polling attempt.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`

	// SyncInterval is the period of the reconciliation sweep.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// SyncInitialDelay postpones the first sweep after startup so the
	// session pool has time to come online.
	SyncInitialDelay time.Duration `yaml:"sync_initial_delay"`
}

// DefaultConfig returns device cache defaults.
func DefaultConfig() Config {
	return Config{
		EntryTTL:         30 * time.Minute,
		ResolveTimeout:   10 * time.Second,
		SyncInterval:     time.Minute,
		SyncInitialDelay: 30 * time.Second,
	}
}

type entry struct {
	device   gateway.ActiveDevice
	storedAt time.Time
}

// Cache is the dual-indexed TTL cache of authorised devices.
type Cache struct {
	config Config
	pool   SessionPool
	client GatewayClient
	logger *zap.Logger

	mu     sync.RWMutex
	byIP   map[string]entry
	byMacs map[string]entry

	syncing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a device cache.
func New(config Config, pool SessionPool, client GatewayClient, logger *zap.Logger) *Cache {
	ctx, cancel := context.WithCancel(context.Background())

	return &Cache{
		config: config,
		pool:   pool,
		client: client,
		logger: logger,
		byIP:   make(map[string]entry),
		byMacs: make(map[string]entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic reconciliation sweep.
func (c *Cache) Start() error {
	c.logger.Info("Starting authorised device cache",
		zap.Duration("entry_ttl", c.config.EntryTTL),
		zap.Duration("sync_interval", c.config.SyncInterval),
	)

	c.wg.Add(1)
	go c.syncLoop()

	return nil
}

// Stop halts the reconciliation sweep.
func (c *Cache) Stop() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// Add inserts a device into both indices unless an unexpired entry already
// occupies the slot. The first authoritative sighting of a device identity
// wins; later same-key sightings do not overwrite it.
func (c *Cache) Add(device gateway.ActiveDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.lookup(c.byIP, device.ResolvedIP(), now); !ok {
		c.byIP[device.ResolvedIP()] = entry{device: device, storedAt: now}
		c.logger.Debug("Cached authorised device by IP",
			zap.String("ip", device.ResolvedIP()),
			zap.String("mac", device.MAC),
		)
	}
	if _, ok := c.lookup(c.byMacs, device.MacsKey(), now); !ok {
		c.byMacs[device.MacsKey()] = entry{device: device, storedAt: now}
		c.logger.Debug("Cached authorised device by MAC pair",
			zap.String("macs_key", device.MacsKey()),
		)
	}
}

// GetByIP returns the cached device for the given resolved IP, if present
// and unexpired.
func (c *Cache) GetByIP(ip string) (gateway.ActiveDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(c.byIP, ip, time.Now())
}

// GetByMacs returns the cached device for the given MAC pair, if present
// and unexpired.
func (c *Cache) GetByMacs(mac, apMac string) (gateway.ActiveDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(c.byMacs, gateway.MacsKey(mac, apMac), time.Now())
}

// lookup reads one index honoring expiry. Callers hold c.mu.
func (c *Cache) lookup(index map[string]entry, key string, now time.Time) (gateway.ActiveDevice, bool) {
	e, ok := index[key]
	if !ok || now.Sub(e.storedAt) > c.config.EntryTTL {
		return gateway.ActiveDevice{}, false
	}
	return e.device, true
}

// ResolveByIP resolves a device by IP: cache first, then gateway polling
// bounded by the configured resolve timeout.
func (c *Cache) ResolveByIP(ctx context.Context, ip string) (gateway.ActiveDevice, bool) {
	if device, ok := c.GetByIP(ip); ok {
		return device, true
	}
	return c.resolveFromGateway(ctx, func(devices []gateway.ActiveDevice) (gateway.ActiveDevice, bool) {
		for _, d := range devices {
			if d.MatchesIP(ip, c.config.SiteIdentifier) {
				return d, true
			}
		}
		return gateway.ActiveDevice{}, false
	})
}

// ResolveByMacs resolves a device by MAC pair: cache first, then gateway
// polling bounded by the configured resolve timeout.
func (c *Cache) ResolveByMacs(ctx context.Context, mac, apMac string) (gateway.ActiveDevice, bool) {
	if device, ok := c.GetByMacs(mac, apMac); ok {
		return device, true
	}
	return c.resolveFromGateway(ctx, func(devices []gateway.ActiveDevice) (gateway.ActiveDevice, bool) {
		for _, d := range devices {
			if d.MatchesMacs(mac, apMac, c.config.SiteIdentifier) {
				return d, true
			}
		}
		return gateway.ActiveDevice{}, false
	})
}

// resolveFromGateway polls the gateway's active client list until the match
// function finds the wanted device or the resolve timeout elapses. Every
// authorised device seen along the way is cached. Errors abort only the
// current iteration; a borrowed session is always returned.
func (c *Cache) resolveFromGateway(ctx context.Context, match func([]gateway.ActiveDevice) (gateway.ActiveDevice, bool)) (gateway.ActiveDevice, bool) {
	deadline := time.Now().Add(c.config.ResolveTimeout)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return gateway.ActiveDevice{}, false
		}

		device, ok := c.resolveOnce(ctx, match)
		if ok {
			return device, true
		}
	}

	return gateway.ActiveDevice{}, false
}

func (c *Cache) resolveOnce(ctx context.Context, match func([]gateway.ActiveDevice) (gateway.ActiveDevice, bool)) (gateway.ActiveDevice, bool) {
	session, err := c.pool.Borrow(ctx)
	if err != nil {
		c.logger.Error("Failed to borrow session for device resolution", zap.Error(err))
		return gateway.ActiveDevice{}, false
	}
	defer c.pool.Return(session)

	devices, err := c.client.ActiveDevices(ctx, session)
	if err != nil {
		c.logger.Error("Failed to list active devices during resolution", zap.Error(err))
		return gateway.ActiveDevice{}, false
	}

	for _, d := range c.filterAuthorised(devices) {
		c.Add(d)
	}

	// Matching runs over the unfiltered listing; the device may be active
	// but not yet authorised when resolution races the gateway.
	return match(devices)
}

// Reconcile makes the cache match the given gateway ground truth: new
// authorised devices are inserted, and any cached key no longer present in
// the listing is invalidated immediately rather than left to expire.
func (c *Cache) Reconcile(groundTruth []gateway.ActiveDevice) {
	authorised := c.filterAuthorised(groundTruth)

	for _, d := range authorised {
		c.Add(d)
	}

	ipKeys := make(map[string]struct{}, len(authorised))
	macKeys := make(map[string]struct{}, len(authorised))
	for _, d := range authorised {
		ipKeys[d.ResolvedIP()] = struct{}{}
		macKeys[d.MacsKey()] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.byIP {
		if _, ok := ipKeys[key]; !ok {
			c.logger.Debug("Evicting device no longer authorised upstream", zap.String("ip", key))
			delete(c.byIP, key)
		}
	}
	for key := range c.byMacs {
		if _, ok := macKeys[key]; !ok {
			c.logger.Debug("Evicting device no longer authorised upstream", zap.String("macs_key", key))
			delete(c.byMacs, key)
		}
	}
}

// Snapshot returns the currently cached authorised devices, keyed by IP.
func (c *Cache) Snapshot() []gateway.ActiveDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	devices := make([]gateway.ActiveDevice, 0, len(c.byIP))
	for _, e := range c.byIP {
		if now.Sub(e.storedAt) <= c.config.EntryTTL {
			devices = append(devices, e.device)
		}
	}
	return devices
}

// Clear empties both indices.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIP = make(map[string]entry)
	c.byMacs = make(map[string]entry)
	c.logger.Debug("Emptied authorised device cache")
}

func (c *Cache) syncLoop() {
	defer c.wg.Done()

	select {
	case <-c.ctx.Done():
		return
	case <-time.After(c.config.SyncInitialDelay):
	}

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		c.runSync()

		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runSync performs one reconciliation sweep. Any failure abandons the pass;
// the next tick retries.
func (c *Cache) runSync() {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("Device cache sync already running, skipping tick")
		return
	}
	defer c.syncing.Store(false)

	session, err := c.pool.Borrow(c.ctx)
	if err != nil {
		c.logger.Error("Failed to borrow session for cache sync", zap.Error(err))
		return
	}
	defer c.pool.Return(session)

	devices, err := c.client.ActiveDevices(c.ctx, session)
	if err != nil {
		c.logger.Error("Failed to list active devices during cache sync", zap.Error(err))
		return
	}

	c.Reconcile(devices)
}

// filterAuthorised keeps only devices authorised on the local site's SSID.
func (c *Cache) filterAuthorised(devices []gateway.ActiveDevice) []gateway.ActiveDevice {
	var authorised []gateway.ActiveDevice
	for _, d := range devices {
		if d.Authorized && d.ESSID == c.config.SiteIdentifier {
			authorised = append(authorised, d)
		}
	}
	return authorised
}
