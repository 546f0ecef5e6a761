package agent

import (
	"context"
	"time"

	"github.com/agauci/orpheum/pkg/devicecache"
	"github.com/agauci/orpheum/pkg/gateway"
	"github.com/agauci/orpheum/pkg/metrics"
	"github.com/agauci/orpheum/pkg/pool"
	"github.com/agauci/orpheum/pkg/portal"
	"go.uber.org/zap"
)

// Executor carries a single authorisation request through to the gateway
// admin API and produces the outcome to report back to the cloud.
type Executor struct {
	pool    *pool.SessionPool
	cache   *devicecache.Cache
	gateway *gateway.Client
	metrics *metrics.Agent
	logger  *zap.Logger
}

// NewExecutor creates an authorisation executor.
func NewExecutor(sessions *pool.SessionPool, cache *devicecache.Cache, client *gateway.Client,
	m *metrics.Agent, logger *zap.Logger) *Executor {
	return &Executor{
		pool:    sessions,
		cache:   cache,
		gateway: client,
		metrics: m,
		logger:  logger,
	}
}

// Execute authorises the device identified by the request. A request that
// carries a MAC pair is authorised directly; one that only carries an IP is
// first resolved to a device through the cache. The resolved device, if
// any, is returned alongside the outcome so cache warming can reuse it.
func (e *Executor) Execute(ctx context.Context, request portal.AuthorisationRequest) (portal.AuthorisationOutcome, gateway.ActiveDevice) {
	mac := request.MACAddress
	apMac := request.AccessPointMACAddress
	var resolved gateway.ActiveDevice

	if !request.HasMACIdentity() {
		if request.IP == "" {
			return portal.Failure(request, "Missing IP in authorization request"), resolved
		}
		resolveStart := time.Now()
		device, ok := e.cache.ResolveByIP(ctx, request.IP)
		e.metrics.ResolveDuration.Observe(time.Since(resolveStart).Seconds())
		if !ok {
			e.logger.Warn("Unable to resolve device by IP",
				zap.String("ip", request.IP),
				zap.String("site_identifier", request.SiteIdentifier),
			)
			return portal.Failure(request, "Unable to resolve device by IP"), resolved
		}
		resolved = device
		mac = device.MAC
		apMac = device.APMAC
	}

	session, err := e.pool.Borrow(ctx)
	if err != nil {
		e.logger.Error("Failed to borrow gateway session", zap.Error(err))
		return portal.Failure(request, "Http request failure"), resolved
	}
	defer e.pool.Return(session)

	if err := e.gateway.AuthorizeDevice(ctx, session, mac, apMac); err != nil {
		e.logger.Error("Gateway authorisation call failed",
			zap.String("mac", mac),
			zap.String("ap_mac", apMac),
			zap.Error(err),
		)
		return portal.Failure(request, "Http request failure"), resolved
	}

	e.logger.Info("Device authorised on gateway",
		zap.String("mac", mac),
		zap.String("ap_mac", apMac),
		zap.String("site_identifier", request.SiteIdentifier),
	)

	return portal.Success(request), resolved
}

// WarmCache puts the freshly authorised device into the cache so a
// follow-up captive portal probe sees it without hitting the gateway
// resolve path cold. A device already resolved during execution is inserted
// directly; otherwise the gateway is polled. Best effort.
func (e *Executor) WarmCache(ctx context.Context, request portal.AuthorisationRequest, resolved gateway.ActiveDevice) {
	if resolved.MAC != "" {
		// The authorize command just succeeded, so the sighting predating
		// it is cached as authorised.
		resolved.Authorized = true
		e.cache.Add(resolved)
		return
	}
	if request.HasMACIdentity() {
		e.cache.ResolveByMacs(ctx, request.MACAddress, request.AccessPointMACAddress)
		return
	}
	if request.IP != "" {
		e.cache.ResolveByIP(ctx, request.IP)
	}
}
