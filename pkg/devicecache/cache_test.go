package devicecache_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agauci/orpheum/pkg/devicecache"
	"github.com/agauci/orpheum/pkg/gateway"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// fakePool hands out a single dummy session.
type fakePool struct {
	borrowErr error
}

func (p *fakePool) Borrow(ctx context.Context) (*gateway.Session, error) {
	if p.borrowErr != nil {
		return nil, p.borrowErr
	}
	return gateway.NewSession("admin", "secret"), nil
}

func (p *fakePool) Return(session *gateway.Session) {}

// fakeGateway serves a scripted sequence of active client listings.
type fakeGateway struct {
	mu       sync.Mutex
	listings [][]gateway.ActiveDevice
	calls    int
	err      error
}

func (g *fakeGateway) ActiveDevices(ctx context.Context, session *gateway.Session) ([]gateway.ActiveDevice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	listing := g.listings[len(g.listings)-1]
	if g.calls < len(g.listings) {
		listing = g.listings[g.calls]
	}
	g.calls++
	return listing, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var _ = Describe("Cache", func() {
	var (
		cache *devicecache.Cache
		gw    *fakeGateway
	)

	authorised := gateway.ActiveDevice{
		MAC:        "aa:bb:cc:dd:ee:ff",
		APMAC:      "11:22:33:44:55:66",
		IP:         "192.168.1.50",
		ESSID:      "orpheum-guest",
		Authorized: true,
	}
	pinned := gateway.ActiveDevice{
		MAC:        "aa:bb:cc:dd:ee:00",
		APMAC:      "11:22:33:44:55:66",
		IP:         "192.168.1.51",
		FixedIP:    "192.168.1.20",
		ESSID:      "orpheum-guest",
		Authorized: true,
	}
	foreign := gateway.ActiveDevice{
		MAC:        "aa:bb:cc:dd:ee:01",
		APMAC:      "11:22:33:44:55:77",
		IP:         "192.168.2.50",
		ESSID:      "other-ssid",
		Authorized: true,
	}

	newCache := func(config devicecache.Config) *devicecache.Cache {
		config.SiteIdentifier = "orpheum-guest"
		return devicecache.New(config, &fakePool{}, gw, zap.NewNop())
	}

	BeforeEach(func() {
		gw = &fakeGateway{}
		cache = newCache(devicecache.Config{
			EntryTTL:       30 * time.Minute,
			ResolveTimeout: 500 * time.Millisecond,
		})
	})

	Describe("Add and lookup", func() {
		It("indexes a device by resolved IP and by MAC pair", func() {
			cache.Add(authorised)

			byIP, ok := cache.GetByIP("192.168.1.50")
			Expect(ok).To(BeTrue())
			Expect(byIP.MAC).To(Equal(authorised.MAC))

			byMacs, ok := cache.GetByMacs(authorised.MAC, authorised.APMAC)
			Expect(ok).To(BeTrue())
			Expect(byMacs.IP).To(Equal(authorised.IP))
		})

		It("indexes a pinned device under its fixed IP", func() {
			cache.Add(pinned)

			_, ok := cache.GetByIP("192.168.1.51")
			Expect(ok).To(BeFalse())

			byIP, ok := cache.GetByIP("192.168.1.20")
			Expect(ok).To(BeTrue())
			Expect(byIP.MAC).To(Equal(pinned.MAC))
		})

		It("keeps the first writer on duplicate keys", func() {
			cache.Add(authorised)

			later := authorised
			later.ESSID = "changed"
			cache.Add(later)

			got, ok := cache.GetByIP("192.168.1.50")
			Expect(ok).To(BeTrue())
			Expect(got.ESSID).To(Equal("orpheum-guest"))
		})

		It("expires entries after the TTL", func() {
			cache = newCache(devicecache.Config{
				EntryTTL:       10 * time.Millisecond,
				ResolveTimeout: 10 * time.Millisecond,
			})
			cache.Add(authorised)

			Eventually(func() bool {
				_, ok := cache.GetByIP("192.168.1.50")
				return ok
			}, "200ms", "10ms").Should(BeFalse())
		})
	})

	Describe("ResolveByIP", func() {
		It("serves from the cache without touching the gateway", func() {
			cache.Add(authorised)

			device, ok := cache.ResolveByIP(context.Background(), "192.168.1.50")
			Expect(ok).To(BeTrue())
			Expect(device.MAC).To(Equal(authorised.MAC))
			Expect(gw.callCount()).To(BeZero())
		})

		It("polls the gateway on a miss and caches what it sees", func() {
			gw.listings = [][]gateway.ActiveDevice{{authorised, pinned, foreign}}

			device, ok := cache.ResolveByIP(context.Background(), "192.168.1.50")
			Expect(ok).To(BeTrue())
			Expect(device.MAC).To(Equal(authorised.MAC))

			// The pinned device seen in the same listing is now cached too.
			_, ok = cache.GetByIP("192.168.1.20")
			Expect(ok).To(BeTrue())

			// Foreign-SSID devices are never cached.
			_, ok = cache.GetByIP("192.168.2.50")
			Expect(ok).To(BeFalse())
		})

		It("keeps polling until the device appears", func() {
			gw.listings = [][]gateway.ActiveDevice{{}, {}, {authorised}}

			device, ok := cache.ResolveByIP(context.Background(), "192.168.1.50")
			Expect(ok).To(BeTrue())
			Expect(device.MAC).To(Equal(authorised.MAC))
			Expect(gw.callCount()).To(Equal(3))
		})

		It("gives up once the resolve timeout elapses", func() {
			cache = newCache(devicecache.Config{
				EntryTTL:       30 * time.Minute,
				ResolveTimeout: 50 * time.Millisecond,
			})
			gw.listings = [][]gateway.ActiveDevice{{}}

			start := time.Now()
			_, ok := cache.ResolveByIP(context.Background(), "192.168.1.99")
			Expect(ok).To(BeFalse())
			Expect(time.Since(start)).To(BeNumerically(">=", 50*time.Millisecond))
		})

		It("matches a device that is active but not yet authorised", func() {
			unauthorised := authorised
			unauthorised.Authorized = false
			gw.listings = [][]gateway.ActiveDevice{{unauthorised}}

			device, ok := cache.ResolveByIP(context.Background(), "192.168.1.50")
			Expect(ok).To(BeTrue())
			Expect(device.Authorized).To(BeFalse())

			// But it was not cached.
			_, ok = cache.GetByIP("192.168.1.50")
			Expect(ok).To(BeFalse())
		})

		It("stops early when the caller's context is cancelled", func() {
			gw.err = errors.New("gateway down")

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, ok := cache.ResolveByIP(ctx, "192.168.1.50")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("ResolveByMacs", func() {
		It("resolves through the gateway by MAC pair", func() {
			gw.listings = [][]gateway.ActiveDevice{{authorised}}

			device, ok := cache.ResolveByMacs(context.Background(), authorised.MAC, authorised.APMAC)
			Expect(ok).To(BeTrue())
			Expect(device.IP).To(Equal(authorised.IP))
		})
	})

	Describe("Reconcile", func() {
		It("adds newly authorised devices and evicts vanished ones", func() {
			stale := gateway.ActiveDevice{
				MAC:        "de:ad:be:ef:00:01",
				APMAC:      "11:22:33:44:55:66",
				IP:         "192.168.1.99",
				ESSID:      "orpheum-guest",
				Authorized: true,
			}
			cache.Add(stale)

			cache.Reconcile([]gateway.ActiveDevice{authorised, foreign})

			_, ok := cache.GetByIP("192.168.1.99")
			Expect(ok).To(BeFalse(), "vanished device is evicted immediately")

			_, ok = cache.GetByMacs(stale.MAC, stale.APMAC)
			Expect(ok).To(BeFalse())

			_, ok = cache.GetByIP("192.168.1.50")
			Expect(ok).To(BeTrue())

			_, ok = cache.GetByIP("192.168.2.50")
			Expect(ok).To(BeFalse(), "foreign-SSID devices are not cached")
		})

		It("drops devices that lost their authorisation upstream", func() {
			cache.Add(authorised)

			revoked := authorised
			revoked.Authorized = false
			cache.Reconcile([]gateway.ActiveDevice{revoked})

			_, ok := cache.GetByIP("192.168.1.50")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Snapshot and Clear", func() {
		It("lists cached devices and empties on demand", func() {
			cache.Add(authorised)
			cache.Add(pinned)

			Expect(cache.Snapshot()).To(HaveLen(2))

			cache.Clear()
			Expect(cache.Snapshot()).To(BeEmpty())
		})
	})
})
