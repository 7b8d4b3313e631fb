// Package proxypool implements the proxy pool: it produces a working proxy on demand
// and a fully connected tunnel socket to an arbitrary target, or refuses. When leak
// prevention is enabled, OpenTunnel is the only permitted egress path to SMTP/IMAP
// endpoints.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// Strategy selects among working proxies.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyFastest     Strategy = "fastest"
	StrategyRoundRobin Strategy = "round_robin"
)

// probeCacheTTL is the default TTL for cached probe results.
const probeCacheTTL = time.Hour

// tunnelFailureThreshold is the number of consecutive open_tunnel failures before a
// proxy is escalated to dead.
const tunnelFailureThreshold = 3

var (
	probeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sendcore_proxypool_probe_latency_seconds",
		Help: "Observed latency of proxy health probes",
	}, []string{"kind"})

	tunnelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendcore_proxypool_tunnel_errors_total",
		Help: "Total number of open_tunnel failures",
	}, []string{"kind"})

	blacklistFlips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendcore_proxypool_blacklist_flips_total",
		Help: "Total number of proxies flipped to blacklisted status",
	})
)

// ErrProxyUnavailable is returned by GetWorking when no eligible proxy exists.
var ErrProxyUnavailable = models.NewOpError(models.ErrProxyUnavailable, "no working proxy available")

// BlacklistOracle checks an observed egress IP against a reputation blacklist.
// A real deployment wires a DNSBL or vendor API.
type BlacklistOracle interface {
	Check(ctx context.Context, ip string) (blacklisted bool, reason string, err error)
}

// EchoProber resolves the apparent egress IP and latency for a dial through a proxy
// by hitting an external echo endpoint.
type EchoProber interface {
	Probe(ctx context.Context, dial DialFunc, testURL string, timeout time.Duration) (observedIP string, latency time.Duration, err error)
}

// DialFunc dials a target through a specific proxy; produced by Pool.dialerFor.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Policy configures leak prevention and probing behavior.
type Policy struct {
	LeakPrevention   bool
	ProbeConcurrency int
	ProbeTimeout     time.Duration
	TestURLs         []string // multiple echo endpoints for the IP consistency check
}

// Pool is the process-wide proxy pool instance, shared by every worker; per-session
// state is keyed by session id rather than held in separate instances.
type Pool struct {
	store     stores.ProxyStore
	blacklist BlacklistOracle
	prober    EchoProber
	policy    Policy

	mu         sync.Mutex
	cache      *cache.Cache
	roundRobin map[string]int // sessionID -> next index, guarded by mu
}

// New constructs a Pool. prober/blacklist may be nil to disable those checks in tests.
func New(store stores.ProxyStore, prober EchoProber, blacklist BlacklistOracle, policy Policy) *Pool {
	if policy.ProbeConcurrency <= 0 {
		policy.ProbeConcurrency = 10
	}
	if policy.ProbeTimeout <= 0 {
		policy.ProbeTimeout = 10 * time.Second
	}
	return &Pool{
		store:      store,
		blacklist:  blacklist,
		prober:     prober,
		policy:     policy,
		cache:      cache.New(probeCacheTTL, probeCacheTTL*2),
		roundRobin: make(map[string]int),
	}
}

// ListWorking returns proxies currently classified valid, excluding blacklisted and
// inactive, ordered by ascending response time.
func (p *Pool) ListWorking(ctx context.Context, sessionID string) ([]*models.Proxy, error) {
	all, err := p.store.ListProxies(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Proxy, 0, len(all))
	for _, proxy := range all {
		if proxy.Status == models.ProxyValid && proxy.IsActive && !proxy.IsBlacklisted {
			out = append(out, proxy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseTime < out[j].ResponseTime })
	return out, nil
}

// GetWorking selects one working proxy per strategy, or ErrProxyUnavailable.
func (p *Pool) GetWorking(ctx context.Context, sessionID string, strategy Strategy) (*models.Proxy, error) {
	working, err := p.ListWorking(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(working) == 0 {
		return nil, ErrProxyUnavailable
	}

	switch strategy {
	case StrategyFastest:
		return working[0], nil
	case StrategyRoundRobin:
		p.mu.Lock()
		idx := p.roundRobin[sessionID] % len(working)
		p.roundRobin[sessionID] = idx + 1
		p.mu.Unlock()
		return working[idx], nil
	default: // StrategyRandom
		return working[rand.Intn(len(working))], nil
	}
}

// GetWorkingExcluding behaves like GetWorking but drops any proxy whose id is in
// exclude, used by the Retry & Dead-Letter failover rotation.
func (p *Pool) GetWorkingExcluding(ctx context.Context, sessionID string, strategy Strategy, exclude map[string]bool) (*models.Proxy, error) {
	working, err := p.ListWorking(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if exclude != nil {
		filtered := working[:0:0]
		for _, proxy := range working {
			if !exclude[proxy.ID] {
				filtered = append(filtered, proxy)
			}
		}
		working = filtered
	}
	if len(working) == 0 {
		return nil, ErrProxyUnavailable
	}

	switch strategy {
	case StrategyFastest:
		return working[0], nil
	case StrategyRoundRobin:
		p.mu.Lock()
		idx := p.roundRobin[sessionID] % len(working)
		p.roundRobin[sessionID] = idx + 1
		p.mu.Unlock()
		return working[idx], nil
	default:
		return working[rand.Intn(len(working))], nil
	}
}

// RequireLeakSafeProxy enforces the leak-prevention invariant ahead of any call site
// that is about to dial an SMTP/IMAP endpoint. Calling through to a dial without a
// proxy while leak prevention is on is a programming error and must fail fast.
func (p *Pool) RequireLeakSafeProxy(proxy *models.Proxy) error {
	if p.policy.LeakPrevention && proxy == nil {
		return models.NewOpError(models.ErrInternal, "leak prevention enabled but no proxy selected")
	}
	return nil
}

// OpenTunnel performs the SOCKS4/5 or HTTP CONNECT handshake and returns a socket
// already connected to targetHost:targetPort through proxy.
func (p *Pool) OpenTunnel(ctx context.Context, proxy *models.Proxy, targetHost string, targetPort int, timeout time.Duration) (net.Conn, error) {
	if proxy == nil {
		return nil, models.NewOpError(models.ErrConfiguration, "no proxy supplied")
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialThroughProxy(dialCtx, proxy, fmt.Sprintf("%s:%d", targetHost, targetPort))
	if err != nil {
		tunnelErrors.WithLabelValues(string(proxy.Kind)).Inc()
		proxy.ConsecutiveTunnelFailures++
		if proxy.ConsecutiveTunnelFailures >= tunnelFailureThreshold {
			proxy.Status = models.ProxyDead
			proxy.ErrorText = err.Error()
		}
		return nil, models.NewOpError(models.ErrNetwork, fmt.Sprintf("open_tunnel via %s failed: %v", proxy.Addr(), err))
	}

	proxy.ConsecutiveTunnelFailures = 0
	return conn, nil
}

// dialerFor returns a DialFunc that tunnels every dial through proxy, for use by
// EchoProber implementations during Probe/Refresh.
func (p *Pool) dialerFor(proxy *models.Proxy) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialThroughProxy(ctx, proxy, addr)
	}
}

// Probe tests one proxy against testURL and returns the observed egress IP/latency, or
// an error. It does not itself mutate proxy.Status — callers (Refresh) do that.
func (p *Pool) Probe(ctx context.Context, proxy *models.Proxy, testURL string, timeout time.Duration) (observedIP string, latency time.Duration, err error) {
	if p.prober == nil {
		return "", 0, models.NewOpError(models.ErrConfiguration, "no echo prober configured")
	}
	start := time.Now()
	ip, lat, err := p.prober.Probe(ctx, p.dialerFor(proxy), testURL, timeout)
	probeLatency.WithLabelValues(string(proxy.Kind)).Observe(time.Since(start).Seconds())
	return ip, lat, err
}

// RefreshSummary reports the outcome of a bulk Refresh pass.
type RefreshSummary struct {
	Probed      int
	Valid       int
	Dead        int
	Blacklisted int
}

// Refresh probes all of a session's proxies concurrently, bounded by
// Policy.ProbeConcurrency, and updates their statuses.
func (p *Pool) Refresh(ctx context.Context, sessionID string) (RefreshSummary, error) {
	all, err := p.store.ListProxies(ctx, sessionID)
	if err != nil {
		return RefreshSummary{}, err
	}

	sem := make(chan struct{}, p.policy.ProbeConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	summary := RefreshSummary{}

	testURL := ""
	if len(p.policy.TestURLs) > 0 {
		testURL = p.policy.TestURLs[0]
	}

	for _, proxy := range all {
		proxy := proxy
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			mu.Lock()
			summary.Probed++
			mu.Unlock()

			ip, latency, probeErr := p.Probe(ctx, proxy, testURL, p.policy.ProbeTimeout)
			if probeErr != nil {
				proxy.Status = models.ProxyDead
				proxy.ErrorText = probeErr.Error()
				mu.Lock()
				summary.Dead++
				mu.Unlock()
				_ = p.store.SaveProxy(ctx, proxy)
				return
			}

			proxy.ResponseTime = latency
			proxy.LastCheckedAt = time.Now()

			if p.blacklist != nil {
				blacklisted, reason, blErr := p.blacklist.Check(ctx, ip)
				if blErr == nil && blacklisted {
					proxy.Status = models.ProxyBlacklisted
					proxy.IsBlacklisted = true
					proxy.BlacklistReason = reason
					blacklistFlips.Inc()
					mu.Lock()
					summary.Blacklisted++
					mu.Unlock()
					_ = p.store.SaveProxy(ctx, proxy)
					return
				}
			}

			proxy.Status = models.ProxyValid
			p.cache.SetDefault(proxy.ID, ip)
			mu.Lock()
			summary.Valid++
			mu.Unlock()
			_ = p.store.SaveProxy(ctx, proxy)
		}()
	}

	wg.Wait()
	return summary, nil
}

// ValidateIPConsistency probes proxy against every configured echo endpoint and flags
// a security violation if the observed egress IP differs across endpoints.
func (p *Pool) ValidateIPConsistency(ctx context.Context, proxy *models.Proxy) (consistent bool, observed []string, err error) {
	if p.prober == nil || len(p.policy.TestURLs) == 0 {
		return true, nil, nil
	}

	seen := make(map[string]struct{})
	for _, url := range p.policy.TestURLs {
		ip, _, probeErr := p.prober.Probe(ctx, p.dialerFor(proxy), url, p.policy.ProbeTimeout)
		if probeErr != nil {
			continue
		}
		seen[ip] = struct{}{}
		observed = append(observed, ip)
	}

	return len(seen) <= 1, observed, nil
}
