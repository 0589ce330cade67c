// Package gate holds the pure evaluators of the decision pipeline. Each
// gate maps a request context plus its rule set to a Decision; the rules
// are immutable snapshots published by the catalog store, so evaluators
// carry no locking of their own.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// Gate names used in decisions, invariant reports, and trace spans.
const (
	GateEgress      = "egress"
	GateCapability  = "capability"
	GateDestination = "destination"
	GateModel       = "model_registry"
	GatePolicy      = "policy"
	GateApproval    = "approval"
	GateBudget      = "budget"
)

// Egress policies. PolicyAllow passes every target; PolicyRestricted only
// passes allowlisted hostnames and private destinations.
const (
	EgressPolicyAllow      = "allow"
	EgressPolicyRestricted = "restricted"
)

// privateNetworks contains the CIDR ranges an agent may always reach under
// the restricted policy: loopback, RFC 1918, CGNAT, link-local, and ULA.
var privateNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"100.64.0.0/10",  // CGNAT
		"169.254.0.0/16", // link-local
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateNetworks: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// isPrivateIP reports whether ip falls inside a private or reserved range.
func isPrivateIP(ip net.IP) bool {
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// egressVerdict is one cached egress decision for a (target, host) pair.
// Denials are cached too: a repeated bad target re-denies without another
// DNS round trip.
type egressVerdict struct {
	allowed  bool
	reason   string
	cachedAt time.Time
}

func (v *egressVerdict) expired(now time.Time, ttl time.Duration) bool {
	return now.After(v.cachedAt.Add(ttl))
}

// EgressGate decides whether an outbound target may be reached at all. It
// caches verdicts per (target, host) with a TTL.
type EgressGate struct {
	policy       string
	allowedHosts map[string]struct{}
	cache        map[uint64]*egressVerdict
	mu           sync.Mutex
	lookupFunc   func(ctx context.Context, host string) ([]net.IPAddr, error)
	cacheTTL     time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// EgressOption configures an EgressGate.
type EgressOption func(*EgressGate)

// WithLookupFunc sets a custom DNS lookup function (useful for testing).
func WithLookupFunc(fn func(ctx context.Context, host string) ([]net.IPAddr, error)) EgressOption {
	return func(g *EgressGate) { g.lookupFunc = fn }
}

// WithCacheTTL sets the verdict cache TTL.
func WithCacheTTL(ttl time.Duration) EgressOption {
	return func(g *EgressGate) { g.cacheTTL = ttl }
}

// WithEgressClock overrides the clock (useful for testing cache expiry).
func WithEgressClock(now func() time.Time) EgressOption {
	return func(g *EgressGate) { g.now = now }
}

// NewEgressGate builds the gate for the given policy and hostname
// allowlist. Allowlist entries are matched case-insensitively.
func NewEgressGate(policy string, allowedHosts []string, logger *slog.Logger, opts ...EgressOption) *EgressGate {
	if logger == nil {
		logger = slog.Default()
	}
	hosts := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	g := &EgressGate{
		policy:       policy,
		allowedHosts: hosts,
		cache:        make(map[uint64]*egressVerdict),
		lookupFunc: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
		cacheTTL: 30 * time.Second,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check resolves the host of target and returns the egress decision. The
// verdict is cached per (target, host); cached denials re-deny without
// re-resolving.
func (g *EgressGate) Check(ctx context.Context, target string) decision.Decision {
	if g.policy == EgressPolicyAllow {
		return decision.Allowed(GateEgress)
	}
	if target == "" {
		return decision.Allowed(GateEgress)
	}

	host, err := hostOf(target)
	if err != nil {
		return decision.Blocked(GateEgress, decision.RiskHigh,
			fmt.Sprintf("unparseable egress target %q: %v", target, err),
			"egress:unparseable-target")
	}

	key := cacheKey(target, host)
	now := g.now()

	g.mu.Lock()
	if v, ok := g.cache[key]; ok && !v.expired(now, g.cacheTTL) {
		g.mu.Unlock()
		return g.verdictDecision(host, v)
	}
	g.mu.Unlock()

	v := g.evaluate(ctx, host)
	v.cachedAt = now

	g.mu.Lock()
	g.cache[key] = v
	g.mu.Unlock()

	return g.verdictDecision(host, v)
}

func (g *EgressGate) verdictDecision(host string, v *egressVerdict) decision.Decision {
	if v.allowed {
		return decision.Allowed(GateEgress)
	}
	return decision.Blocked(GateEgress, decision.RiskHigh, v.reason,
		"egress:denied-host:"+host)
}

// evaluate runs the allowlist, literal-IP, and DNS checks for host.
func (g *EgressGate) evaluate(ctx context.Context, host string) *egressVerdict {
	lowered := strings.ToLower(host)
	if _, ok := g.allowedHosts[lowered]; ok {
		return &egressVerdict{allowed: true}
	}
	if lowered == "localhost" {
		return &egressVerdict{allowed: true}
	}

	// A literal IP needs no resolution: private ranges pass, anything
	// else is denied.
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return &egressVerdict{allowed: true}
		}
		return &egressVerdict{
			reason: fmt.Sprintf("egress to public IP %s is not allowlisted", host),
		}
	}

	ips, err := g.lookupFunc(ctx, host)
	if err != nil {
		// Lookup failures deny, carrying the lookup error in the reason.
		return &egressVerdict{
			reason: fmt.Sprintf("dns lookup for %q failed: %v", host, err),
		}
	}
	if len(ips) == 0 {
		return &egressVerdict{
			reason: fmt.Sprintf("dns lookup for %q returned no addresses", host),
		}
	}
	for _, addr := range ips {
		if !isPrivateIP(addr.IP) {
			return &egressVerdict{
				reason: fmt.Sprintf("host %q resolves to public address %s and is not allowlisted", host, addr.IP),
			}
		}
	}
	return &egressVerdict{allowed: true}
}

// hostOf extracts the hostname of an absolute URL or a bare host[:port].
func hostOf(target string) (string, error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", err
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("no host in %q", target)
		}
		return u.Hostname(), nil
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host, nil
	}
	return target, nil
}

func cacheKey(target, host string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(target)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(host)
	return d.Sum64()
}
