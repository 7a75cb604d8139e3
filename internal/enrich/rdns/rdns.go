// Package rdns is the reverse-DNS enrichment worker: it wakes periodically,
// finds responders without a hostname, and resolves them.
//
// Grounded on lookup.Addr (internal/lookup/lookup.go) for the resolution
// itself, generalized into the ticking, TTL-cached, rate-limited worker the
// spec describes (§4.6), with github.com/jellydator/ttlcache/v3 replacing a
// hand-rolled map+timestamp cache (pack: malbeclabs-doublezero,
// controlplane/telemetry/internal/data/internet/provider.go).
package rdns

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/basn/ttl/internal/session"
)

// tickInterval is how often the worker wakes to look for unresolved
// responders.
const tickInterval = 500 * time.Millisecond

// maxLookupsPerTick bounds how many DNS queries one tick issues, so a sudden
// burst of new responders can't stall the session lock or flood the
// resolver.
const maxLookupsPerTick = 10

// cacheTTL is how long both positive and negative lookup results are
// trusted before being retried.
const cacheTTL = time.Hour

// Resolver performs the actual reverse lookup. Satisfied by net.LookupAddr;
// overridden in tests.
type Resolver func(addr string) ([]string, error)

// Worker periodically attaches hostnames to session responders that don't
// have one yet.
type Worker struct {
	sess     *session.Session
	resolver Resolver
	cache    *ttlcache.Cache[netip.Addr, string]
}

// New creates an rDNS worker over sess. A nil resolver defaults to
// net.LookupAddr.
func New(sess *session.Session, resolver Resolver) *Worker {
	if resolver == nil {
		resolver = net.LookupAddr
	}
	return &Worker{
		sess:     sess,
		resolver: resolver,
		cache:    ttlcache.New[netip.Addr, string](ttlcache.WithTTL[netip.Addr, string](cacheTTL)),
	}
}

// Run ticks every tickInterval until ctx is cancelled, resolving up to
// maxLookupsPerTick unnamed responders each time.
func (w *Worker) Run(ctx context.Context) {
	go w.cache.Start()
	defer w.cache.Stop()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick resolves up to maxLookupsPerTick responders missing a hostname.
func (w *Worker) tick() {
	for _, ip := range w.unresolved(maxLookupsPerTick) {
		hostname := w.lookup(ip)
		w.apply(ip, hostname)
	}
}

// unresolved returns up to n responder addresses across the session that
// don't yet have a hostname, under a read lock.
func (w *Worker) unresolved(n int) []netip.Addr {
	w.sess.RLock()
	defer w.sess.RUnlock()

	var addrs []netip.Addr
	seen := make(map[netip.Addr]bool)
	for _, hop := range w.sess.Hops {
		for ip, rs := range hop.Responders {
			if rs.Hostname != "" || seen[ip] {
				continue
			}
			seen[ip] = true
			addrs = append(addrs, ip)
			if len(addrs) >= n {
				return addrs
			}
		}
	}
	return addrs
}

// lookup resolves ip to a hostname, consulting and populating the cache.
// A failed or empty lookup is cached as "" (a negative result) so it isn't
// retried for cacheTTL.
func (w *Worker) lookup(ip netip.Addr) string {
	if item := w.cache.Get(ip); item != nil {
		return item.Value()
	}
	names, err := w.resolver(ip.String())
	var hostname string
	if err == nil && len(names) > 0 {
		hostname = strings.TrimSuffix(names[0], ".")
	}
	w.cache.Set(ip, hostname, cacheTTL)
	return hostname
}

// apply writes hostname onto every hop's responder entry for ip. A no-op
// (and zero lock-hold beyond the scan) when hostname is empty or ip already
// has one, so idempotent re-runs over an already-resolved session perform
// no mutation.
func (w *Worker) apply(ip netip.Addr, hostname string) {
	if hostname == "" {
		return
	}
	w.sess.Lock()
	defer w.sess.Unlock()
	for _, hop := range w.sess.Hops {
		if rs, ok := hop.Responders[ip]; ok && rs.Hostname == "" {
			rs.Hostname = hostname
		}
	}
}
