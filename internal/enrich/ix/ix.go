// Package ix is the Internet-Exchange enrichment worker: it matches
// responder addresses against PeeringDB's public peering-LAN prefixes and
// attaches exchange name/city/country to any hit.
//
// Grounded on original_source's lookup/ix.rs for the three-table join, the
// on-disk cache shape, and the load/fetch/fallback policy (spec §4.7).
// github.com/jellydator/ttlcache/v3 replaces the hand-rolled per-IP result
// map, github.com/cenkalti/backoff/v5 replaces the original's bare retry
// loop around each PeeringDB fetch, and github.com/alitto/pond/v2 bounds the
// worker's per-tick concurrent lookups (pack: malbeclabs-doublezero,
// controlplane/telemetry/internal/data/internet/provider.go and
// internal/telemetry/pinger.go, for the ttlcache and backoff usage shapes
// respectively).
package ix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/basn/ttl/internal/session"
)

const (
	// cacheVersion is bumped whenever the on-disk cache's shape changes; a
	// mismatch is treated as a miss.
	cacheVersion = 1

	// cacheMaxAge is how long a disk cache is considered fresh.
	cacheMaxAge = 24 * time.Hour

	// ipCacheTTL is how long a per-address lookup result (positive or
	// negative) is trusted before being retried.
	ipCacheTTL = time.Hour

	fetchTimeout = 30 * time.Second

	exchangesURL = "https://www.peeringdb.com/api/ix"
	ixlansURL    = "https://www.peeringdb.com/api/ixlan"
	prefixesURL  = "https://www.peeringdb.com/api/ixpfx"
)

// pdbResponse is the envelope every PeeringDB list endpoint responds with.
type pdbResponse[T any] struct {
	Data []T `json:"data"`
}

type pdbExchange struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	City    string `json:"city"`
	Country string `json:"country"`
}

type pdbIxlan struct {
	ID    int `json:"id"`
	IxID  int `json:"ix_id"`
}

type pdbPrefix struct {
	IxlanID int    `json:"ixlan_id"`
	Prefix  string `json:"prefix"`
}

// prefixCacheEntry is one row of the on-disk cache.
type prefixCacheEntry struct {
	Prefix  string `json:"prefix"`
	IxName  string `json:"ix_name"`
	IxCity  string `json:"ix_city,omitempty"`
	IxCountry string `json:"ix_country,omitempty"`
}

// diskCache is the on-disk JSON document shape (spec §6).
type diskCache struct {
	Version   uint32             `json:"version"`
	FetchedAt int64              `json:"fetched_at"`
	Prefixes  []prefixCacheEntry `json:"prefixes"`
}

func (c diskCache) expired(now time.Time) bool {
	if c.Version != cacheVersion {
		return true
	}
	return now.Sub(time.Unix(c.FetchedAt, 0)) >= cacheMaxAge
}

// prefixEntry is the in-memory, parsed form of a disk cache row.
type prefixEntry struct {
	network netip.Prefix
	info    session.IxInfo
}

// HTTPDoer is satisfied by *http.Client; overridden in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Lookup resolves addresses against the PeeringDB peering-LAN prefix table.
type Lookup struct {
	client    HTTPDoer
	cachePath string
	log       logger

	mu       sync.RWMutex
	prefixes []prefixEntry
	loaded   bool

	ipCache *ttlcache.Cache[netip.Addr, *session.IxInfo]
}

type logger interface {
	Printf(format string, args ...any)
}

// New creates a Lookup. cacheDir is the per-user cache directory (typically
// os.UserCacheDir()); the cache file lives at cacheDir/ttl/peeringdb/ix_cache.json.
func New(cacheDir string, client HTTPDoer, log logger) *Lookup {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Lookup{
		client:    client,
		cachePath: filepath.Join(cacheDir, "ttl", "peeringdb", "ix_cache.json"),
		log:       log,
		ipCache:   ttlcache.New[netip.Addr, *session.IxInfo](ttlcache.WithTTL[netip.Addr, *session.IxInfo](ipCacheTTL)),
	}
}

// Lookup returns IX info for ip, loading the prefix table on first use.
// Positive and negative results are cached for ipCacheTTL.
func (l *Lookup) Lookup(ctx context.Context, ip netip.Addr) (*session.IxInfo, error) {
	if item := l.ipCache.Get(ip); item != nil {
		return item.Value(), nil
	}
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	info := l.match(ip)
	l.ipCache.Set(ip, info, ipCacheTTL)
	return info, nil
}

// match performs the linear containment scan. The table is small enough (a
// few thousand entries) that this is acceptable.
func (l *Lookup) match(ip netip.Addr) *session.IxInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.prefixes {
		if e.network.Contains(ip) {
			info := e.info
			return &info
		}
	}
	return nil
}

func (l *Lookup) ensureLoaded(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}
	if err := l.load(ctx); err != nil {
		return err
	}
	l.loaded = true
	return nil
}

// load implements the policy from spec §4.7: prefer a fresh disk cache;
// otherwise fetch, assemble, persist, and populate memory; on fetch failure,
// fall back to an expired disk cache with a warning rather than leave the
// worker inoperative.
func (l *Lookup) load(ctx context.Context) error {
	now := time.Now()
	if dc, err := readDiskCache(l.cachePath); err == nil && !dc.expired(now) {
		l.prefixes = parseDiskCache(dc)
		return nil
	}

	dc, err := l.fetchAndAssemble(ctx, now)
	if err != nil {
		if stale, staleErr := readDiskCache(l.cachePath); staleErr == nil && stale.Version == cacheVersion {
			l.logf("ix: provider fetch failed (%v); using stale cache from %v", err, time.Unix(stale.FetchedAt, 0))
			l.prefixes = parseDiskCache(stale)
			return nil
		}
		return fmt.Errorf("ix: fetch peeringdb data: %w", err)
	}

	if err := writeDiskCache(l.cachePath, dc); err != nil {
		l.logf("ix: unable to write disk cache: %v", err)
	}
	l.prefixes = parseDiskCache(dc)
	return nil
}

func (l *Lookup) logf(format string, args ...any) {
	if l.log != nil {
		l.log.Printf(format, args...)
	}
}

// fetchAndAssemble fetches the three PeeringDB endpoints in parallel, each
// wrapped in a bounded exponential retry, and performs the ixlan_id ->
// ix_id -> exchange-info join described in spec §4.7. Entries whose joins
// fail are dropped.
func (l *Lookup) fetchAndAssemble(ctx context.Context, now time.Time) (diskCache, error) {
	var exchanges []pdbExchange
	var ixlans []pdbIxlan
	var prefixes []pdbPrefix
	var exchangesErr, ixlansErr, prefixesErr error

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		exchanges, exchangesErr = fetchList[pdbExchange](ctx, l.client, exchangesURL)
	}()
	go func() {
		defer wg.Done()
		ixlans, ixlansErr = fetchList[pdbIxlan](ctx, l.client, ixlansURL)
	}()
	go func() {
		defer wg.Done()
		prefixes, prefixesErr = fetchList[pdbPrefix](ctx, l.client, prefixesURL)
	}()
	wg.Wait()

	if exchangesErr != nil {
		return diskCache{}, exchangesErr
	}
	if ixlansErr != nil {
		return diskCache{}, ixlansErr
	}
	if prefixesErr != nil {
		return diskCache{}, prefixesErr
	}

	ixlanToIx := make(map[int]int, len(ixlans))
	for _, lan := range ixlans {
		ixlanToIx[lan.ID] = lan.IxID
	}
	ixInfo := make(map[int]pdbExchange, len(exchanges))
	for _, e := range exchanges {
		ixInfo[e.ID] = e
	}

	var rows []prefixCacheEntry
	for _, p := range prefixes {
		ixID, ok := ixlanToIx[p.IxlanID]
		if !ok {
			continue
		}
		ex, ok := ixInfo[ixID]
		if !ok {
			continue
		}
		rows = append(rows, prefixCacheEntry{
			Prefix:    p.Prefix,
			IxName:    ex.Name,
			IxCity:    ex.City,
			IxCountry: ex.Country,
		})
	}

	return diskCache{Version: cacheVersion, FetchedAt: now.Unix(), Prefixes: rows}, nil
}

// fetchList GETs url, expecting a PeeringDB {"data": [...]} envelope,
// retrying with a bounded exponential backoff before giving up.
func fetchList[T any](ctx context.Context, client HTTPDoer, url string) ([]T, error) {
	op := func() ([]T, error) {
		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: unexpected status %s", url, resp.Status)
		}
		var env pdbResponse[T]
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: decode: %w", url, err))
		}
		return env.Data, nil
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

func parseDiskCache(dc diskCache) []prefixEntry {
	entries := make([]prefixEntry, 0, len(dc.Prefixes))
	for _, row := range dc.Prefixes {
		network, err := netip.ParsePrefix(row.Prefix)
		if err != nil {
			continue
		}
		entries = append(entries, prefixEntry{
			network: network,
			info:    session.IxInfo{Name: row.IxName, City: row.IxCity, Country: row.IxCountry},
		})
	}
	return entries
}

func readDiskCache(path string) (diskCache, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return diskCache{}, err
	}
	var dc diskCache
	if err := json.Unmarshal(b, &dc); err != nil {
		return diskCache{}, err
	}
	return dc, nil
}

func writeDiskCache(path string, dc diskCache) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(dc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
