// Package pending tracks in-flight probes awaiting a correlated response.
//
// The table is the source of truth for RTT computation: a probe's send time
// lives here from the moment it's inserted (strictly before the packet
// reaches the kernel) until it's either consumed by a correlated response or
// reaped for expiry. Grounded on the ring-buffer bookkeeping in
// pinger.Pinger, generalized to the keyed, reaped table the spec requires.
package pending

import (
	"net/netip"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/basn/ttl/internal/session"
)

// minReapTimeout is the floor applied to 2*interval when computing how long
// an entry may sit unclaimed before the reaper collects it.
const minReapTimeout = 2 * time.Second

// Key identifies one in-flight probe. Flow and IsPMTUD are carried for
// forward compatibility with Paris/Dublin multi-flow discovery and
// path-MTU probing (both non-goals here); the core always uses flow 0 and
// IsPMTUD false, but the key shape matches what those features would need.
type Key struct {
	ID      session.ProbeId
	Flow    uint8
	Target  netip.Addr
	IsPMTUD bool
}

// Probe is the bookkeeping kept for one in-flight probe.
type Probe struct {
	SentAt     time.Time
	Target     netip.Addr
	PacketSize int // Reserved for path-MTU discovery; always 0 today.
}

// Table is a reader-writer-locked map of in-flight probes.
type Table struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[Key]Probe
}

// New creates an empty pending table. A nil clock defaults to the real wall
// clock; tests inject a fake one to avoid sleeping.
func New(c clock.Clock) *Table {
	if c == nil {
		c = clock.NewClock()
	}
	return &Table{clock: c, entries: make(map[Key]Probe)}
}

// Insert records a probe about to be sent. Must be called before the packet
// is handed to the kernel, per the engine's ordering guarantee.
func (t *Table) Insert(key Key, target netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = Probe{SentAt: t.clock.Now(), Target: target}
}

// Remove looks up and deletes the entry for key, returning it and whether it
// was present. Called by the correlator's consumer on every matched
// response; a miss means the response is late, a duplicate, or unsolicited,
// and must be dropped.
func (t *Table) Remove(key Key) (Probe, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return p, ok
}

// Len returns the number of entries currently pending. Exposed for tests
// checking that the table doesn't grow unbounded across a sequence wrap.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// reapTimeout is the age at which an entry becomes eligible for reaping.
func reapTimeout(interval time.Duration) time.Duration {
	d := 2 * interval
	if d < minReapTimeout {
		return minReapTimeout
	}
	return d
}

// Reap removes entries older than reapTimeout(interval) and, for each one,
// records a timeout sample on the owning hop so its responders' sparklines
// keep advancing with a gap marker. Safe to call periodically from a
// dedicated reaper task.
func Reap(t *Table, sess *session.Session, interval time.Duration) {
	cutoff := t.clock.Now().Add(-reapTimeout(interval))

	t.mu.Lock()
	var expired []Key
	for k, p := range t.entries {
		if p.SentAt.Before(cutoff) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	sess.Lock()
	defer sess.Unlock()
	for _, k := range expired {
		sess.RecordTimeout(k.ID.TTL)
	}
}
