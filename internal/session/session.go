// Package session holds the shared, continuously-updated model of a single
// path measurement: one target, one hop sequence indexed by TTL, and the
// per-responder statistics accumulated at each hop.
package session

import (
	"math"
	"net/netip"
	"sync"
	"time"
)

// recentWindow is the length of the FIFO that feeds sparklines in the UI.
const recentWindow = 60

// ProbeId is a probe's logical identity: the TTL it was sent at and a
// per-sweep sequence number. It's encoded into the 16-bit ICMP sequence
// field as (ttl<<8)|seq.
type ProbeId struct {
	TTL uint8
	Seq uint8
}

// Encode packs the ProbeId into an ICMP sequence number.
func (p ProbeId) Encode() uint16 {
	return uint16(p.TTL)<<8 | uint16(p.Seq)
}

// DecodeProbeId unpacks an ICMP sequence number into a ProbeId.
func DecodeProbeId(seq uint16) ProbeId {
	return ProbeId{TTL: uint8(seq >> 8), Seq: uint8(seq)}
}

// ResponseType is the kind of ICMP response a probe produced.
type ResponseType int

// Values for ResponseType.
const (
	// EchoReply is a normal ping response: the probe reached its target.
	EchoReply ResponseType = iota

	// TimeExceeded is a router along the path reporting TTL expiry.
	TimeExceeded

	// DestUnreachable is a destination-unreachable response. Code carries the
	// ICMP code byte (e.g. host, net, port unreachable).
	DestUnreachable
)

func (t ResponseType) String() string {
	switch t {
	case EchoReply:
		return "EchoReply"
	case TimeExceeded:
		return "TimeExceeded"
	case DestUnreachable:
		return "DestUnreachable"
	default:
		return "unknown"
	}
}

// AsnInfo is autonomous-system enrichment for a responder. Populated by an
// external collaborator; the core never derives it.
type AsnInfo struct {
	ASN  uint32 `json:"asn"`
	Name string `json:"name"`
}

// GeoInfo is geographic enrichment for a responder. Populated by an external
// collaborator; the core never derives it.
type GeoInfo struct {
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// IxInfo is Internet-Exchange enrichment for a responder, assembled by the
// IX worker from a PeeringDB prefix match.
type IxInfo struct {
	Name    string `json:"name"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// ProbeResult is the outcome of a single correlated response, as produced by
// the session updater. It isn't stored anywhere in Session; it exists so
// callers (the UI, logging) can observe individual responses without
// re-deriving them from aggregated ResponderStats.
type ProbeResult struct {
	TTL      uint8
	Responder netip.Addr
	RTT      time.Duration
	Type     ResponseType
	Code     uint8
}

// ResponderStats is the set of statistics accumulated for one address
// observed responding at one hop.
type ResponderStats struct {
	IP       netip.Addr `json:"ip"`
	Hostname string     `json:"hostname,omitempty"`
	ASN      *AsnInfo   `json:"asn,omitempty"`
	Geo      *GeoInfo   `json:"geo,omitempty"`
	IX       *IxInfo    `json:"ix,omitempty"`

	// Sent mirrors the hop-level sent count as of this responder's last
	// update, for convenience when viewing a responder in isolation.
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`

	MinRTT time.Duration `json:"min_rtt"`
	MaxRTT time.Duration `json:"max_rtt"`

	// meanMicros and m2 are the Welford running mean/variance accumulators,
	// kept as float64 microseconds so repeated updates don't re-quantize to
	// whole microseconds; only MeanRTT() and StdDev() convert to a Duration,
	// at read time.
	meanMicros float64
	m2         float64

	// jitterMicros is the RFC 3550 jitter EWMA, likewise kept as a float64
	// so its fractional state survives between updates.
	jitterMicros float64

	lastRTT time.Duration
	hasLast bool

	// Recent holds the last recentWindow round trip samples, newest last. A
	// nil entry marks a tick where this responder was expected but a probe
	// timed out.
	Recent []*time.Duration `json:"-"`
}

// newResponderStats creates a zero-valued ResponderStats for ip.
func newResponderStats(ip netip.Addr) *ResponderStats {
	return &ResponderStats{IP: ip}
}

// recordResponse folds a new RTT sample into the statistics. sentAtHop is the
// hop's sent counter at the time of this response, mirrored onto the
// responder.
func (r *ResponderStats) recordResponse(rtt time.Duration, sentAtHop uint64) {
	r.Sent = sentAtHop
	r.Received++

	if r.Received == 1 || rtt < r.MinRTT {
		r.MinRTT = rtt
	}
	if rtt > r.MaxRTT {
		r.MaxRTT = rtt
	}

	rttMicros := float64(rtt.Microseconds())
	n := float64(r.Received)
	delta := rttMicros - r.meanMicros
	r.meanMicros += delta / n
	delta2 := rttMicros - r.meanMicros
	r.m2 += delta * delta2

	if r.hasLast {
		diff := math.Abs(float64((rtt - r.lastRTT).Microseconds()))
		r.jitterMicros += (diff - r.jitterMicros) / 16
	}
	r.lastRTT = rtt
	r.hasLast = true

	r.pushRecent(&rtt)
}

// recordTimeout pushes a gap marker into the recent window without touching
// any other statistic. Used by the pending-table reaper.
func (r *ResponderStats) recordTimeout() {
	r.pushRecent(nil)
}

func (r *ResponderStats) pushRecent(rtt *time.Duration) {
	r.Recent = append(r.Recent, rtt)
	if len(r.Recent) > recentWindow {
		r.Recent = r.Recent[len(r.Recent)-recentWindow:]
	}
}

// StdDev returns the population standard deviation of RTT in this
// responder's sample, or zero if fewer than two samples have been recorded.
func (r *ResponderStats) StdDev() time.Duration {
	if r.Received < 2 {
		return 0
	}
	return time.Duration(math.Sqrt(r.m2/float64(r.Received))) * time.Microsecond
}

// MeanRTT returns the running mean RTT across this responder's sample.
func (r *ResponderStats) MeanRTT() time.Duration {
	if r.Received == 0 {
		return 0
	}
	return time.Duration(r.meanMicros) * time.Microsecond
}

// Jitter returns the RFC 3550 interarrival jitter estimate.
func (r *ResponderStats) Jitter() time.Duration {
	return time.Duration(r.jitterMicros) * time.Microsecond
}

// Hop is all statistics observed at a single TTL.
type Hop struct {
	TTL        uint8                          `json:"ttl"`
	Sent       uint64                         `json:"sent"`
	Received   uint64                         `json:"received"`
	Responders map[netip.Addr]*ResponderStats `json:"responders"`
	Primary    *netip.Addr                    `json:"primary,omitempty"`
}

func newHop(ttl uint8) *Hop {
	return &Hop{
		TTL:        ttl,
		Responders: make(map[netip.Addr]*ResponderStats),
	}
}

// LossPct is the percentage of probes sent at this hop that went
// unanswered. An un-probed hop (Sent == 0) reports zero loss.
func (h *Hop) LossPct() float64 {
	if h.Sent == 0 {
		return 0
	}
	return (1 - float64(h.Received)/float64(h.Sent)) * 100
}

// recordSent increments the hop's sent counter. Called by the engine after
// a probe for this TTL has been handed to the kernel.
func (h *Hop) recordSent() {
	h.Sent++
}

// recordResponse updates a hop after a correlated, non-timeout response.
// Creates the responder's stats lazily on first sight.
func (h *Hop) recordResponse(responder netip.Addr, rtt time.Duration) {
	h.Received++
	rs, ok := h.Responders[responder]
	if !ok {
		rs = newResponderStats(responder)
		h.Responders[responder] = rs
	}
	rs.recordResponse(rtt, h.Sent)
	h.updatePrimary()
}

// recordTimeout pushes a gap marker into every known responder's recent
// window. Called by the pending-table reaper so sparklines keep advancing
// across a dropped probe.
func (h *Hop) recordTimeout() {
	for _, rs := range h.Responders {
		rs.recordTimeout()
	}
}

// updatePrimary recomputes the responder with the greatest received count.
// Ties favor whichever address is already primary, then iteration order,
// which is acceptable for display purposes only.
func (h *Hop) updatePrimary() {
	var best *ResponderStats
	if h.Primary != nil {
		best = h.Responders[*h.Primary]
	}
	for _, rs := range h.Responders {
		if best == nil || rs.Received > best.Received {
			best = rs
		}
	}
	if best == nil {
		h.Primary = nil
		return
	}
	ip := best.IP
	h.Primary = &ip
}

// HasResponded reports whether this hop has ever produced a response.
func (h *Hop) HasResponded() bool {
	return h.Received > 0
}

// Target is the host being measured.
type Target struct {
	Original string     `json:"original"`
	Resolved netip.Addr `json:"resolved"`
	Hostname string     `json:"hostname,omitempty"`
}

// Config holds the parameters the session was created with. It mirrors
// config.Config but lives here too so a Session can be understood (and
// exported) without importing the CLI config package.
type Config struct {
	Interval    time.Duration
	MaxTTL      uint8
	Count       uint64 // 0 means unbounded.
	PayloadSize int
}

// Session is the full state of one continuous measurement run.
type Session struct {
	mu sync.RWMutex

	Target     Target    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	Hops       []*Hop    `json:"hops"`
	Config     Config    `json:"config"`
	Complete   bool      `json:"complete"`
	TotalSent  uint64    `json:"total_sent"`
	Paused     bool      `json:"paused"`
}

// New creates a Session with hops pre-allocated 1..=cfg.MaxTTL.
func New(target Target, cfg Config, now time.Time) *Session {
	hops := make([]*Hop, cfg.MaxTTL)
	for i := range hops {
		hops[i] = newHop(uint8(i + 1))
	}
	return &Session{
		Target:    target,
		StartedAt: now,
		Hops:      hops,
		Config:    cfg,
	}
}

// Hop returns the hop for the given 1-indexed TTL. Panics on an out-of-range
// TTL: this indicates a caller bug (an engine or correlator producing a TTL
// outside the configured range), not untrusted input.
func (s *Session) Hop(ttl uint8) *Hop {
	if int(ttl) < 1 || int(ttl) > len(s.Hops) {
		panic("session: ttl out of range")
	}
	return s.Hops[ttl-1]
}

// Lock/RLock/Unlock/RUnlock expose the session's reader-writer lock directly
// so callers (engine, updater, enrichment workers, UI, exporter) can choose
// the narrowest possible critical section, per the concurrency model: no I/O
// is ever performed while holding this lock.
func (s *Session) Lock()    { s.mu.Lock() }
func (s *Session) Unlock()  { s.mu.Unlock() }
func (s *Session) RLock()   { s.mu.RLock() }
func (s *Session) RUnlock() { s.mu.RUnlock() }

// ShouldProbe reports whether ttl should still be probed: always true until
// the session completes, and true forever after for any hop that has ever
// produced a response. Callers must hold at least a read lock.
func (s *Session) ShouldProbe(ttl uint8) bool {
	if !s.Complete {
		return true
	}
	return s.Hop(ttl).HasResponded()
}

// CountReached reports whether the configured probe-count cap has been hit.
// Callers must hold at least a read lock.
func (s *Session) CountReached() bool {
	if s.Config.Count == 0 {
		return false
	}
	return s.TotalSent >= s.Config.Count*uint64(len(s.Hops))
}

// RecordSent marks that a probe was handed to the kernel for ttl. Callers
// must hold the write lock.
func (s *Session) RecordSent(ttl uint8) {
	s.Hop(ttl).recordSent()
	s.TotalSent++
}

// RecordResponse applies a correlated, non-timeout response to the session
// and returns the ProbeResult describing it. Callers must hold the write
// lock.
func (s *Session) RecordResponse(id ProbeId, responder netip.Addr, rtt time.Duration, rt ResponseType, code uint8) ProbeResult {
	hop := s.Hop(id.TTL)
	hop.recordResponse(responder, rtt)
	if rt == EchoReply && responder == s.Target.Resolved {
		s.Complete = true
	}
	return ProbeResult{TTL: id.TTL, Responder: responder, RTT: rtt, Type: rt, Code: code}
}

// RecordTimeout applies a pending-table reap for ttl. Callers must hold the
// write lock.
func (s *Session) RecordTimeout(ttl uint8) {
	s.Hop(ttl).recordTimeout()
}
