// Package engine runs the probe scheduler and the receive/correlation loop
// that together drive a Session.
//
// Grounded on pinger.Pinger's Run/sendLoop/receiveLoop split
// (internal/pinger/pinger.go), generalized from a single-target ring-buffer
// history into the per-TTL sweep, pending-table correlation, and session
// statistics update the spec describes (§4.1, §4.5).
package engine

import (
	"context"
	"errors"
	"log"
	"net/netip"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/basn/ttl/internal/pending"
	"github.com/basn/ttl/internal/probe"
	"github.com/basn/ttl/internal/rawconn"
	"github.com/basn/ttl/internal/session"
	"github.com/basn/ttl/internal/util"
)

// reapInterval is how often the pending-table reaper sweeps for expired
// probes, matching the cadence the spec gives the enrichment workers.
const reapInterval = 500 * time.Millisecond

// conn is the subset of *rawconn.Conn the engine needs; satisfied by
// *rawconn.Conn and by fakes in tests.
type conn interface {
	WriteTo(dest netip.Addr, id int, seq uint16, payload []byte) error
	SetTTL(ttl int) error
	ReadFrom(ctx context.Context) ([]byte, netip.Addr, error)
	Close() error
}

// CallbackFunc is invoked, from the receive loop's goroutine, after every
// correlated response is folded into the session. Optional.
type CallbackFunc func(session.ProbeResult)

// Engine drives one Session over one raw socket, used for both sending and
// receiving.
type Engine struct {
	sess     *session.Session
	pend     *pending.Table
	conn     conn
	ipVer    util.IPVersion
	target   netip.Addr
	ident    int
	payload  int
	interval time.Duration
	callback CallbackFunc
	log      *log.Logger
}

// Options configures an Engine beyond what's already on the Session.
type Options struct {
	// Callback, if set, is invoked after every correlated response.
	Callback CallbackFunc

	// Logger receives recoverable per-tick errors. Defaults to log.Default().
	Logger *log.Logger

	// Clock backs the pending table's timestamps. Defaults to the real
	// clock; tests inject a fake one.
	Clock clock.Clock
}

// New creates an Engine for sess, sending to target over c. ident is the
// per-process ICMP identifier (see util.Identifier).
func New(sess *session.Session, c conn, target netip.Addr, ident int, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		sess:     sess,
		pend:     pending.New(opts.Clock),
		conn:     c,
		ipVer:    util.AddrVersionNetip(target),
		target:   target,
		ident:    ident,
		payload:  sess.Config.PayloadSize,
		interval: sess.Config.Interval,
		callback: opts.Callback,
		log:      logger,
	}
}

// Run drives the send sweep, the receive/correlation loop, and the
// pending-table reaper until ctx is cancelled. Blocks until all three have
// stopped.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		e.runSends(ctx, cancel)
	}()
	go func() {
		defer wg.Done()
		e.runReceive(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runReaper(ctx)
	}()

	wg.Wait()
}

// runSends ticks at sess.Config.Interval, sweeping every TTL that should
// still be probed. Missed ticks are skipped, never coalesced: a Go
// time.Ticker already drops ticks nobody received.
func (e *Engine) runSends(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var seq uint8
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := e.tick(seq)
			seq++ // Wraps modulo 256 by virtue of the uint8 type.
			if done {
				cancel()
				return
			}
		}
	}
}

// tick runs one sweep across every TTL, returning true if the session's
// probe-count cap was already reached when the sweep began, in which case
// nothing is sent.
func (e *Engine) tick(seq uint8) bool {
	e.sess.RLock()
	paused := e.sess.Paused
	countReached := e.sess.CountReached()
	var ttls []uint8
	if !paused && !countReached {
		for ttl := uint8(1); int(ttl) <= len(e.sess.Hops); ttl++ {
			if e.sess.ShouldProbe(ttl) {
				ttls = append(ttls, ttl)
			}
		}
	}
	e.sess.RUnlock()

	if paused || countReached {
		return countReached
	}

	for _, ttl := range ttls {
		e.sendProbe(ttl, seq)
	}
	return false
}

// sendProbe builds and sends one echo request for ttl/seq, recording it in
// the pending table before the packet reaches the kernel and on the
// session's sent counters after. A failure at any step is logged and
// skipped; it never aborts the rest of the sweep.
func (e *Engine) sendProbe(ttl, seq uint8) {
	id := session.ProbeId{TTL: ttl, Seq: seq}
	now := time.Now()
	payload := probe.BuildPayload(e.payload, now)

	if err := e.conn.SetTTL(int(ttl)); err != nil {
		e.log.Printf("engine: set ttl %d: %v", ttl, err)
		return
	}

	key := pending.Key{ID: id, Target: e.target}
	e.pend.Insert(key, e.target)

	if err := e.conn.WriteTo(e.target, e.ident, id.Encode(), payload); err != nil {
		e.log.Printf("engine: send ttl %d seq %d: %v", ttl, seq, err)
		e.pend.Remove(key)
		return
	}

	e.sess.Lock()
	e.sess.RecordSent(ttl)
	e.sess.Unlock()
}

// runReceive reads and correlates responses until ctx is done.
func (e *Engine) runReceive(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		b, peer, err := e.conn.ReadFrom(ctx)
		if err != nil {
			if errors.Is(err, rawconn.ErrTimeout) {
				continue
			}
			e.log.Printf("engine: receive loop: %v", err)
			return
		}

		resp, err := probe.Parse(e.ipVer, b, e.ident)
		if err != nil {
			continue // Not ours: unrelated traffic or a malformed frame.
		}

		key := pending.Key{ID: resp.ID, Target: e.target}
		p, ok := e.pend.Remove(key)
		if !ok {
			continue // Late, duplicate, or unsolicited.
		}
		rtt := time.Since(p.SentAt)

		e.sess.Lock()
		result := e.sess.RecordResponse(resp.ID, peer, rtt, resp.Type, resp.Code)
		e.sess.Unlock()

		if e.callback != nil {
			e.callback(result)
		}
	}
}

// runReaper periodically expires stale pending entries so probes that never
// get a response don't linger forever and sparklines keep advancing.
func (e *Engine) runReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending.Reap(e.pend, e.sess, e.interval)
		}
	}
}
