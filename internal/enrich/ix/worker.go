package ix

import (
	"context"
	"net/netip"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/basn/ttl/internal/session"
)

// tickInterval is how often the worker scans for responders missing IX
// enrichment.
const tickInterval = 500 * time.Millisecond

// maxLookupsPerTick bounds how many concurrent PeeringDB prefix lookups one
// tick issues, via a bounded pond.ResultPool rather than an unbounded
// goroutine-per-address fan-out.
const maxLookupsPerTick = 10

// Worker periodically attaches IX info to responders across one or more
// sessions.
type Worker struct {
	lookup   *Lookup
	sessions []*session.Session
	pool     pond.ResultPool[*session.IxInfo]
}

// NewWorker creates a worker that enriches responders across sessions using
// lookup.
func NewWorker(lookup *Lookup, sessions []*session.Session) *Worker {
	return &Worker{
		lookup:   lookup,
		sessions: sessions,
		pool:     pond.NewResultPool[*session.IxInfo](maxLookupsPerTick),
	}
}

// Run ticks every tickInterval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.pool.StopAndWait()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick collects up to maxLookupsPerTick responders across all sessions that
// don't yet have IX info, looks them up concurrently, and writes back any
// positive result.
func (w *Worker) tick(ctx context.Context) {
	addrs := w.unenriched(maxLookupsPerTick)
	if len(addrs) == 0 {
		return
	}

	tasks := make([]pond.Task[*session.IxInfo], len(addrs))
	for i, ip := range addrs {
		ip := ip
		tasks[i] = w.pool.Submit(func() *session.IxInfo {
			info, err := w.lookup.Lookup(ctx, ip)
			if err != nil {
				return nil
			}
			return info
		})
	}
	for i, t := range tasks {
		info, err := t.Wait()
		if err != nil || info == nil {
			continue
		}
		w.apply(addrs[i], *info)
	}
}

func (w *Worker) unenriched(n int) []netip.Addr {
	var addrs []netip.Addr
	seen := make(map[netip.Addr]bool)
	for _, sess := range w.sessions {
		sess.RLock()
		for _, hop := range sess.Hops {
			for ip, rs := range hop.Responders {
				if rs.IX != nil || seen[ip] {
					continue
				}
				seen[ip] = true
				addrs = append(addrs, ip)
				if len(addrs) >= n {
					sess.RUnlock()
					return addrs
				}
			}
		}
		sess.RUnlock()
	}
	return addrs
}

func (w *Worker) apply(ip netip.Addr, info session.IxInfo) {
	for _, sess := range w.sessions {
		sess.Lock()
		for _, hop := range sess.Hops {
			if rs, ok := hop.Responders[ip]; ok && rs.IX == nil {
				infoCopy := info
				rs.IX = &infoCopy
			}
		}
		sess.Unlock()
	}
}
