package rdns

import (
	"net/netip"
	"testing"
	"time"

	"github.com/basn/ttl/internal/session"
)

func newTestSession(t *testing.T, ips ...netip.Addr) *session.Session {
	t.Helper()
	sess := session.New(session.Target{}, session.Config{MaxTTL: 1}, time.Now())
	sess.Lock()
	defer sess.Unlock()
	hop := sess.Hop(1)
	for _, ip := range ips {
		hop.Sent++
		hop.Received++
		hop.Responders[ip] = &session.ResponderStats{IP: ip}
	}
	return sess
}

func TestWorkerResolvesUnresolvedResponders(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	sess := newTestSession(t, ip)

	calls := 0
	resolver := func(addr string) ([]string, error) {
		calls++
		return []string{"router.example.com."}, nil
	}

	w := New(sess, resolver)
	w.tick()

	sess.RLock()
	defer sess.RUnlock()
	rs := sess.Hop(1).Responders[ip]
	if rs.Hostname != "router.example.com" {
		t.Errorf("Hostname = %q, want trailing dot trimmed", rs.Hostname)
	}
	if calls != 1 {
		t.Errorf("resolver called %d times, want 1", calls)
	}
}

func TestWorkerIdempotentOnAlreadyResolved(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	sess := newTestSession(t, ip)

	calls := 0
	resolver := func(addr string) ([]string, error) {
		calls++
		return []string{"router.example.com."}, nil
	}
	w := New(sess, resolver)

	w.tick()
	w.tick()
	w.tick()

	if calls != 1 {
		t.Errorf("resolver called %d times across repeated ticks, want 1 (cache + idempotent apply)", calls)
	}
}

func TestWorkerNegativeResultCached(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	sess := newTestSession(t, ip)

	calls := 0
	resolver := func(addr string) ([]string, error) {
		calls++
		return nil, nil
	}
	w := New(sess, resolver)

	w.tick()
	w.tick()

	if calls != 1 {
		t.Errorf("resolver called %d times, want 1 (negative result should be cached too)", calls)
	}
	sess.RLock()
	defer sess.RUnlock()
	if sess.Hop(1).Responders[ip].Hostname != "" {
		t.Errorf("Hostname = %q, want empty after a negative lookup", sess.Hop(1).Responders[ip].Hostname)
	}
}

func TestUnresolvedRespectsLimit(t *testing.T) {
	ips := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("10.0.0.3"),
	}
	sess := newTestSession(t, ips...)
	w := New(sess, func(string) ([]string, error) { return nil, nil })

	got := w.unresolved(2)
	if len(got) != 2 {
		t.Errorf("len(unresolved(2)) = %d, want 2", len(got))
	}
}
