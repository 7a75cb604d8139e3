package pending

import (
	"net/netip"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/basn/ttl/internal/session"
)

func TestInsertRemove(t *testing.T) {
	c := fakeclock.NewFakeClock(time.Now())
	tbl := New(c)

	key := Key{ID: session.ProbeId{TTL: 1, Seq: 0}, Target: netip.MustParseAddr("10.0.0.1")}
	tbl.Insert(key, key.Target)
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}

	p, ok := tbl.Remove(key)
	if !ok {
		t.Fatal("Remove() reported no entry for a key that was just inserted")
	}
	if p.SentAt != c.Now() {
		t.Errorf("SentAt = %v, want %v", p.SentAt, c.Now())
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after Remove = %d, want 0", tbl.Len())
	}

	if _, ok := tbl.Remove(key); ok {
		t.Error("Remove() on an already-removed key reported found")
	}
}

func TestSequenceWrapDoesNotCollide(t *testing.T) {
	c := fakeclock.NewFakeClock(time.Now())
	tbl := New(c)
	target := netip.MustParseAddr("10.0.0.1")

	for seq := 0; seq < 260; seq++ {
		key := Key{ID: session.ProbeId{TTL: 1, Seq: uint8(seq)}, Target: target}
		tbl.Insert(key, target)
		if _, ok := tbl.Remove(key); !ok {
			t.Fatalf("seq %d: Remove() reported not found immediately after Insert()", seq)
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after 260 insert/remove cycles = %d, want 0", tbl.Len())
	}
}

func TestReapExpiresStaleEntries(t *testing.T) {
	c := fakeclock.NewFakeClock(time.Now())
	tbl := New(c)
	sess := session.New(session.Target{}, session.Config{MaxTTL: 2}, c.Now())
	target := netip.MustParseAddr("10.0.0.1")

	key := Key{ID: session.ProbeId{TTL: 1, Seq: 0}, Target: target}
	tbl.Insert(key, target)

	interval := time.Second
	c.Increment(reapTimeout(interval) + time.Millisecond)
	Reap(tbl, sess, interval)

	if tbl.Len() != 0 {
		t.Errorf("Len() after Reap past the timeout = %d, want 0", tbl.Len())
	}
	sess.RLock()
	defer sess.RUnlock()
	hop := sess.Hop(1)
	if len(hop.Responders) != 0 {
		t.Errorf("reaping an entry with no prior responder created one: %+v", hop.Responders)
	}
}

func TestReapKeepsFreshEntries(t *testing.T) {
	c := fakeclock.NewFakeClock(time.Now())
	tbl := New(c)
	sess := session.New(session.Target{}, session.Config{MaxTTL: 2}, c.Now())
	target := netip.MustParseAddr("10.0.0.1")

	key := Key{ID: session.ProbeId{TTL: 1, Seq: 0}, Target: target}
	tbl.Insert(key, target)

	Reap(tbl, sess, time.Second)

	if tbl.Len() != 1 {
		t.Errorf("Len() after Reap with no elapsed time = %d, want 1", tbl.Len())
	}
}

func TestReapTimeoutFloor(t *testing.T) {
	if got, want := reapTimeout(100*time.Millisecond), minReapTimeout; got != want {
		t.Errorf("reapTimeout(100ms) = %v, want floor %v", got, want)
	}
	if got, want := reapTimeout(2*time.Second), 4*time.Second; got != want {
		t.Errorf("reapTimeout(2s) = %v, want %v", got, want)
	}
}
