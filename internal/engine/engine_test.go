// Grounded on internal/backend/test/test.go's MockConn/InjectID pattern,
// adapted to a small hand-rolled fake since the engine's conn interface is
// far narrower than backend.Conn.
package engine

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/basn/ttl/internal/probe"
	"github.com/basn/ttl/internal/session"
)

// echoReplyBytes builds a raw IPv4 ICMP echo reply, outer header included,
// matching what rawconn.Conn.ReadFrom hands back on a real socket.
func echoReplyBytes(t *testing.T, id int, seq uint16) []byte {
	t.Helper()
	msg := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: id, Seq: int(seq), Data: []byte{1, 2, 3}}}
	icmpBuf, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("icmp marshal: %v", err)
	}
	iph := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(icmpBuf),
		Protocol: 1,
		Src:      net.IPv4(10, 0, 0, 1),
		Dst:      net.IPv4(10, 0, 0, 2),
	}
	iphBuf, err := iph.Marshal()
	if err != nil {
		t.Fatalf("ipv4 header marshal: %v", err)
	}
	return append(iphBuf, icmpBuf...)
}

// fakeConn is an in-memory stand-in for a rawconn.Conn: writes are recorded,
// and reads are served from a channel the test feeds.
type fakeConn struct {
	mu      sync.Mutex
	written []writtenPacket
	ttls    []int
	replies chan replyMsg
	closed  bool
}

type writtenPacket struct {
	dest netip.Addr
	id   int
	seq  uint16
}

type replyMsg struct {
	b    []byte
	from netip.Addr
}

func newFakeConn() *fakeConn {
	return &fakeConn{replies: make(chan replyMsg, 16)}
}

func (c *fakeConn) WriteTo(dest netip.Addr, id int, seq uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, writtenPacket{dest: dest, id: id, seq: seq})
	return nil
}

func (c *fakeConn) SetTTL(ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls = append(c.ttls, ttl)
	return nil
}

func (c *fakeConn) ReadFrom(ctx context.Context) ([]byte, netip.Addr, error) {
	select {
	case r := <-c.replies:
		return r.b, r.from, nil
	case <-ctx.Done():
		return nil, netip.Addr{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestSendProbeRecordsBeforeReceiveCanRace(t *testing.T) {
	target := netip.MustParseAddr("10.0.0.1")
	sess := session.New(session.Target{Resolved: target}, session.Config{MaxTTL: 1, PayloadSize: probe.DefaultPayloadSize}, time.Now())
	conn := newFakeConn()
	c := fakeclock.NewFakeClock(time.Now())

	e := New(sess, conn, target, 42, &Options{Clock: c})
	e.sendProbe(1, 7)

	if e.pend.Len() != 1 {
		t.Fatalf("pending table len = %d, want 1 after sendProbe", e.pend.Len())
	}
	sess.RLock()
	sent := sess.Hop(1).Sent
	sess.RUnlock()
	if sent != 1 {
		t.Errorf("hop sent = %d, want 1", sent)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.written) != 1 || conn.written[0].dest != target {
		t.Errorf("written packets = %+v", conn.written)
	}
}

func TestTickSkipsWhilePaused(t *testing.T) {
	target := netip.MustParseAddr("10.0.0.1")
	sess := session.New(session.Target{Resolved: target}, session.Config{MaxTTL: 2, PayloadSize: probe.DefaultPayloadSize}, time.Now())
	sess.Lock()
	sess.Paused = true
	sess.Unlock()

	conn := newFakeConn()
	e := New(sess, conn, target, 1, nil)

	done := e.tick(0)
	if done {
		t.Fatal("tick() reported done while paused")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.written) != 0 {
		t.Errorf("tick() sent %d packets while paused, want 0", len(conn.written))
	}
}

func TestTickReportsDoneAtCountCap(t *testing.T) {
	target := netip.MustParseAddr("10.0.0.1")
	sess := session.New(session.Target{Resolved: target}, session.Config{MaxTTL: 1, Count: 1, PayloadSize: probe.DefaultPayloadSize}, time.Now())
	conn := newFakeConn()
	e := New(sess, conn, target, 1, nil)

	e.tick(0)
	if done := e.tick(1); !done {
		t.Error("tick() did not report done once the count cap was reached")
	}
}

func TestRunReceiveCorrelatesAndInvokesCallback(t *testing.T) {
	target := netip.MustParseAddr("10.0.0.1")
	sess := session.New(session.Target{Resolved: target}, session.Config{MaxTTL: 1, PayloadSize: probe.DefaultPayloadSize}, time.Now())
	conn := newFakeConn()

	var mu sync.Mutex
	var got []session.ProbeResult
	e := New(sess, conn, target, 4321, &Options{Callback: func(r session.ProbeResult) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r)
	}})

	e.sendProbe(1, 0)

	b := echoReplyBytes(t, 4321, session.ProbeId{TTL: 1, Seq: 0}.Encode())
	conn.replies <- replyMsg{b: b, from: target}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.runReceive(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, time.Millisecond, "callback never invoked for a correlated reply")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint8(1), got[0].TTL)
	require.Equal(t, session.EchoReply, got[0].Type)
}
