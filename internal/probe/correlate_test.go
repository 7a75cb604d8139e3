// Grounded on icmppkt_test.go's ipHeader/echoReply packet-building helpers
// (internal/icmppkt/icmppkt_test.go), adapted to the outer-header stripping
// this package's Parse performs itself instead of receiving pre-stripped
// bytes.
package probe

import (
	"net"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/basn/ttl/internal/session"
	"github.com/basn/ttl/internal/util"
)

func ipv4Header(t *testing.T, protocol, payloadLen int) []byte {
	t.Helper()
	h := ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + payloadLen,
		Protocol: protocol,
		Src:      net.IPv4(127, 0, 0, 1),
		Dst:      net.IPv4(127, 0, 0, 1),
	}
	b, err := h.Marshal()
	if err != nil {
		t.Fatalf("ipv4 header marshal: %v", err)
	}
	return b
}

func marshalWithOuterV4(t *testing.T, msg icmp.Message) []byte {
	t.Helper()
	icmpBuf, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("icmp marshal: %v", err)
	}
	return append(ipv4Header(t, util.IPv4.ICMPProtoNum(), len(icmpBuf)), icmpBuf...)
}

func embeddedEchoRequest(t *testing.T, id, seq int) []byte {
	t.Helper()
	msg := icmp.Message{Type: ipv4.ICMPTypeEcho, Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte{1, 2, 3}}}
	return marshalWithOuterV4(t, msg)
}

func TestParseEchoReplyV4(t *testing.T) {
	id := session.ProbeId{TTL: 5, Seq: 9}
	msg := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: 42, Seq: int(id.Encode()), Data: []byte{1, 2, 3}}}
	b := marshalWithOuterV4(t, msg)

	got, err := Parse(util.IPv4, b, 42)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Response{ID: id, Type: session.EchoReply}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseEchoReplyWrongIdentifier(t *testing.T) {
	msg := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: 42, Seq: 1, Data: []byte{1}}}
	b := marshalWithOuterV4(t, msg)

	if _, err := Parse(util.IPv4, b, 99); err != ErrNotOurs {
		t.Errorf("err = %v, want ErrNotOurs", err)
	}
}

func TestParseTimeExceededV4(t *testing.T) {
	id := session.ProbeId{TTL: 3, Seq: 200}
	embedded := embeddedEchoRequest(t, 42, int(id.Encode()))
	msg := icmp.Message{Type: ipv4.ICMPTypeTimeExceeded, Body: &icmp.TimeExceeded{Data: embedded}}
	b := marshalWithOuterV4(t, msg)

	got, err := Parse(util.IPv4, b, 42)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Response{ID: id, Type: session.TimeExceeded}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseDestUnreachableV4(t *testing.T) {
	id := session.ProbeId{TTL: 1, Seq: 1}
	embedded := embeddedEchoRequest(t, 42, int(id.Encode()))
	msg := icmp.Message{Type: ipv4.ICMPTypeDestinationUnreachable, Code: 3, Body: &icmp.DstUnreach{Data: embedded}}
	b := marshalWithOuterV4(t, msg)

	got, err := Parse(util.IPv4, b, 42)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Response{ID: id, Type: session.DestUnreachable, Code: 3}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseEmbeddedWrongIdentifierRejected(t *testing.T) {
	embedded := embeddedEchoRequest(t, 7, 1)
	msg := icmp.Message{Type: ipv4.ICMPTypeTimeExceeded, Body: &icmp.TimeExceeded{Data: embedded}}
	b := marshalWithOuterV4(t, msg)

	if _, err := Parse(util.IPv4, b, 42); err != ErrNotOurs {
		t.Errorf("err = %v, want ErrNotOurs", err)
	}
}

func TestParseGarbageRejected(t *testing.T) {
	if _, err := Parse(util.IPv4, []byte{1, 2, 3}, 42); err != ErrNotOurs {
		t.Errorf("err = %v, want ErrNotOurs", err)
	}
}

func TestParseTruncatedTimeExceededRejected(t *testing.T) {
	id := session.ProbeId{TTL: 1, Seq: 1}
	embedded := embeddedEchoRequest(t, 42, int(id.Encode()))
	msg := icmp.Message{Type: ipv4.ICMPTypeTimeExceeded, Body: &icmp.TimeExceeded{Data: embedded[:len(embedded)-4]}}
	b := marshalWithOuterV4(t, msg)

	if _, err := Parse(util.IPv4, b, 42); err != ErrNotOurs {
		t.Errorf("err = %v, want ErrNotOurs", err)
	}
}
