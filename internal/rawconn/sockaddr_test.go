package rawconn

import (
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/basn/ttl/internal/util"
)

func TestSockaddrRoundTripV4(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.1")
	sa, err := toSockaddr(util.IPv4, addr)
	if err != nil {
		t.Fatalf("toSockaddr: %v", err)
	}
	got, err := fromSockaddr(sa)
	if err != nil {
		t.Fatalf("fromSockaddr: %v", err)
	}
	if got != addr {
		t.Errorf("round trip = %v, want %v", got, addr)
	}
}

func TestSockaddrRoundTripV6(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::1")
	sa, err := toSockaddr(util.IPv6, addr)
	if err != nil {
		t.Fatalf("toSockaddr: %v", err)
	}
	got, err := fromSockaddr(sa)
	if err != nil {
		t.Fatalf("fromSockaddr: %v", err)
	}
	if got != addr {
		t.Errorf("round trip = %v, want %v", got, addr)
	}
}

func TestSockaddrUnsupportedVersion(t *testing.T) {
	if _, err := toSockaddr(util.IPVersion(0), netip.MustParseAddr("10.0.0.1")); err == nil {
		t.Error("toSockaddr with an unsupported IP version did not error")
	}
}

func TestFromSockaddrUnsupportedType(t *testing.T) {
	if _, err := fromSockaddr(&unix.SockaddrUnix{}); err == nil {
		t.Error("fromSockaddr with an unsupported sockaddr type did not error")
	}
}
