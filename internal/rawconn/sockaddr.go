package rawconn

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/basn/ttl/internal/util"
)

// sendTo writes b to dest using the address family matching this socket's
// IP version.
func (c *Conn) sendTo(dest netip.Addr, b []byte) error {
	sa, err := toSockaddr(c.ipVer, dest)
	if err != nil {
		return err
	}
	return unix.Sendto(c.fd, b, 0, sa)
}

// recvFrom reads into buf and resolves the sender back to a netip.Addr.
func (c *Conn) recvFrom(buf []byte) (int, netip.Addr, error) {
	n, from, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		return 0, netip.Addr{}, err
	}
	addr, err := fromSockaddr(from)
	if err != nil {
		return 0, netip.Addr{}, err
	}
	return n, addr, nil
}

func toSockaddr(ipVer util.IPVersion, addr netip.Addr) (unix.Sockaddr, error) {
	switch ipVer {
	case util.IPv4:
		a4 := addr.As4()
		return &unix.SockaddrInet4{Addr: a4}, nil
	case util.IPv6:
		a16 := addr.As16()
		return &unix.SockaddrInet6{Addr: a16}, nil
	default:
		return nil, fmt.Errorf("rawconn: unsupported IP version %v", ipVer)
	}
}

func fromSockaddr(sa unix.Sockaddr) (netip.Addr, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr), nil
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr), nil
	default:
		return netip.Addr{}, fmt.Errorf("rawconn: unsupported sockaddr %T", sa)
	}
}
