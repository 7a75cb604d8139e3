// Package util contains small helpers shared by the probing packages.
package util

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"syscall"
)

// Identifier returns the per-process ICMP identifier: the low 16 bits of the
// process id. Every probe this process sends carries this value, and the
// correlator uses it to reject replies to some other process's probes.
func Identifier() int {
	return os.Getpid() & 0xffff
}

// IPVersion is the version of IP to use.
type IPVersion byte

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// AddressFamily returns the socket domain for this IP version.
func (v IPVersion) AddressFamily() int {
	switch v {
	case IPv4:
		return syscall.AF_INET
	case IPv6:
		return syscall.AF_INET6
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

// IPProtoNum returns the IP-level socket option level for this IP version.
func (v IPVersion) IPProtoNum() int {
	switch v {
	case IPv4:
		return syscall.IPPROTO_IP
	case IPv6:
		return syscall.IPPROTO_IPV6
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

// ICMPProtoNum returns the protocol number for ICMPv4 or ICMPv6 as appropriate.
func (v IPVersion) ICMPProtoNum() int {
	switch v {
	case IPv4:
		return syscall.IPPROTO_ICMP
	case IPv6:
		return syscall.IPPROTO_ICMPV6
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

// TTLSockOpt returns socket option for accessing the time to live.
func (v IPVersion) TTLSockOpt() int {
	switch v {
	case IPv4:
		return syscall.IP_TTL
	case IPv6:
		return syscall.IPV6_UNICAST_HOPS
	default:
		log.Panicf("Invalid IPVersion: %v", v)
		return -1
	}
}

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("(unknown:%d)", v)
	}
}

// AddrVersionNetip returns the IPVersion for a netip.Addr.
func AddrVersionNetip(addr netip.Addr) IPVersion {
	if addr.Is4() || addr.Is4In6() {
		return IPv4
	}
	return IPv6
}

