package probe

import (
	"errors"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/basn/ttl/internal/session"
	"github.com/basn/ttl/internal/util"
)

// ErrNotOurs is returned by Parse for any datagram that isn't a response to
// one of this process's own probes: wrong ICMP identifier, an unsupported
// message type, or a packet too short to be genuine. All of these are
// expected background noise on a raw socket and are dropped, never treated
// as an error by callers.
var ErrNotOurs = errors.New("probe: not a response to one of our probes")

// Response is what the correlator recovers from one received datagram.
type Response struct {
	ID   session.ProbeId
	Type session.ResponseType
	Code uint8
}

// Parse recovers the probe identity and response kind from b, the raw bytes
// read off the socket for ipVer, rejecting anything that isn't a reply to
// one of wantIdentifier's probes.
//
// Parsing discipline (spec §4.3): an IPv4 raw socket hands back the outer IP
// header, so its length (IHL*4) is stripped before looking at the ICMP
// message; IPv6 raw sockets never include the IPv6 header. On EchoReply the
// identifier and sequence come straight from the ICMP header. On
// TimeExceeded/DestUnreachable, the ICMP body carries the original IPv4
// header followed by the first 8 bytes of the original ICMP header; that
// embedded header must look like one of our echo requests (type 8,
// identifier match) for the outer message to be accepted. All length checks
// are defensive: a short or malformed packet yields ErrNotOurs, never a
// panic.
func Parse(ipVer util.IPVersion, b []byte, wantIdentifier int) (Response, error) {
	if ipVer == util.IPv4 {
		hdr, err := ipv4.ParseHeader(b)
		if err != nil {
			return Response{}, ErrNotOurs
		}
		if len(b) < hdr.Len {
			return Response{}, ErrNotOurs
		}
		b = b[hdr.Len:]
	}

	proto := ipVer.ICMPProtoNum()
	msg, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return Response{}, ErrNotOurs
	}

	switch body := msg.Body.(type) {
	case *icmp.Echo:
		if body.ID != wantIdentifier {
			return Response{}, ErrNotOurs
		}
		return Response{ID: session.DecodeProbeId(uint16(body.Seq)), Type: session.EchoReply}, nil
	case *icmp.TimeExceeded:
		return parseEmbedded(body.Data, wantIdentifier, session.TimeExceeded, 0)
	case *icmp.DstUnreach:
		return parseEmbedded(body.Data, wantIdentifier, session.DestUnreachable, uint8(msg.Code))
	default:
		return Response{}, ErrNotOurs
	}
}

// parseEmbedded reads the original IPv4 header plus the leading 8 bytes of
// the original ICMP header out of an ICMP error body, and recovers the
// ProbeId if they describe one of our own echo requests.
func parseEmbedded(body []byte, wantIdentifier int, rt session.ResponseType, code uint8) (Response, error) {
	hdr, err := ipv4.ParseHeader(body)
	if err != nil {
		return Response{}, ErrNotOurs
	}
	if len(body) < hdr.Len+8 {
		return Response{}, ErrNotOurs
	}
	embedded := body[hdr.Len:]
	if embedded[0] != 8 { // ICMP echo request.
		return Response{}, ErrNotOurs
	}
	id := int(embedded[4])<<8 | int(embedded[5])
	if id != wantIdentifier {
		return Response{}, ErrNotOurs
	}
	seq := uint16(embedded[6])<<8 | uint16(embedded[7])
	return Response{ID: session.DecodeProbeId(seq), Type: rt, Code: code}, nil
}
