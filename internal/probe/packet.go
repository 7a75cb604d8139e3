// Package probe builds ICMP echo request payloads and correlates received
// ICMP messages back to the probe that produced them.
//
// Grounded on internal/backend/icmp/icmp.go's echo construction and
// message parsing, generalized from that package's opaque backend.Packet
// into the session.ProbeId-keyed correlation the spec requires.
package probe

import (
	"encoding/binary"
	"time"
)

// MinPayloadSize is the smallest payload BuildPayload accepts: just enough
// to carry the embedded send timestamp.
const MinPayloadSize = 8

// DefaultPayloadSize matches the data size of a standard `ping` echo
// request.
const DefaultPayloadSize = 56

// BuildPayload returns the ICMP echo payload: the first 8 bytes hold the
// wall-clock microseconds at sentAt (big-endian), so RTT can be recovered
// independently from the wire if the pending table ever loses the entry;
// the rest is filled with a cyclic i&0xFF pattern, matching standard ping
// tools. size must be at least MinPayloadSize; smaller values are raised to
// it.
func BuildPayload(size int, sentAt time.Time) []byte {
	if size < MinPayloadSize {
		size = MinPayloadSize
	}
	b := make([]byte, size)
	binary.BigEndian.PutUint64(b[:8], uint64(sentAt.UnixMicro()))
	for i := 8; i < size; i++ {
		b[i] = byte(i)
	}
	return b
}
