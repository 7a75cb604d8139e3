// Package export serializes a Session to the pretty-printed JSON document
// format external tooling consumes.
//
// Grounded on original_source's export/json.rs for the filename convention
// and duration_serde for the microsecond encoding, adapted to Go's
// json.Marshal via a mirrored wire-format tree rather than the stdlib
// encoding/json one struct per type this package otherwise favors, since
// time.Duration has no hook of its own to marshal as microseconds.
package export

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/basn/ttl/internal/session"
)

// micros is a duration serialized as an integer number of microseconds,
// matching the spec's export contract.
type micros int64

func fromDuration(d time.Duration) micros {
	return micros(d.Microseconds())
}

type wireResponder struct {
	IP       netip.Addr     `json:"ip"`
	Hostname string         `json:"hostname,omitempty"`
	ASN      *session.AsnInfo `json:"asn,omitempty"`
	Geo      *session.GeoInfo `json:"geo,omitempty"`
	IX       *session.IxInfo  `json:"ix,omitempty"`
	Sent     uint64         `json:"sent"`
	Received uint64         `json:"received"`
	MinRTT   micros         `json:"min_rtt"`
	MaxRTT   micros         `json:"max_rtt"`
	MeanRTT  micros         `json:"mean_rtt"`
	StdDev   micros         `json:"stddev"`
	Jitter   micros         `json:"jitter"`
}

type wireHop struct {
	TTL        uint8                     `json:"ttl"`
	Sent       uint64                    `json:"sent"`
	Received   uint64                    `json:"received"`
	LossPct    float64                   `json:"loss_pct"`
	Responders map[string]wireResponder  `json:"responders"`
	Primary    *netip.Addr               `json:"primary,omitempty"`
}

type wireTarget struct {
	Original string     `json:"original"`
	Resolved netip.Addr `json:"resolved"`
	Hostname string     `json:"hostname,omitempty"`
}

type wireConfig struct {
	Interval    micros `json:"interval"`
	MaxTTL      uint8  `json:"max_ttl"`
	Count       uint64 `json:"count"`
	PayloadSize int    `json:"payload_size"`
}

type wireSession struct {
	Target    wireTarget `json:"target"`
	StartedAt time.Time  `json:"started_at"`
	Hops      []wireHop  `json:"hops"`
	Config    wireConfig `json:"config"`
	Complete  bool       `json:"complete"`
	TotalSent uint64     `json:"total_sent"`
	Paused    bool       `json:"paused"`
}

// toWire builds the exported tree from a read snapshot of sess. Callers
// must hold at least a read lock for the duration of this call.
func toWire(sess *session.Session) wireSession {
	hops := make([]wireHop, len(sess.Hops))
	for i, h := range sess.Hops {
		responders := make(map[string]wireResponder, len(h.Responders))
		for ip, rs := range h.Responders {
			responders[ip.String()] = wireResponder{
				IP:       rs.IP,
				Hostname: rs.Hostname,
				ASN:      rs.ASN,
				Geo:      rs.Geo,
				IX:       rs.IX,
				Sent:     rs.Sent,
				Received: rs.Received,
				MinRTT:   fromDuration(rs.MinRTT),
				MaxRTT:   fromDuration(rs.MaxRTT),
				MeanRTT:  fromDuration(rs.MeanRTT()),
				StdDev:   fromDuration(rs.StdDev()),
				Jitter:   fromDuration(rs.Jitter()),
			}
		}
		hops[i] = wireHop{
			TTL:        h.TTL,
			Sent:       h.Sent,
			Received:   h.Received,
			LossPct:    h.LossPct(),
			Responders: responders,
			Primary:    h.Primary,
		}
	}

	return wireSession{
		Target: wireTarget{
			Original: sess.Target.Original,
			Resolved: sess.Target.Resolved,
			Hostname: sess.Target.Hostname,
		},
		StartedAt: sess.StartedAt,
		Hops:      hops,
		Config: wireConfig{
			Interval:    fromDuration(sess.Config.Interval),
			MaxTTL:      sess.Config.MaxTTL,
			Count:       sess.Config.Count,
			PayloadSize: sess.Config.PayloadSize,
		},
		Complete:  sess.Complete,
		TotalSent: sess.TotalSent,
		Paused:    sess.Paused,
	}
}

// Marshal renders a pretty-printed JSON snapshot of sess. It takes its own
// read lock, so callers must not already hold one.
func Marshal(sess *session.Session) ([]byte, error) {
	sess.RLock()
	defer sess.RUnlock()
	return json.MarshalIndent(toWire(sess), "", "  ")
}

// FileName returns the auto-export filename for a session whose target's
// original input is target, at time t: ttl-{target}-{YYYYMMDD-HHMMSS}.json.
func FileName(target string, t time.Time) string {
	return fmt.Sprintf("ttl-%s-%s.json", target, t.Format("20060102-150405"))
}

// ToFile renders sess and writes it to FileName(sess.Target.Original, at) in
// the current working directory.
func ToFile(sess *session.Session, at time.Time) (string, error) {
	b, err := Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("export: marshal session: %w", err)
	}
	name := FileName(sess.Target.Original, at)
	if err := os.WriteFile(name, b, 0o644); err != nil {
		return "", fmt.Errorf("export: write %s: %w", name, err)
	}
	return name, nil
}
