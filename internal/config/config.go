// Package config holds the tunables the probing core consumes, following
// the defaulting-accessor pattern used throughout the teacher repo
// (pinger.Options, tracer.Options): an exported struct where the zero value
// of each field means "use the default", plus unexported accessor methods
// that apply it lazily.
package config

import (
	"time"

	"github.com/basn/ttl/internal/probe"
)

// Config is the configuration the probing core consumes. No environment
// variables are read by the core; everything here must be supplied
// explicitly by the caller (cmd/ttl's flag parsing).
type Config struct {
	// Interval is the time between probe sweeps. Defaults to 1s.
	Interval time.Duration

	// MaxTTL is the upper TTL bound. Defaults to 30.
	MaxTTL uint8

	// Count caps the session at Count × MaxTTL probes in total (Count per
	// hop only while every hop is being probed); zero means unbounded.
	Count uint64

	// PayloadSize overrides the ICMP echo payload size. Defaults to
	// probe.DefaultPayloadSize.
	PayloadSize int
}

// interval returns the configured interval, or its default.
func (c *Config) interval() time.Duration {
	if c == nil || c.Interval == 0 {
		return time.Second
	}
	return c.Interval
}

// maxTTL returns the configured maximum TTL, or its default.
func (c *Config) maxTTL() uint8 {
	if c == nil || c.MaxTTL == 0 {
		return 30
	}
	return c.MaxTTL
}

// count returns the configured probe-count cap, or 0 (unbounded).
func (c *Config) count() uint64 {
	if c == nil {
		return 0
	}
	return c.Count
}

// payloadSize returns the configured payload size, or its default.
func (c *Config) payloadSize() int {
	if c == nil || c.PayloadSize == 0 {
		return probe.DefaultPayloadSize
	}
	return c.PayloadSize
}

// Normalize resolves every defaultable field and returns a concrete Config
// with no zero-value "use the default" sentinels left, safe to store
// verbatim in a session.
func (c *Config) Normalize() Config {
	return Config{
		Interval:    c.interval(),
		MaxTTL:      c.maxTTL(),
		Count:       c.count(),
		PayloadSize: c.payloadSize(),
	}
}
