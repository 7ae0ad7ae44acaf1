// Package trigger defines acquisition trigger specifications and their
// compiled software form.
//
// A Spec is declarative: one condition per channel. Drivers compile it
// once per acquisition start, either into device registers or into a
// Compiled value evaluated in software against consecutive sample words
// (the "soft trigger" used to pinpoint the exact trigger sample when
// the device reports the position only to block granularity).
package trigger

import (
	"fmt"

	"github.com/c360/acqstreams/errors"
)

// Condition is the per-channel trigger condition.
type Condition int

const (
	// Low matches while the channel is 0.
	Low Condition = iota
	// High matches while the channel is 1.
	High
	// Rising matches a 0→1 transition.
	Rising
	// Falling matches a 1→0 transition.
	Falling
)

// String returns the condition name.
func (c Condition) String() string {
	switch c {
	case Low:
		return "low"
	case High:
		return "high"
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	default:
		return "unknown"
	}
}

// Spec is a declarative trigger specification: channel index → condition.
type Spec struct {
	Conditions map[int]Condition
}

// Empty reports whether the spec matches nothing (no conditions).
func (s *Spec) Empty() bool {
	return s == nil || len(s.Conditions) == 0
}

// Compiled is the mask/value form evaluated against sample words.
// Level conditions contribute to SimpleMask/SimpleValue, edge
// conditions to RisingMask/FallingMask.
type Compiled struct {
	SimpleMask  uint16
	SimpleValue uint16
	RisingMask  uint16
	FallingMask uint16
}

// Compile validates the spec against the channel count and produces the
// mask/value form. Compilation happens once per acquisition start.
func (s *Spec) Compile(channelCount int) (*Compiled, error) {
	c := &Compiled{}
	if s == nil {
		return c, nil
	}
	for ch, cond := range s.Conditions {
		if ch < 0 || ch >= channelCount || ch > 15 {
			return nil, errors.WrapArgument(
				fmt.Errorf("channel %d out of range (0..%d)", ch, channelCount-1),
				"trigger", "Compile", "channel validation")
		}
		bit := uint16(1) << ch
		switch cond {
		case Low:
			c.SimpleMask |= bit
		case High:
			c.SimpleMask |= bit
			c.SimpleValue |= bit
		case Rising:
			c.RisingMask |= bit
		case Falling:
			c.FallingMask |= bit
		default:
			return nil, errors.WrapArgument(
				fmt.Errorf("channel %d: unknown condition %d", ch, cond),
				"trigger", "Compile", "condition validation")
		}
	}
	return c, nil
}

// Armed reports whether any condition was compiled in.
func (c *Compiled) Armed() bool {
	return c != nil &&
		(c.SimpleMask != 0 || c.RisingMask != 0 || c.FallingMask != 0)
}

// Match evaluates the trigger against a sample and its predecessor.
// All level bits must match, all rising bits must be 0 in last and 1 in
// sample, all falling bits the reverse.
func (c *Compiled) Match(last, sample uint16) bool {
	if sample&c.SimpleMask != c.SimpleValue {
		return false
	}
	if c.RisingMask != 0 {
		if last&c.RisingMask != 0 || sample&c.RisingMask != c.RisingMask {
			return false
		}
	}
	if c.FallingMask != 0 {
		if last&c.FallingMask != c.FallingMask || sample&c.FallingMask != 0 {
			return false
		}
	}
	return true
}

// FindOffset scans samples for the first index satisfying the trigger,
// seeding the edge comparison with last. When no sample matches it
// returns len(samples), mirroring the device behavior of latching the
// reported position when the re-scan finds nothing sharper.
func (c *Compiled) FindOffset(samples []uint16, last uint16) int {
	for i, s := range samples {
		if c.Match(last, s) {
			return i
		}
		last = s
	}
	return len(samples)
}
