// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"strings"
)

// DefaultExcludedNames are name fragments of Bluetooth stack infrastructure
// that is never a physical accessory.
var DefaultExcludedNames = []string{
	"RFCOMM",
	"Bluetooth Adapter",
	"Bluetooth Enumerator",
	"Generic Bluetooth",
	"Microsoft",
	"HCI",
	"AVRCP",
	"A2DP",
	"Audio Gateway",
}

// NameFilter decides which device names are user-facing.
type NameFilter struct {
	excluded []string
}

// NewNameFilter builds a filter from case-insensitive name fragments.
// A nil slice selects DefaultExcludedNames.
func NewNameFilter(excluded []string) NameFilter {
	if excluded == nil {
		excluded = DefaultExcludedNames
	}
	lowered := make([]string, 0, len(excluded))
	for _, e := range excluded {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			lowered = append(lowered, e)
		}
	}
	return NameFilter{excluded: lowered}
}

// Allow reports whether name looks like a physical accessory: longer than
// two characters and free of every excluded fragment.
func (f NameFilter) Allow(name string) bool {
	name = strings.TrimSpace(name)
	if len(name) <= 2 {
		return false
	}
	lower := strings.ToLower(name)
	for _, e := range f.excluded {
		if strings.Contains(lower, e) {
			return false
		}
	}
	return true
}

// ProbePolicy selects the classic devices worth an AT-command battery probe.
type ProbePolicy struct {
	contains []string
	prefixes []string
}

// NewProbePolicy builds a policy matching names that contain any of contains
// or start with any of prefixes, case-insensitively.
func NewProbePolicy(contains, prefixes []string) ProbePolicy {
	return ProbePolicy{contains: lowerAll(contains), prefixes: lowerAll(prefixes)}
}

// DefaultProbePolicy matches Sony headsets, which expose battery only over AT commands.
func DefaultProbePolicy() ProbePolicy {
	return NewProbePolicy([]string{"sony", "xm"}, []string{"wf-", "wh-"})
}

// ShouldProbe reports whether name matches the policy.
func (p ProbePolicy) ShouldProbe(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	for _, c := range p.contains {
		if strings.Contains(lower, c) {
			return true
		}
	}
	for _, pre := range p.prefixes {
		if strings.HasPrefix(lower, pre) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
