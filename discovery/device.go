// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery reconciles the overlapping Bluetooth device lists exposed
// by the operating system into one record per physical device, with the most
// trustworthy battery level attached.
//
// Raw input comes from independent sources (classic and LE enumeration, the
// PnP device tree battery property, AT-command probing over RFCOMM). Each is
// queried concurrently under one cycle deadline; a failing or hung source
// contributes nothing and never aborts the others.
package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 48-bit Bluetooth device address. The zero value means unknown.
type Address uint64

// ParseAddress parses 12 hex digits, optionally separated by ':' or '-'.
func ParseAddress(s string) (Address, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != 12 {
		return 0, fmt.Errorf("bluetooth address %q: want 12 hex digits", s)
	}
	v, err := strconv.ParseUint(clean, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bluetooth address %q: %w", s, err)
	}
	return Address(v), nil
}

// String formats the address as AA:BB:CC:DD:EE:FF.
func (a Address) String() string {
	if a == 0 {
		return ""
	}
	b := make([]string, 6)
	for i := 0; i < 6; i++ {
		b[i] = fmt.Sprintf("%02X", byte(a>>(8*(5-i))))
	}
	return strings.Join(b, ":")
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Kind distinguishes the Bluetooth transport a raw device was found on.
type Kind string

// Device kinds.
const (
	KindClassic Kind = "classic"
	KindLE      Kind = "le"
)

// RawDevice is one entry from one enumeration source.
type RawDevice struct {
	ID        string
	Name      string
	Address   Address
	Kind      Kind
	Connected bool
	// Battery is set when the enumeration itself carries a level.
	Battery *int
	Source  string
}

// Device is the reconciled record of one physical device.
type Device struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Address         Address `json:"address,omitempty"`
	Connected       bool    `json:"connected"`
	Battery         *int    `json:"battery,omitempty"`
	BatteryFallback bool    `json:"battery_fallback"`
	BatterySource   string  `json:"battery_source,omitempty"`
}

// HasBattery reports whether a battery level is known.
func (d Device) HasBattery() bool {
	return d.Battery != nil
}
