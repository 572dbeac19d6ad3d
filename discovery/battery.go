// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// DEVPROPTYPE values of the device properties read from the PnP tree.
const (
	devpropTypeSByte   = 0x00000002
	devpropTypeByte    = 0x00000003
	devpropTypeInt16   = 0x00000004
	devpropTypeUint16  = 0x00000005
	devpropTypeInt32   = 0x00000006
	devpropTypeUint32  = 0x00000007
	devpropTypeBoolean = 0x00000011
	devpropTypeString  = 0x00000012
)

// Tier ranks how trustworthy a battery report is.
type Tier int

// Battery tiers. A higher tier always beats a lower one.
const (
	// TierFallback is a value derived indirectly, e.g. from the hands-free
	// audio gateway node or from AT-command sniffing.
	TierFallback Tier = iota
	// TierPrimary is the device's own battery property.
	TierPrimary
)

func (t Tier) String() string {
	if t == TierPrimary {
		return "primary"
	}
	return "fallback"
}

// BatteryReport is one battery level observed for one address.
type BatteryReport struct {
	Address Address
	Level   int
	Tier    Tier
	Source  string
}

// ResolvedBattery is the level chosen for an address.
type ResolvedBattery struct {
	Level    int
	Fallback bool
	Source   string
}

// ResolveBatteries picks one level per address: any primary report beats
// every fallback report, and within a tier the highest level wins.
// Reports without an address or with a level outside 0-100 are ignored.
func ResolveBatteries(reports []BatteryReport) map[Address]ResolvedBattery {
	chosen := make(map[Address]BatteryReport)

	for _, r := range reports {
		if r.Address == 0 || r.Level < 0 || r.Level > 100 {
			continue
		}
		cur, ok := chosen[r.Address]
		if !ok || r.Tier > cur.Tier || (r.Tier == cur.Tier && r.Level > cur.Level) {
			chosen[r.Address] = r
		}
	}

	out := make(map[Address]ResolvedBattery, len(chosen))
	for addr, r := range chosen {
		out[addr] = ResolvedBattery{
			Level:    r.Level,
			Fallback: r.Tier == TierFallback,
			Source:   r.Source,
		}
	}
	return out
}

// BatteryFromProperty decodes a raw little-endian device property buffer of
// the given DEVPROPTYPE and returns it as a battery percentage.
func BatteryFromProperty(propType uint32, buf []byte) (int, bool) {
	return CoerceBatteryPercent(propertyValue(propType, buf))
}

func propertyValue(propType uint32, buf []byte) any {
	switch propType {
	case devpropTypeSByte:
		if len(buf) >= 1 {
			return int8(buf[0])
		}
	case devpropTypeByte:
		if len(buf) >= 1 {
			return buf[0]
		}
	case devpropTypeInt16:
		if len(buf) >= 2 {
			return int16(binary.LittleEndian.Uint16(buf))
		}
	case devpropTypeUint16:
		if len(buf) >= 2 {
			return binary.LittleEndian.Uint16(buf)
		}
	case devpropTypeInt32:
		if len(buf) >= 4 {
			return int32(binary.LittleEndian.Uint32(buf))
		}
	case devpropTypeUint32:
		if len(buf) >= 4 {
			return binary.LittleEndian.Uint32(buf)
		}
	case devpropTypeString:
		u := make([]uint16, 0, len(buf)/2)
		for i := 0; i+1 < len(buf); i += 2 {
			c := binary.LittleEndian.Uint16(buf[i:])
			if c == 0 {
				break
			}
			u = append(u, c)
		}
		return string(utf16.Decode(u))
	}
	return nil
}

// CoerceBatteryPercent converts a loosely typed property value to a percentage.
// It accepts integer and float kinds and numeric strings, and rejects values
// outside 0-100.
func CoerceBatteryPercent(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case uint8:
		f = float64(x)
	case int8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case int16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case int32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case uint:
		f = float64(x)
	case float32:
		f = float64(x)
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "%")), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || f < 0 || f > 100 {
		return 0, false
	}
	return int(f), true
}
