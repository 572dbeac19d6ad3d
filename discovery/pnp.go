// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"strings"
)

// PnP instance id prefixes of Bluetooth device nodes.
const (
	prefixClassic  = `BTHENUM\`
	prefixLE       = `BTHLE\`
	prefixLEDevice = `BTHLEDEVICE\`

	// handsFreeAudioGatewayMarker identifies the HFP audio gateway service node,
	// whose battery property mirrors the phone side and is less reliable.
	handsFreeAudioGatewayMarker = "{0000111f-"
)

// PnPNode is one node of the PnP device tree with its raw battery property.
type PnPNode struct {
	InstanceID string
	// Battery is the DEVPKEY_Bluetooth_Battery value, nil when absent.
	Battery *int
}

// IsBluetoothInstanceID reports whether id belongs to a Bluetooth device node.
func IsBluetoothInstanceID(id string) bool {
	return hasPrefixFold(id, prefixClassic) || hasPrefixFold(id, prefixLE) || hasPrefixFold(id, prefixLEDevice)
}

// IsHandsFreeAudioGateway reports whether id is an HFP audio gateway node.
func IsHandsFreeAudioGateway(id string) bool {
	return strings.Contains(strings.ToLower(id), handsFreeAudioGatewayMarker)
}

// AddressFromInstanceID extracts the Bluetooth address embedded in a PnP
// device instance id. Supported shapes:
//
//	BTHLE\DEV_E6149E844600\...
//	BTHENUM\DEV_AC800A1B2C3D\...
//	BTHLEDEVICE\{...}_DEV_VID&0217EF_PID&613A_REV&0062_E6149E844600\...
//	BTHENUM\{...}_VID&...\7&2A9B1F1C&0&AC800A1B2C3D_C00000000
func AddressFromInstanceID(id string) (Address, bool) {
	var part string

	switch {
	case hasPrefixFold(id, prefixLE+"DEV_"):
		part = segmentAfterPrefix(id, len(prefixLE+"DEV_"))
	case hasPrefixFold(id, prefixClassic+"DEV_"):
		part = segmentAfterPrefix(id, len(prefixClassic+"DEV_"))
	case strings.Contains(strings.ToUpper(id), "_DEV_VID&"):
		lastSlash := strings.LastIndex(id, `\`)
		if lastSlash <= 12 {
			return 0, false
		}
		before := id[:lastSlash]
		us := strings.LastIndex(before, "_")
		if us > 0 && len(before)-us-1 == 12 {
			part = before[us+1:]
		}
	case hasPrefixFold(id, prefixClassic):
		us := strings.LastIndex(id, "_")
		if us <= 12 {
			return 0, false
		}
		amp := strings.LastIndex(id[:us], "&")
		if amp >= 0 && us-amp-1 == 12 {
			part = id[amp+1 : us]
		}
	}

	if part == "" {
		return 0, false
	}
	addr, err := ParseAddress(part)
	if err != nil || addr == 0 {
		return 0, false
	}
	return addr, true
}

// segmentAfterPrefix returns the text after offset up to the next backslash.
// The backslash is required.
func segmentAfterPrefix(id string, offset int) string {
	rest := id[offset:]
	slash := strings.Index(rest, `\`)
	if slash <= 0 {
		return ""
	}
	return rest[:slash]
}

// BatteryReportsFromPnP turns PnP nodes into battery reports. Nodes that are
// not Bluetooth, carry no address or no valid battery are skipped. Audio
// gateway nodes are reported in the fallback tier.
func BatteryReportsFromPnP(nodes []PnPNode) []BatteryReport {
	var reports []BatteryReport
	for _, n := range nodes {
		if n.Battery == nil || !IsBluetoothInstanceID(n.InstanceID) {
			continue
		}
		level := *n.Battery
		if level < 0 || level > 100 {
			continue
		}
		addr, ok := AddressFromInstanceID(n.InstanceID)
		if !ok {
			continue
		}

		tier := TierPrimary
		if IsHandsFreeAudioGateway(n.InstanceID) {
			tier = TierFallback
		}
		reports = append(reports, BatteryReport{Address: addr, Level: level, Tier: tier, Source: SourcePnP})
	}
	return reports
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
