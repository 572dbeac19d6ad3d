// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

// PlatformSources are the operating system backed sources of one host.
type PlatformSources struct {
	Enumerators []Enumerator
	Batteries   []BatteryReporter
	// Dialer is nil where RFCOMM sockets are unavailable.
	Dialer RFCOMMDialer
}

// Options returns reconciler options wired to these sources. The AT-command
// prober is attached only when probe is true and a dialer exists.
func (p PlatformSources) Options(probe bool, prober ATProberOptions) Options {
	opts := Options{
		Enumerators: p.Enumerators,
		Batteries:   p.Batteries,
	}
	if probe && p.Dialer != nil {
		opts.Prober = NewATProber(p.Dialer, prober)
	}
	return opts
}
