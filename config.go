package pva

import (
	"os"
	"strconv"
)

// Environment variable names read by LoadConfig.
const (
	EnvAddrList      = "EPICS4_CA_ADDR_LIST"
	EnvAutoAddrList  = "EPICS4_CA_AUTO_ADDR_LIST"
	EnvConnTimeout   = "EPICS4_CA_CONN_TMO"
	EnvBeaconPeriod  = "EPICS4_CA_BEACON_PERIOD"
	EnvBroadcastPort = "EPICS4_CA_BROADCAST_PORT"
	EnvMaxArrayBytes = "EPICS4_CA_MAX_ARRAY_BYTES"
)

// Defaults for anything an environment variable doesn't override.
const (
	DefaultBroadcastPort   = 5076
	DefaultConnTimeoutSecs = 30.0
	DefaultBeaconPeriod    = 15.0
	DefaultMaxArrayBytes   = 1 << 20 // "max TCP recv", a conservative stand-in.
)

// Config holds client-wide tuning, built once by LoadConfig and passed
// by pointer into NewContext, the way the teacher's cli.go Config is
// built once and handed to NewClient.
type Config struct {
	// AddrList is extra broadcast addresses to search on, in addition
	// to any interface-derived ones (see AutoAddrList).
	AddrList []string

	// AutoAddrList includes every broadcast address derivable from
	// this host's network interfaces.
	AutoAddrList bool

	// ConnTimeout is the beacon-silence window, in seconds, loaded from
	// EPICS4_CA_CONN_TMO. No client code reads it: the client sends no
	// state-of-health probe on a silent circuit.
	ConnTimeout float64

	// BeaconPeriod is the server's expected beacon interval, loaded
	// from EPICS4_CA_BEACON_PERIOD. Beacon anomaly detection does not
	// use it, and no other client code reads it.
	BeaconPeriod float64

	// BroadcastPort is the well-known UDP port servers broadcast
	// beacons and search requests on.
	BroadcastPort int

	// MaxArrayBytes is a receive buffer size loaded from
	// EPICS4_CA_MAX_ARRAY_BYTES. The connection-validation handshake
	// does not use it: it always advertises DefaultMaxArrayBytes.
	MaxArrayBytes int
}

// LoadConfig reads the EPICS4_CA_* environment variables, applying the
// package defaults for anything unset or unparsable.
func LoadConfig() *Config {
	c := &Config{
		AutoAddrList:  true,
		ConnTimeout:   DefaultConnTimeoutSecs,
		BeaconPeriod:  DefaultBeaconPeriod,
		BroadcastPort: DefaultBroadcastPort,
		MaxArrayBytes: DefaultMaxArrayBytes,
	}
	if v := os.Getenv(EnvAddrList); v != "" {
		c.AddrList = splitAddrList(v)
	}
	if v := os.Getenv(EnvAutoAddrList); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoAddrList = b
		}
	}
	if v := os.Getenv(EnvConnTimeout); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.ConnTimeout = f
		}
	}
	if v := os.Getenv(EnvBeaconPeriod); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.BeaconPeriod = f
		}
	}
	if v := os.Getenv(EnvBroadcastPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BroadcastPort = n
		}
	}
	if v := os.Getenv(EnvMaxArrayBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxArrayBytes = n
		}
	}
	return c
}

func splitAddrList(v string) (out []string) {
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ' ' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
