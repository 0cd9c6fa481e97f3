// ABOUTME: Typed server configuration assembled by the CLI layer
// ABOUTME: Holds network, capture and maintenance settings with defaults
package config

import (
	"time"

	"github.com/soundbridge/soundbridge/pkg/protocol"
)

// Config is the full server configuration. It is a plain struct passed
// in at construction; nothing reads settings at runtime.
type Config struct {
	// ServerPort is the UDP port the server receives on.
	ServerPort int
	// ClientPort is the UDP port audio and acks are sent to.
	ClientPort int

	// Device selects the capture endpoint. Accepted forms:
	// "tone:" (test tone), "file:/path/to.mp3|.flac",
	// anything else is handed to ffmpeg as an input (device or URL).
	Device string

	// ClientTimeout is the idle window after which a silent client is
	// evicted. Maintenance runs every MaintenanceInterval.
	ClientTimeout       time.Duration
	MaintenanceInterval time.Duration

	// MetricsAddr, when non-empty, exposes Prometheus metrics there.
	MetricsAddr string

	// EnableMDNS advertises the server over mDNS.
	EnableMDNS bool
	// Name is the advertised instance name; empty means hostname-derived.
	Name string

	Debug bool
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ServerPort:          protocol.DefaultServerPort,
		ClientPort:          protocol.DefaultClientPort,
		Device:              "tone:",
		ClientTimeout:       5 * time.Second,
		MaintenanceInterval: time.Second,
	}
}
