package yamux

import "time"

// Window bounds, per spec.md §3.
const (
	DefaultInitialWindow = 256 * 1024
	MaxWindow            = 16 * 1024 * 1024
)

// Config configures a Session. Zero-value fields are replaced with
// defaults by NewSession.
type Config struct {
	MaxConcurrentStreams uint32
	InitialWindow        uint32
	MaxFrameSize         uint32
	KeepAliveInterval    time.Duration
	KeepAliveTimeout     time.Duration
}

// DefaultConfig returns sensible defaults matching spec.md §3/§4.4.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 1024,
		InitialWindow:        DefaultInitialWindow,
		MaxFrameSize:         16 * 1024,
		KeepAliveInterval:    30 * time.Second,
		KeepAliveTimeout:     15 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = d.InitialWindow
	}
	if c.InitialWindow > MaxWindow {
		c.InitialWindow = MaxWindow
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = d.KeepAliveTimeout
	}
}
