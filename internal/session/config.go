package session

import "time"

// Config defines per-connection protocol defaults.
type Config struct {
	// WriteTimeout bounds each outbound frame write. Zero disables it.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes. Zero means unlimited.
	ReadLimit int64
	// KeepAliveInterval spaces ka frames once a peer has been acked.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns the defaults applied by the daemon config loader.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:      10 * time.Second,
		ReadLimit:         1 << 20,
		KeepAliveInterval: 10 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultConfig. Negative values
// mean "explicitly disabled" and map to zero.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	} else if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = def.ReadLimit
	} else if c.ReadLimit < 0 {
		c.ReadLimit = 0
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	} else if c.KeepAliveInterval < 0 {
		c.KeepAliveInterval = 0
	}
	return c
}
