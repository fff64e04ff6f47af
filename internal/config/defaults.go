package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr      = ":5500"
	DefaultHTTPAddr        = ":8080"
	DefaultMaxSessions     = 1024
	DefaultMaxPayloadBytes = 2048
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultWriteTimeout    = 5 * time.Second
	DefaultReplayCacheSize = 256
	DefaultDriver          = "memory"
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "disable"
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultAckTimeout      = 5 * time.Second
	DefaultMaxRetries      = 3
	DefaultMaxPending      = 100
	DefaultSweepInterval   = 1 * time.Second
	DefaultTimerInterval   = 1 * time.Second
	DefaultMaxDuration     = 7 * 24 * time.Hour
	DefaultHistoryLimit    = 50
	DefaultStoreTimeout    = 5 * time.Second
	DefaultBcryptCost      = 10
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = DefaultMaxSessions
	}
	if c.Server.MaxPayloadBytes == 0 {
		c.Server.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ReplayCacheSize == 0 {
		c.Server.ReplayCacheSize = DefaultReplayCacheSize
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Reliability defaults
	if c.Reliability.AckTimeout == 0 {
		c.Reliability.AckTimeout = DefaultAckTimeout
	}
	if c.Reliability.MaxRetries == 0 {
		c.Reliability.MaxRetries = DefaultMaxRetries
	}
	if c.Reliability.MaxPending == 0 {
		c.Reliability.MaxPending = DefaultMaxPending
	}
	if c.Reliability.SweepInterval == 0 {
		c.Reliability.SweepInterval = DefaultSweepInterval
	}

	// Auction defaults
	if c.Auction.TimerInterval == 0 {
		c.Auction.TimerInterval = DefaultTimerInterval
	}
	if c.Auction.MaxDuration == 0 {
		c.Auction.MaxDuration = DefaultMaxDuration
	}
	if c.Auction.HistoryLimit == 0 {
		c.Auction.HistoryLimit = DefaultHistoryLimit
	}
	if c.Auction.StoreTimeout == 0 {
		c.Auction.StoreTimeout = DefaultStoreTimeout
	}

	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = DefaultBcryptCost
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
