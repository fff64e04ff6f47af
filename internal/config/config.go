// Package config loads the auction server configuration from YAML.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation.
package config

import "time"

// Config is the root configuration for an auction server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Auction     AuctionConfig     `yaml:"auction"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds the listener and per-connection settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"` // binary protocol over TCP
	HTTPAddr        string        `yaml:"http_addr"`   // /health and /ws; "off" disables
	MaxSessions     int           `yaml:"max_sessions"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReplayCacheSize int           `yaml:"replay_cache_size"`
}

// HTTPEnabled reports whether the health/websocket listener should run.
func (s ServerConfig) HTTPEnabled() bool {
	return s.HTTPAddr != "" && s.HTTPAddr != "off"
}

// DatabaseConfig selects and configures the persistent store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "memory" or "postgres"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ReliabilityConfig tunes acknowledgment tracking.
type ReliabilityConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxPending    int           `yaml:"max_pending"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AuctionConfig holds auction timing and listing settings.
type AuctionConfig struct {
	TimerInterval time.Duration `yaml:"timer_interval"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	HistoryLimit  int           `yaml:"history_limit"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
}

// AuthConfig holds credential settings.
type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
