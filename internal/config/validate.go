package config

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// maxPayloadLimit bounds max_payload_bytes; frames are read into one buffer.
const maxPayloadLimit = 1 << 20

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Server.MaxSessions < 1 {
		return errors.New("server.max_sessions must be >= 1")
	}
	if c.Server.MaxPayloadBytes < 1 || c.Server.MaxPayloadBytes > maxPayloadLimit {
		return fmt.Errorf("server.max_payload_bytes must be between 1 and %d, got %d",
			maxPayloadLimit, c.Server.MaxPayloadBytes)
	}
	if c.Server.IdleTimeout <= 0 {
		return errors.New("server.idle_timeout must be > 0")
	}
	if c.Server.ReplayCacheSize < 0 {
		return errors.New("server.replay_cache_size must be >= 0")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}

	if c.Reliability.AckTimeout <= 0 {
		return errors.New("reliability.ack_timeout must be > 0")
	}
	if c.Reliability.MaxRetries < 0 {
		return errors.New("reliability.max_retries must be >= 0")
	}
	if c.Reliability.MaxPending < 1 {
		return errors.New("reliability.max_pending must be >= 1")
	}

	if c.Auction.TimerInterval <= 0 {
		return errors.New("auction.timer_interval must be > 0")
	}
	if c.Auction.HistoryLimit < 1 {
		return errors.New("auction.history_limit must be >= 1")
	}

	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d, got %d",
			bcrypt.MinCost, bcrypt.MaxCost, c.Auth.BcryptCost)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
