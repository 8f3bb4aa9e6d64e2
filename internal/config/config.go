package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.tribe/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Server         Server   `toml:"server"`
	Tunables       Tunables `toml:"tunables"`
}

// Server holds the platform endpoint configuration.
type Server struct {
	BaseURL string `toml:"base_url"`
}

// Tunables carries the empirically tuned timing values of the session core.
// The defaults mirror production behavior; they are configuration, not
// invariants.
type Tunables struct {
	JoinDelayMS      int `toml:"join_delay_ms"`
	LeaveGraceMS     int `toml:"leave_grace_ms"`
	RejoinBlockMS    int `toml:"rejoin_block_ms"`
	BackoffInitialMS int `toml:"backoff_initial_ms"`
	BackoffMaxMS     int `toml:"backoff_max_ms"`
	PageTimeoutMS    int `toml:"page_timeout_ms"`
	PageSize         int `toml:"page_size"`
}

// DefaultTunables returns the production default timing values.
func DefaultTunables() Tunables {
	return Tunables{
		JoinDelayMS:      300,
		LeaveGraceMS:     400,
		RejoinBlockMS:    3000,
		BackoffInitialMS: 1000,
		BackoffMaxMS:     20000,
		PageTimeoutMS:    10000,
		PageSize:         50,
	}
}

func (t Tunables) JoinDelay() time.Duration      { return time.Duration(t.JoinDelayMS) * time.Millisecond }
func (t Tunables) LeaveGrace() time.Duration     { return time.Duration(t.LeaveGraceMS) * time.Millisecond }
func (t Tunables) RejoinBlock() time.Duration    { return time.Duration(t.RejoinBlockMS) * time.Millisecond }
func (t Tunables) BackoffInitial() time.Duration { return time.Duration(t.BackoffInitialMS) * time.Millisecond }
func (t Tunables) BackoffMax() time.Duration     { return time.Duration(t.BackoffMaxMS) * time.Millisecond }
func (t Tunables) PageTimeout() time.Duration    { return time.Duration(t.PageTimeoutMS) * time.Millisecond }

// Load reads config from the given path and fills unset tunables with
// defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) normalize() {
	def := DefaultTunables()
	if c.Tunables.JoinDelayMS <= 0 {
		c.Tunables.JoinDelayMS = def.JoinDelayMS
	}
	if c.Tunables.LeaveGraceMS <= 0 {
		c.Tunables.LeaveGraceMS = def.LeaveGraceMS
	}
	if c.Tunables.RejoinBlockMS <= 0 {
		c.Tunables.RejoinBlockMS = def.RejoinBlockMS
	}
	if c.Tunables.BackoffInitialMS <= 0 {
		c.Tunables.BackoffInitialMS = def.BackoffInitialMS
	}
	if c.Tunables.BackoffMaxMS <= 0 {
		c.Tunables.BackoffMaxMS = def.BackoffMaxMS
	}
	if c.Tunables.PageTimeoutMS <= 0 {
		c.Tunables.PageTimeoutMS = def.PageTimeoutMS
	}
	if c.Tunables.PageSize <= 0 {
		c.Tunables.PageSize = def.PageSize
	}
}
