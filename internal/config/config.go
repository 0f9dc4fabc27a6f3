// Package config loads the JSON configuration shared by piperd and pipectl.
//
// Every field is optional. Absent fields fall back to the defaults returned by
// the Get* methods, so a partial file is always safe, and command-line flags
// override whatever the file sets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/piper/internal/piper"
	"github.com/banshee-data/piper/internal/serialmux"
)

const maxFileSize = 1 * 1024 * 1024

// Config is the daemon configuration file.
type Config struct {
	// Transport. At most one of Port and TCP may be set.
	Port *string `json:"port,omitempty"` // serial device path
	TCP  *string `json:"tcp,omitempty"`  // piperd: listen address; pipectl: dial address

	// Serial line parameters, see serialmux.PortOptions.
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Engine.
	TableCapacity *int    `json:"table_capacity,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty"` // duration string like "100ms"
	MaxDiscard    *int    `json:"max_discard,omitempty"`

	// Admin and journal.
	Listen           *string `json:"listen,omitempty"`
	DB               *string `json:"db,omitempty"`
	JournalRetention *string `json:"journal_retention,omitempty"` // "0" keeps everything
	Verbose          *bool   `json:"verbose,omitempty"`
}

// Load reads a Config from a .json file no larger than 1MB and validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.GetPort() != "" && c.GetTCP() != "" {
		return fmt.Errorf("port and tcp are mutually exclusive")
	}
	if _, err := c.PortOptions().Normalise(); err != nil {
		return err
	}
	if c.TableCapacity != nil {
		if n := *c.TableCapacity; n < 1 || n > piper.MaxPipeID+1 {
			return fmt.Errorf("table_capacity must be between 1 and %d, got %d", piper.MaxPipeID+1, n)
		}
	}
	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("poll_interval must be non-negative, got %s", d)
		}
	}
	if c.MaxDiscard != nil && *c.MaxDiscard < 0 {
		return fmt.Errorf("max_discard must be non-negative, got %d", *c.MaxDiscard)
	}
	if c.JournalRetention != nil && *c.JournalRetention != "" && *c.JournalRetention != "0" {
		d, err := time.ParseDuration(*c.JournalRetention)
		if err != nil {
			return fmt.Errorf("invalid journal_retention '%s': %w", *c.JournalRetention, err)
		}
		if d < time.Minute {
			return fmt.Errorf("journal_retention must be at least 1m, got %s", d)
		}
	}
	return nil
}

func (c *Config) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

func (c *Config) GetTCP() string {
	if c.TCP == nil {
		return ""
	}
	return *c.TCP
}

// GetListen returns the admin HTTP address, empty to disable.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}

// GetDB returns the journal path, empty to disable.
func (c *Config) GetDB() string {
	if c.DB == nil {
		return ""
	}
	return *c.DB
}

func (c *Config) GetVerbose() bool {
	return c.Verbose != nil && *c.Verbose
}

// GetTableCapacity defaults to the two-pipe reference layout.
func (c *Config) GetTableCapacity() int {
	if c.TableCapacity == nil {
		return piper.DefaultTableCapacity
	}
	return *c.TableCapacity
}

// GetPollInterval returns the engine byte read bound.
func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return piper.DefaultPollInterval
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil {
		return piper.DefaultPollInterval
	}
	return d
}

// GetMaxDiscard returns the engine discard limit. 0 never gives up, which is
// what a device waiting on a quiet line wants.
func (c *Config) GetMaxDiscard() int {
	if c.MaxDiscard == nil {
		return 0
	}
	return *c.MaxDiscard
}

// GetJournalRetention returns how long journalled frames are kept, 0 for
// forever.
func (c *Config) GetJournalRetention() time.Duration {
	if c.JournalRetention == nil || *c.JournalRetention == "" || *c.JournalRetention == "0" {
		return 0
	}
	d, err := time.ParseDuration(*c.JournalRetention)
	if err != nil {
		return 0
	}
	return d
}

// PortOptions returns the serial parameters. Zero fields are filled in by
// PortOptions.Normalise.
func (c *Config) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// EngineOptions returns the piper.Engine options the file selects.
func (c *Config) EngineOptions() []piper.Option {
	return []piper.Option{
		piper.WithTableCapacity(c.GetTableCapacity()),
		piper.WithPollInterval(c.GetPollInterval()),
		piper.WithMaxDiscard(c.GetMaxDiscard()),
	}
}
