package transfer

import (
	"errors"

	"github.com/philipp3923/rdrop/pkg/shard"
)

// Config holds the orchestrator tunables.
type Config struct {
	Shard shard.Config
	// DownloadDir is where accepted files land, under the offered file
	// name, when the UI passes no target path.
	DownloadDir string
	// EventBuffer bounds the UI event queue.
	EventBuffer int
	// CoalescePercent is the minimum progress delta (in percent points)
	// between two file-update events for the same record.
	CoalescePercent float64
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Shard:           shard.DefaultConfig(),
		DownloadDir:     ".",
		EventBuffer:     128,
		CoalescePercent: 1.0,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if err := c.Shard.Validate(); err != nil {
		return err
	}
	if c.EventBuffer <= 0 {
		return errors.New("event_buffer must be positive")
	}
	if c.CoalescePercent < 0 {
		return errors.New("coalesce_percent cannot be negative")
	}
	return nil
}
