package tts

import (
	"fmt"
	"time"
)

// Config carries the synthesis broker's tunables. The worker command
// itself lives in the top-level config; an empty command disables the
// broker entirely.
type Config struct {
	// GraceTTL bounds how long a stopped session keeps receiving
	// trailing worker events.
	GraceTTL time.Duration
}

func DefaultConfig() Config {
	return Config{GraceTTL: 10 * time.Second}
}

func (c Config) Validate() error {
	if c.GraceTTL <= 0 {
		return fmt.Errorf("grace_ttl must be positive, got %s", c.GraceTTL)
	}
	return nil
}
