package stt

import (
	"fmt"
	"time"
)

// Config carries the broker knobs. Everything is read once at startup;
// there is no hot reload.
type Config struct {
	// QueueBound caps the number of queued chunks per session.
	QueueBound int
	// DrainInterval is the scheduler tick.
	DrainInterval time.Duration
	// DrainBatch caps chunks forwarded per session per tick.
	DrainBatch int
	// Policy decides what to do with a chunk that arrives at a full
	// queue.
	Policy Policy
	// GraceTTL bounds how long a stopped session keeps receiving
	// trailing worker events.
	GraceTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueBound:    64,
		DrainInterval: 100 * time.Millisecond,
		DrainBatch:    8,
		Policy:        DropNewest,
		GraceTTL:      10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.QueueBound < 1 {
		return fmt.Errorf("queue bound must be positive, got %d", c.QueueBound)
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain interval must be positive, got %s", c.DrainInterval)
	}
	if c.DrainBatch < 1 {
		return fmt.Errorf("drain batch must be positive, got %d", c.DrainBatch)
	}
	if !c.Policy.Valid() {
		return fmt.Errorf("unknown overload policy %q", c.Policy)
	}
	if c.GraceTTL <= 0 {
		return fmt.Errorf("grace ttl must be positive, got %s", c.GraceTTL)
	}
	return nil
}
