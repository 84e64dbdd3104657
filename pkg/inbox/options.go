package inbox

import (
	"fmt"
	"time"
)

// Options is one inbox's runtime configuration (spec §6.3). The host
// process builds this from pkg/config.InboxSpec at start-up; validation
// happens here so a misconfigured inbox fails fast rather than at first
// use (spec §7, "Configuration error").
type Options struct {
	Mode Mode

	ReadBatchSize  int
	WriteBatchSize int

	MaxProcessingTime time.Duration
	PollingInterval   time.Duration
	ReadDelay         time.Duration
	ShutdownTimeout   time.Duration

	MaxAttempts                  int
	EnableDeadLetter             bool
	DeadLetterMaxMessageLifetime time.Duration

	EnableDeduplication   bool
	DeduplicationInterval time.Duration

	EnableLockExtension    bool
	LockExtensionThreshold float64

	MaxProcessingThreads int
}

// DefaultOptions returns the spec's documented defaults (spec §6.3).
func DefaultOptions(mode Mode) Options {
	return Options{
		Mode:                   mode,
		ReadBatchSize:          100,
		MaxProcessingTime:      5 * time.Minute,
		PollingInterval:        5 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		MaxAttempts:            3,
		EnableDeadLetter:       true,
		EnableLockExtension:    true,
		LockExtensionThreshold: 0.5,
		MaxProcessingThreads:   1,
	}
}

// Validate rejects options that would leave the inbox in an ambiguous or
// unsafe state. Called once at inbox construction.
func (o Options) Validate() error {
	switch o.Mode {
	case Default, Batched, FIFO, FIFOBatched:
	default:
		return wrapConfigInvalid(fmt.Sprintf("unknown mode %q", o.Mode))
	}
	if o.ReadBatchSize <= 0 {
		return wrapConfigInvalid("read_batch_size must be > 0")
	}
	if o.MaxProcessingTime <= 0 {
		return wrapConfigInvalid("max_processing_time must be > 0")
	}
	if o.PollingInterval <= 0 {
		return wrapConfigInvalid("polling_interval must be > 0")
	}
	if o.ShutdownTimeout <= 0 {
		return wrapConfigInvalid("shutdown_timeout must be > 0")
	}
	if o.MaxAttempts < 1 {
		return wrapConfigInvalid("max_attempts must be >= 1")
	}
	if o.EnableLockExtension && (o.LockExtensionThreshold < 0.1 || o.LockExtensionThreshold > 0.9) {
		return wrapConfigInvalid("lock_extension_threshold must be in [0.1, 0.9]")
	}
	if o.MaxProcessingThreads < 1 {
		return wrapConfigInvalid("max_processing_threads must be >= 1")
	}
	if (o.Mode == Batched || o.Mode == FIFOBatched) && o.WriteBatchSize < 0 {
		return wrapConfigInvalid("write_batch_size must be >= 0")
	}
	return nil
}

// LockExtensionPeriod is the tick period for the LockExtender: spec §4.4,
// max_processing_time × lock_extension_threshold.
func (o Options) LockExtensionPeriod() time.Duration {
	return time.Duration(float64(o.MaxProcessingTime) * o.LockExtensionThreshold)
}
