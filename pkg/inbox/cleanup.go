package inbox

import (
	"context"
	"time"

	"github.com/chartlyhq/inbox/pkg/telemetry"
)

// CleanupOptions configures the periodic reaping loops (spec §4.6). KV
// backends rely on TTL keys instead and typically leave Storage's Cleaner
// interface unimplemented; CleanupTasks is then a no-op by construction.
type CleanupOptions struct {
	BatchSize    int
	Interval     time.Duration
	RestartDelay time.Duration
}

func (o CleanupOptions) withDefaults() CleanupOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 5 * time.Second
	}
	return o
}

// CleanupTasks runs the dedup/DLQ/group-lock reaping loops for one inbox.
type CleanupTasks struct {
	inboxName string
	storage   StorageProvider
	inbox     Options
	cleanup   CleanupOptions
	clock     Clock
	logger    *telemetry.Logger
}

// NewCleanupTasks builds the reaper for one inbox. It never returns nil; if
// the backend does not implement Cleaner (e.g. a pure-TTL KV backend), Run
// reaps nothing and just waits for ctx to be cancelled.
func NewCleanupTasks(inboxName string, storage StorageProvider, inboxOpts Options, cleanupOpts CleanupOptions, clock Clock, logger *telemetry.Logger) *CleanupTasks {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	return &CleanupTasks{
		inboxName: inboxName,
		storage:   storage,
		inbox:     inboxOpts,
		cleanup:   cleanupOpts.withDefaults(),
		clock:     clock,
		logger:    logger,
	}
}

// Run blocks, running all applicable reaping loops until ctx is
// cancelled.
func (c *CleanupTasks) Run(ctx context.Context) {
	cleaner, ok := c.storage.(Cleaner)
	if !ok {
		<-ctx.Done()
		return
	}
	done := make(chan struct{}, 3)
	if c.inbox.EnableDeduplication {
		go func() { c.loop(ctx, "dedup", c.reapDedup(cleaner)); done <- struct{}{} }()
	} else {
		done <- struct{}{}
	}
	if c.inbox.EnableDeadLetter {
		go func() { c.loop(ctx, "dead_letters", c.reapDeadLetters(cleaner)); done <- struct{}{} }()
	} else {
		done <- struct{}{}
	}
	go func() { c.loop(ctx, "group_locks", c.reapGroupLocks(cleaner)); done <- struct{}{} }()

	<-ctx.Done()
	// Drain the three launcher goroutines' completion signals so Run
	// doesn't race the loops' own ctx.Done checks during shutdown.
	for i := 0; i < 3; i++ {
		<-done
	}
}

// reapFunc performs one batch of reaping; returns the count removed.
type reapFunc func(ctx context.Context) (int, error)

func (c *CleanupTasks) reapDedup(cleaner Cleaner) reapFunc {
	return func(ctx context.Context) (int, error) {
		before := c.clock.Now().Add(-c.dedupWindow())
		return cleaner.CleanupDedup(ctx, before, c.cleanup.BatchSize)
	}
}

func (c *CleanupTasks) reapDeadLetters(cleaner Cleaner) reapFunc {
	return func(ctx context.Context) (int, error) {
		lifetime := c.inbox.DeadLetterMaxMessageLifetime
		if lifetime <= 0 {
			return 0, nil
		}
		before := c.clock.Now().Add(-lifetime)
		return cleaner.CleanupDeadLetters(ctx, before, c.cleanup.BatchSize)
	}
}

func (c *CleanupTasks) reapGroupLocks(cleaner Cleaner) reapFunc {
	return func(ctx context.Context) (int, error) {
		return cleaner.CleanupGroupLocks(ctx, c.clock.Now(), c.cleanup.BatchSize)
	}
}

func (c *CleanupTasks) dedupWindow() time.Duration {
	if c.inbox.DeduplicationInterval > 0 {
		return c.inbox.DeduplicationInterval
	}
	return time.Hour
}

// loop runs fn repeatedly in batches until it returns 0 removed (or an
// error), then sleeps cleanup.Interval; on error it sleeps
// cleanup.RestartDelay and retries (spec §4.6).
func (c *CleanupTasks) loop(ctx context.Context, name string, fn reapFunc) {
	for {
		if ctx.Err() != nil {
			return
		}
		removed, err := fn(ctx)
		if err != nil {
			c.logger.Warn(ctx, "cleanup error", map[string]any{"task": name, "err": err})
			if !c.sleep(ctx, c.cleanup.RestartDelay) {
				return
			}
			continue
		}
		if removed > 0 {
			// More may remain in this batch window; loop immediately.
			continue
		}
		if !c.sleep(ctx, c.cleanup.Interval) {
			return
		}
	}
}

func (c *CleanupTasks) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
