package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/chartlyhq/inbox/pkg/telemetry"
)

// LockExtender periodically refreshes the lease (and, for FIFO inboxes,
// the group lock) deadline of an in-flight batch of envelopes, so a
// handler that runs longer than max_processing_time doesn't lose its
// lease mid-flight (spec §4.4). An extension that fails is logged, not
// fatal: the next tick may succeed, and if every tick fails until the
// deadline passes, another worker may legitimately re-lease the messages
// — at-least-once semantics are preserved by design, not treated as a
// bug.
type LockExtender struct {
	storage     StorageProvider
	opts        Options
	clock       Clock
	processorID string
	refs        []LockRef
	logger      *telemetry.Logger
	metrics     telemetry.Metrics
	inboxName   string

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLockExtender builds an extender for one in-flight lease. lease is
// converted to LockRefs internally.
func NewLockExtender(storage StorageProvider, opts Options, clock Clock, processorID string, lease []Envelope, logger *telemetry.Logger, metrics telemetry.Metrics, inboxName string) *LockExtender {
	refs := make([]LockRef, len(lease))
	for i, e := range lease {
		refs[i] = LockRef{ID: e.ID, GroupID: e.GroupID}
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	return &LockExtender{
		storage:     storage,
		opts:        opts,
		clock:       clock,
		processorID: processorID,
		refs:        refs,
		logger:      logger,
		metrics:     metrics,
		inboxName:   inboxName,
	}
}

// Start begins ticking at Options.LockExtensionPeriod until Stop is
// called or ctx is cancelled.
func (e *LockExtender) Start(ctx context.Context) {
	period := e.opts.LockExtensionPeriod()
	if period <= 0 {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-t.C:
				e.tick(ctx)
			}
		}
	}()
}

func (e *LockExtender) tick(ctx context.Context) {
	newDeadline := e.clock.Now().Add(e.opts.MaxProcessingTime)
	extended, err := e.storage.ExtendLocks(ctx, e.processorID, e.refs, newDeadline)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncExtendFailure(e.inboxName)
		}
		e.logger.Warn(ctx, "lock extension error", map[string]any{"err": err})
		return
	}
	if extended < len(e.refs) {
		if e.metrics != nil {
			e.metrics.IncExtendFailure(e.inboxName)
		}
		e.logger.Warn(ctx, "lock extension partial", map[string]any{"extended": extended, "expected": len(e.refs)})
	}
}

// Stop halts ticking and waits for the extender's goroutine to exit.
func (e *LockExtender) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
}
