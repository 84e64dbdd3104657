package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/chartlyhq/inbox/pkg/ids"
	"github.com/chartlyhq/inbox/pkg/telemetry"
)

// Worker runs one inbox's poll → lease → dispatch → finalize loop (spec
// §4.3). Each inbox owns exactly one Worker; Default mode is the only one
// that fans work out within a lease, via Options.MaxProcessingThreads.
type Worker struct {
	name    string
	storage StorageProvider
	opts    Options
	clock   Clock
	logger  *telemetry.Logger
	metrics telemetry.Metrics

	handler      Handler
	batchHandler BatchHandler
	groupHandler GroupHandler

	processorID string

	extender *LockExtender

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// WorkerConfig bundles a Worker's dependencies. Exactly one of Handler,
// BatchHandler, GroupHandler must be set, matching opts.Mode.
type WorkerConfig struct {
	InboxName string
	Storage   StorageProvider
	Options   Options
	Clock     Clock
	Logger    *telemetry.Logger
	Metrics   telemetry.Metrics

	Handler      Handler
	BatchHandler BatchHandler
	GroupHandler GroupHandler
}

// NewWorker validates cfg and constructs a Worker ready to Run.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Storage == nil {
		return nil, wrapInvalid("storage provider is nil")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Options.Mode {
	case Default, FIFO:
		if cfg.Handler == nil {
			return nil, wrapConfigInvalid("handler required for mode " + string(cfg.Options.Mode))
		}
	case Batched:
		if cfg.BatchHandler == nil {
			return nil, wrapConfigInvalid("batch handler required for mode batched")
		}
	case FIFOBatched:
		if cfg.GroupHandler == nil {
			return nil, wrapConfigInvalid("group handler required for mode fifo_batched")
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = SystemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Worker{
		name:         cfg.InboxName,
		storage:      cfg.Storage,
		opts:         cfg.Options,
		clock:        clk,
		logger:       logger,
		metrics:      cfg.Metrics,
		handler:      cfg.Handler,
		batchHandler: cfg.BatchHandler,
		groupHandler: cfg.GroupHandler,
		processorID:  ids.ProcessorID(),
	}, nil
}

// Run starts the worker loop and blocks until ctx is cancelled or Stop is
// called. Safe to call at most once per Worker.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return wrapInvalid("worker already running")
	}
	w.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	defer close(w.done)
	return w.loop(loopCtx)
}

// Stop cancels the loop and waits up to Options.ShutdownTimeout for the
// in-flight lease to drain (spec §4.3's Shutdown section). Cancelling ctx
// is what triggers each dispatch strategy's own shutdown path, which
// releases whatever hasn't finalized yet rather than waiting handlers
// out; Stop itself just bounds how long it waits for that to happen
// before giving up. It returns as soon as the worker has exited or
// ShutdownTimeout has elapsed, whichever comes first.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(w.opts.ShutdownTimeout):
	}
}

func (w *Worker) loop(ctx context.Context) error {
	ctx = telemetry.WithProcessorID(ctx, w.processorID)
	ctx = telemetry.WithInboxName(ctx, w.name)
	for {
		if ctx.Err() != nil {
			return nil
		}
		lease, err := w.storage.ReadAndCapture(ctx, w.processorID)
		if err != nil {
			if w.metrics != nil {
				w.metrics.IncLeaseError(w.name)
			}
			w.logger.Warn(ctx, "read_and_capture failed", map[string]any{"err": err})
			if !w.sleep(ctx, w.opts.PollingInterval) {
				return nil
			}
			continue
		}
		if len(lease) == 0 {
			if w.metrics != nil {
				w.metrics.IncLeaseEmpty(w.name)
			}
			if !w.sleep(ctx, w.opts.PollingInterval) {
				return nil
			}
			continue
		}
		if w.metrics != nil {
			w.metrics.ObserveLeaseSize(w.name, len(lease))
		}

		var extender *LockExtender
		if w.opts.EnableLockExtension {
			extender = NewLockExtender(w.storage, w.opts, w.clock, w.processorID, lease, w.logger, w.metrics, w.name)
			extender.Start(ctx)
		}

		w.dispatch(ctx, lease)

		if extender != nil {
			extender.Stop()
		}

		if w.opts.ReadDelay > 0 {
			if !w.sleep(ctx, w.opts.ReadDelay) {
				return nil
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, lease []Envelope) {
	var err error
	switch w.opts.Mode {
	case Default:
		err = dispatchDefault(ctx, w.storage, w.handler, w.opts, lease)
	case Batched:
		err = dispatchBatched(ctx, w.storage, w.batchHandler, w.opts, lease)
	case FIFO:
		err = dispatchFIFO(ctx, w.storage, w.handler, w.opts, lease)
	case FIFOBatched:
		err = dispatchFIFOBatched(ctx, w.storage, w.groupHandler, w.opts, lease)
	}
	if err != nil {
		w.logger.Warn(ctx, "finalize failed", map[string]any{"err": err, "lease_size": len(lease)})
	}
}

// sleep waits for d or cancellation, returning false if ctx ended first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
