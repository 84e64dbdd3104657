package inbox

import (
	"context"
	"sync"

	"github.com/chartlyhq/inbox/pkg/telemetry"
)

// Inbox ties one named inbox's Writer, Worker, and CleanupTasks together
// so a host only needs to hold one value per configured inbox.
type Inbox struct {
	Name    string
	Writer  *Writer
	Worker  *Worker
	Cleanup *CleanupTasks
	Storage StorageProvider
	Options Options

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// InboxConfig is everything needed to build one Inbox.
type InboxConfig struct {
	Name    string
	Storage StorageProvider
	Options Options
	Clock   Clock
	Logger  *telemetry.Logger
	Metrics telemetry.Metrics
	Cleanup CleanupOptions

	Handler      Handler
	BatchHandler BatchHandler
	GroupHandler GroupHandler
}

// NewInbox validates cfg and assembles an Inbox. It does not start any
// goroutines; call Start for that.
func NewInbox(cfg InboxConfig) (*Inbox, error) {
	if cfg.Name == "" {
		return nil, wrapConfigInvalid("inbox name is required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	writer, err := NewWriter(cfg.Name, cfg.Storage, cfg.Options, cfg.Clock, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	worker, err := NewWorker(WorkerConfig{
		InboxName:    cfg.Name,
		Storage:      cfg.Storage,
		Options:      cfg.Options,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		Handler:      cfg.Handler,
		BatchHandler: cfg.BatchHandler,
		GroupHandler: cfg.GroupHandler,
	})
	if err != nil {
		return nil, err
	}
	cleanup := NewCleanupTasks(cfg.Name, cfg.Storage, cfg.Options, cfg.Cleanup, cfg.Clock, cfg.Logger)

	return &Inbox{
		Name:    cfg.Name,
		Writer:  writer,
		Worker:  worker,
		Cleanup: cleanup,
		Storage: cfg.Storage,
		Options: cfg.Options,
	}, nil
}

// Start launches the worker loop and cleanup tasks in background
// goroutines. Call Stop (or cancel ctx) to shut down.
func (ib *Inbox) Start(ctx context.Context) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ctx, ib.cancel = context.WithCancel(ctx)
	ib.wg.Add(2)
	go func() {
		defer ib.wg.Done()
		_ = ib.Worker.Run(ctx)
	}()
	go func() {
		defer ib.wg.Done()
		ib.Cleanup.Run(ctx)
	}()
}

// Stop stops the worker (draining within its shutdown timeout) and waits
// for both background goroutines to exit.
func (ib *Inbox) Stop() {
	ib.mu.Lock()
	cancel := ib.cancel
	ib.mu.Unlock()
	ib.Worker.Stop()
	if cancel != nil {
		cancel()
	}
	ib.wg.Wait()
}

// Probe reports this inbox's health.
func (ib *Inbox) Probe(ctx context.Context, policy HealthPolicy, clock Clock) (ProbeResult, error) {
	return Probe(ctx, ib.Storage, policy, clock)
}
