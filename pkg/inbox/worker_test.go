package inbox_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chartlyhq/inbox/pkg/inbox"
	"github.com/chartlyhq/inbox/pkg/inbox/memstore"
)

func TestWorkerProcessesWrittenMessage(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.Default)
	opts.PollingInterval = 10 * time.Millisecond
	opts.ShutdownTimeout = time.Second
	store := memstore.New(opts)

	var processed int32
	done := make(chan struct{})
	h := inbox.Handler(func(ctx context.Context, env inbox.Envelope) (inbox.Result, string) {
		atomic.AddInt32(&processed, 1)
		close(done)
		return inbox.Success, ""
	})

	w, err := inbox.NewWorker(inbox.WorkerConfig{
		InboxName: "orders",
		Storage:   store,
		Options:   opts,
		Handler:   h,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	if _, err := store.WriteOne(context.Background(), inbox.Message{ID: "a", MessageType: "t", ReceivedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- w.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the worker to process the message")
	}

	w.Stop()
	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after Stop")
	}

	if atomic.LoadInt32(&processed) != 1 {
		t.Fatalf("expected exactly 1 processed message, got %d", processed)
	}
}

func TestNewWorkerRejectsMissingHandlerForMode(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.Batched)
	store := memstore.New(opts)
	_, err := inbox.NewWorker(inbox.WorkerConfig{
		InboxName: "orders",
		Storage:   store,
		Options:   opts,
	})
	if err == nil {
		t.Fatal("expected error when BatchHandler is missing for mode batched")
	}
}

func TestWorkerStopIsIdempotentBeforeRun(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.Default)
	store := memstore.New(opts)
	w, err := inbox.NewWorker(inbox.WorkerConfig{
		InboxName: "orders",
		Storage:   store,
		Options:   opts,
		Handler:   inbox.Handler(func(context.Context, inbox.Envelope) (inbox.Result, string) { return inbox.Success, "" }),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	w.Stop() // must not panic even though Run was never called
	w.Stop() // nor when called a second time
}

func TestWorkerRunTwiceReturnsError(t *testing.T) {
	opts := inbox.DefaultOptions(inbox.Default)
	opts.PollingInterval = 10 * time.Millisecond
	store := memstore.New(opts)
	w, err := inbox.NewWorker(inbox.WorkerConfig{
		InboxName: "orders",
		Storage:   store,
		Options:   opts,
		Handler:   inbox.Handler(func(context.Context, inbox.Envelope) (inbox.Result, string) { return inbox.Success, "" }),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error calling Run a second time while already running")
	}
	cancel()
}
