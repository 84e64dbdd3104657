package inbox

import (
	"context"
	"time"
)

// WriteOutcome is the result of a single-message write (spec §4.1).
type WriteOutcome int

const (
	Inserted WriteOutcome = iota
	DuplicateSkipped
)

// StorageProvider is the single source of durable truth for one inbox. All
// operations are atomic at the backend: a SQL realisation wraps each call
// in one transaction (row locks, SKIP LOCKED scans); a KV realisation runs
// each call as one Lua script invocation. Implementations must return a
// retryable error (see Retryable) when atomicity cannot be guaranteed for
// a call, never a partial result.
type StorageProvider interface {
	// WriteOne inserts msg, honoring dedup and collapse per spec §4.1.
	WriteOne(ctx context.Context, msg Message) (WriteOutcome, error)

	// WriteBatch applies WriteOne semantics to each message in one atomic
	// batch. Duplicates are skipped, not errored; the count inserted is
	// returned.
	WriteBatch(ctx context.Context, msgs []Message) (inserted int, err error)

	// ReadAndCapture atomically leases up to the backend's configured
	// batch size of eligible messages to processorID, in received_at
	// order (ties broken by id), honoring FIFO group exclusion.
	ReadAndCapture(ctx context.Context, processorID string) ([]Envelope, error)

	// Complete deletes msg and frees its collapse slot if still held.
	Complete(ctx context.Context, id string) error
	// Fail clears lease fields, increments attempts_count, and refreshes
	// liveness TTL where applicable.
	Fail(ctx context.Context, id string) error
	// Release clears lease fields without incrementing attempts_count.
	Release(ctx context.Context, id string) error
	// DeadLetter removes msg from the main namespace and, if enabled,
	// persists a DeadLetterEntry with reason and moved_at.
	DeadLetter(ctx context.Context, id string, reason string) error

	// ProcessResultsBatch applies all four finalize bins atomically; the
	// canonical path for Batched/FIFO-Batched modes.
	ProcessResultsBatch(ctx context.Context, batch BatchResult) error

	// ExtendLocks refreshes captured_at for entries still owned by
	// processorID and refreshes the deadline of each distinct group lock
	// present. Returns the count of message locks actually extended; it
	// is never an error for an entry to no longer be owned by the caller.
	ExtendLocks(ctx context.Context, processorID string, refs []LockRef, newDeadline time.Time) (extended int, err error)
	// ReleaseGroupLocks drops group locks unconditionally; idempotent.
	ReleaseGroupLocks(ctx context.Context, groupIDs []string) error
	// ReleaseMessagesAndGroupLocks combines Release for each id with
	// ReleaseGroupLocks for each group in one atomic step.
	ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error

	// ReadDeadLetters returns up to limit dead-letter entries, oldest
	// first.
	ReadDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	// HealthMetrics reports pending/captured/dead-letter counts. A
	// message whose lease has expired must be counted as pending, not
	// captured.
	HealthMetrics(ctx context.Context) (HealthMetrics, error)
}

// Cleaner is implemented by backends that need explicit periodic reaping
// of auxiliary records (spec §4.6). The KV backend relies on TTL keys
// instead and need not implement it; pkg/inbox/cleanup treats a provider
// that doesn't implement Cleaner as having nothing to clean.
type Cleaner interface {
	// CleanupDedup deletes dedup records older than before, in batches of
	// at most limit, returning the count removed.
	CleanupDedup(ctx context.Context, before time.Time, limit int) (removed int, err error)
	// CleanupDeadLetters deletes dead-letter rows older than before.
	CleanupDeadLetters(ctx context.Context, before time.Time, limit int) (removed int, err error)
	// CleanupGroupLocks deletes group-lock rows whose deadline has
	// already passed.
	CleanupGroupLocks(ctx context.Context, now time.Time, limit int) (removed int, err error)
}
