package telemetry

import "sync/atomic"

// Metrics is the counter surface the worker loop, writer, and lock extender
// report against. A nil Metrics is allowed: pkg/inbox checks for nil before
// every call.
type Metrics interface {
	IncLeaseEmpty(inbox string)
	IncLeaseError(inbox string)
	IncComplete(inbox string)
	IncRetry(inbox string)
	IncDeadLetter(inbox string)
	IncDuplicateWrite(inbox string)
	IncExtendFailure(inbox string)
	ObserveLeaseSize(inbox string, n int)
}

// Counters is a minimal in-process Metrics implementation: one atomic
// counter per (metric) pair, not labeled per-inbox (a labeled registry is an
// external concern left to the host, mirroring the teacher's
// Metrics-as-an-interface-the-host-implements pattern in pkg/queue/consumer.go).
type Counters struct {
	leaseEmpty      int64
	leaseError      int64
	complete        int64
	retry           int64
	deadLetter      int64
	duplicateWrite  int64
	extendFailure   int64
	leaseSizeTotal  int64
	leaseSizeEvents int64
}

func (c *Counters) IncLeaseEmpty(string)          { atomic.AddInt64(&c.leaseEmpty, 1) }
func (c *Counters) IncLeaseError(string)           { atomic.AddInt64(&c.leaseError, 1) }
func (c *Counters) IncComplete(string)             { atomic.AddInt64(&c.complete, 1) }
func (c *Counters) IncRetry(string)                { atomic.AddInt64(&c.retry, 1) }
func (c *Counters) IncDeadLetter(string)           { atomic.AddInt64(&c.deadLetter, 1) }
func (c *Counters) IncDuplicateWrite(string)        { atomic.AddInt64(&c.duplicateWrite, 1) }
func (c *Counters) IncExtendFailure(string)        { atomic.AddInt64(&c.extendFailure, 1) }
func (c *Counters) ObserveLeaseSize(_ string, n int) {
	atomic.AddInt64(&c.leaseSizeTotal, int64(n))
	atomic.AddInt64(&c.leaseSizeEvents, 1)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	LeaseEmpty     int64 `json:"lease_empty"`
	LeaseError     int64 `json:"lease_error"`
	Complete       int64 `json:"complete"`
	Retry          int64 `json:"retry"`
	DeadLetter     int64 `json:"dead_letter"`
	DuplicateWrite int64 `json:"duplicate_write"`
	ExtendFailure  int64 `json:"extend_failure"`
	AvgLeaseSize   float64 `json:"avg_lease_size"`
}

func (c *Counters) Snapshot() Snapshot {
	events := atomic.LoadInt64(&c.leaseSizeEvents)
	var avg float64
	if events > 0 {
		avg = float64(atomic.LoadInt64(&c.leaseSizeTotal)) / float64(events)
	}
	return Snapshot{
		LeaseEmpty:     atomic.LoadInt64(&c.leaseEmpty),
		LeaseError:     atomic.LoadInt64(&c.leaseError),
		Complete:       atomic.LoadInt64(&c.complete),
		Retry:          atomic.LoadInt64(&c.retry),
		DeadLetter:     atomic.LoadInt64(&c.deadLetter),
		DuplicateWrite: atomic.LoadInt64(&c.duplicateWrite),
		ExtendFailure:  atomic.LoadInt64(&c.extendFailure),
		AvgLeaseSize:   avg,
	}
}
