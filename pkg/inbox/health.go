package inbox

import (
	"context"
	"time"
)

// HealthPolicy decides whether a HealthMetrics snapshot counts as healthy.
// The core only exposes counts (spec §4.7); policy is supplied externally
// so hosts can tune thresholds per inbox without touching the engine.
type HealthPolicy struct {
	// MaxPendingAge flags unhealthy if the oldest pending message has sat
	// longer than this. Zero disables the check.
	MaxPendingAge time.Duration
	// MaxPendingCount flags unhealthy if pending_count exceeds this.
	// Zero disables the check.
	MaxPendingCount int64
}

// ProbeResult is HealthMetrics plus the policy-derived verdict.
type ProbeResult struct {
	HealthMetrics
	Healthy bool
	Reason  string
}

// Probe reads storage's HealthMetrics and applies policy.
func Probe(ctx context.Context, storage StorageProvider, policy HealthPolicy, clock Clock) (ProbeResult, error) {
	if clock == nil {
		clock = SystemClock
	}
	m, err := storage.HealthMetrics(ctx)
	if err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{HealthMetrics: m, Healthy: true}
	if policy.MaxPendingCount > 0 && m.PendingCount > policy.MaxPendingCount {
		res.Healthy = false
		res.Reason = "pending_count exceeds threshold"
		return res, nil
	}
	if policy.MaxPendingAge > 0 && !m.OldestPendingReceivedAt.IsZero() {
		age := clock.Now().Sub(m.OldestPendingReceivedAt)
		if age > policy.MaxPendingAge {
			res.Healthy = false
			res.Reason = "oldest pending message exceeds max age"
			return res, nil
		}
	}
	return res, nil
}
