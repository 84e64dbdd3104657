package inbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/chartlyhq/inbox/pkg/inbox"
	"github.com/chartlyhq/inbox/pkg/inbox/memstore"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestProbeHealthyWhenNoPending(t *testing.T) {
	store := memstore.New(inbox.DefaultOptions(inbox.Default))
	res, err := inbox.Probe(context.Background(), store, inbox.HealthPolicy{MaxPendingCount: 1}, inbox.SystemClock)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !res.Healthy {
		t.Fatalf("expected healthy, got %+v", res)
	}
}

func TestProbeUnhealthyOnPendingCountThreshold(t *testing.T) {
	now := time.Now().UTC()
	store := memstore.New(inbox.DefaultOptions(inbox.Default))
	_, _ = store.WriteOne(context.Background(), inbox.Message{ID: "a", ReceivedAt: now})
	_, _ = store.WriteOne(context.Background(), inbox.Message{ID: "b", ReceivedAt: now})

	res, err := inbox.Probe(context.Background(), store, inbox.HealthPolicy{MaxPendingCount: 1}, fixedClock{now})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Healthy {
		t.Fatal("expected unhealthy when pending_count exceeds threshold")
	}
	if res.Reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestProbeUnhealthyOnMaxPendingAge(t *testing.T) {
	now := time.Now().UTC()
	store := memstore.New(inbox.DefaultOptions(inbox.Default))
	_, _ = store.WriteOne(context.Background(), inbox.Message{ID: "a", ReceivedAt: now.Add(-time.Hour)})

	res, err := inbox.Probe(context.Background(), store, inbox.HealthPolicy{MaxPendingAge: time.Minute}, fixedClock{now})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Healthy {
		t.Fatal("expected unhealthy when the oldest pending message exceeds max age")
	}
}

func TestProbeZeroThresholdsDisableChecks(t *testing.T) {
	now := time.Now().UTC()
	store := memstore.New(inbox.DefaultOptions(inbox.Default))
	for i := 0; i < 100; i++ {
		_, _ = store.WriteOne(context.Background(), inbox.Message{ID: string(rune('a' + i)), ReceivedAt: now.Add(-24 * time.Hour)})
	}
	res, err := inbox.Probe(context.Background(), store, inbox.HealthPolicy{}, fixedClock{now})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !res.Healthy {
		t.Fatal("expected healthy when both thresholds are zero (disabled)")
	}
}
