package inbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name          string
		result        Result
		attemptsCount int
		maxAttempts   int
		wantAction    action
	}{
		{"success completes", Success, 0, 3, actionComplete},
		{"retry releases", Retry, 0, 3, actionRelease},
		{"move_to_dead_letter always dead-letters", MoveToDeadLetter, 0, 3, actionDeadLetter},
		{"failed below threshold fails", Failed, 0, 3, actionFail},
		{"failed at threshold dead-letters", Failed, 2, 3, actionDeadLetter},
		{"failed past threshold dead-letters", Failed, 5, 3, actionDeadLetter},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, _ := decide(c.result, "", c.attemptsCount, c.maxAttempts)
			if got != c.wantAction {
				t.Fatalf("decide() = %v, want %v", got, c.wantAction)
			}
		})
	}
}

func TestInvokeHandlerRecoversPanic(t *testing.T) {
	h := Handler(func(ctx context.Context, env Envelope) (Result, string) {
		panic("boom")
	})
	res, reason := invokeHandler(context.Background(), h, Envelope{ID: "1"})
	if res != Failed {
		t.Fatalf("expected Failed after panic, got %v", res)
	}
	if reason == "" {
		t.Fatal("expected a non-empty panic reason")
	}
}

// fakeStore is a minimal StorageProvider recording which finalize calls it
// received, for asserting strategy behavior without a real backend.
type fakeStore struct {
	completed        []string
	failed           []string
	released         []string
	deadLettered     []string
	groupsReleased   [][]string
	processResultsIn []BatchResult
}

func (f *fakeStore) WriteOne(ctx context.Context, msg Message) (WriteOutcome, error) { return Inserted, nil }
func (f *fakeStore) WriteBatch(ctx context.Context, msgs []Message) (int, error)     { return len(msgs), nil }
func (f *fakeStore) ReadAndCapture(ctx context.Context, processorID string) ([]Envelope, error) {
	return nil, nil
}
func (f *fakeStore) Complete(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}
func (f *fakeStore) Fail(ctx context.Context, id string) error {
	f.failed = append(f.failed, id)
	return nil
}
func (f *fakeStore) Release(ctx context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}
func (f *fakeStore) DeadLetter(ctx context.Context, id string, reason string) error {
	f.deadLettered = append(f.deadLettered, id)
	return nil
}
func (f *fakeStore) ProcessResultsBatch(ctx context.Context, batch BatchResult) error {
	f.processResultsIn = append(f.processResultsIn, batch)
	f.completed = append(f.completed, batch.ToComplete...)
	f.failed = append(f.failed, batch.ToFail...)
	f.released = append(f.released, batch.ToRelease...)
	for _, dl := range batch.ToDeadLetter {
		f.deadLettered = append(f.deadLettered, dl.ID)
	}
	return nil
}
func (f *fakeStore) ExtendLocks(ctx context.Context, processorID string, refs []LockRef, newDeadline time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	f.groupsReleased = append(f.groupsReleased, groupIDs)
	return nil
}
func (f *fakeStore) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	return nil
}
func (f *fakeStore) ReadDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	return nil, nil
}
func (f *fakeStore) HealthMetrics(ctx context.Context) (HealthMetrics, error) {
	return HealthMetrics{}, nil
}

func TestDispatchFIFOAbortsGroupOnRetry(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: FIFO, MaxAttempts: 3}
	calls := 0
	h := Handler(func(ctx context.Context, env Envelope) (Result, string) {
		calls++
		if env.ID == "g1-a" {
			return Retry, "try later"
		}
		return Success, ""
	})
	lease := []Envelope{
		{ID: "g1-a", GroupID: "g1"},
		{ID: "g1-b", GroupID: "g1"},
		{ID: "g2-a", GroupID: "g2"},
	}
	if err := dispatchFIFO(context.Background(), store, h, opts, lease); err != nil {
		t.Fatalf("dispatchFIFO: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected handler invoked for g1-a and g2-a only, got %d calls", calls)
	}
	if len(store.released) != 2 || store.released[0] != "g1-a" || store.released[1] != "g1-b" {
		t.Fatalf("expected g1-a and g1-b released, got %v", store.released)
	}
	if len(store.completed) != 1 || store.completed[0] != "g2-a" {
		t.Fatalf("expected g2-a completed, got %v", store.completed)
	}
	if len(store.groupsReleased) != 1 || len(store.groupsReleased[0]) != 2 {
		t.Fatalf("expected both groups released at lease end, got %v", store.groupsReleased)
	}
}

func TestDispatchBatchedTreatsMissingResultAsRetry(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: Batched, MaxAttempts: 3}
	h := BatchHandler(func(ctx context.Context, envs []Envelope) []ItemResult {
		return []ItemResult{{ID: "a", Result: Success}}
	})
	lease := []Envelope{{ID: "a"}, {ID: "b"}}
	if err := dispatchBatched(context.Background(), store, h, opts, lease); err != nil {
		t.Fatalf("dispatchBatched: %v", err)
	}
	if len(store.completed) != 1 || store.completed[0] != "a" {
		t.Fatalf("expected a completed, got %v", store.completed)
	}
	if len(store.released) != 1 || store.released[0] != "b" {
		t.Fatalf("expected b released (default Retry), got %v", store.released)
	}
}

func TestDispatchDefaultReleasesRemainingOnShutdown(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: Default, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	h := Handler(func(ctx context.Context, env Envelope) (Result, string) {
		if env.ID == "a" {
			cancel()
		}
		return Success, ""
	})
	lease := []Envelope{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	err := dispatchDefault(ctx, store, h, opts, lease)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(store.completed) != 1 || store.completed[0] != "a" {
		t.Fatalf("expected only a completed, got %v", store.completed)
	}
	if len(store.released) != 2 || store.released[0] != "b" || store.released[1] != "c" {
		t.Fatalf("expected b and c released untouched, got %v", store.released)
	}
}

func TestDispatchFIFOReleasesRemainingOnShutdown(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: FIFO, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	h := Handler(func(ctx context.Context, env Envelope) (Result, string) {
		if env.ID == "g1-a" {
			cancel()
		}
		return Success, ""
	})
	lease := []Envelope{
		{ID: "g1-a", GroupID: "g1"},
		{ID: "g1-b", GroupID: "g1"},
		{ID: "g2-a", GroupID: "g2"},
	}
	err := dispatchFIFO(ctx, store, h, opts, lease)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(store.completed) != 1 || store.completed[0] != "g1-a" {
		t.Fatalf("expected only g1-a completed, got %v", store.completed)
	}
	if len(store.released) != 2 || store.released[0] != "g1-b" || store.released[1] != "g2-a" {
		t.Fatalf("expected g1-b and g2-a released untouched, got %v", store.released)
	}
	if len(store.groupsReleased) != 1 || len(store.groupsReleased[0]) != 2 {
		t.Fatalf("expected both groups' locks released on shutdown, got %v", store.groupsReleased)
	}
}

func TestDispatchBatchedReleasesLeaseOnShutdown(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: Batched, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	h := BatchHandler(func(ctx context.Context, envs []Envelope) []ItemResult {
		<-block
		return []ItemResult{{ID: "a", Result: Success}, {ID: "b", Result: Success}}
	})
	lease := []Envelope{{ID: "a"}, {ID: "b"}}
	cancel()
	err := dispatchBatched(ctx, store, h, opts, lease)
	close(block)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(store.completed) != 0 {
		t.Fatalf("expected nothing completed, got %v", store.completed)
	}
	if len(store.released) != 2 {
		t.Fatalf("expected the whole lease released, got %v", store.released)
	}
}

func TestDispatchFIFOBatchedReleasesRemainingOnShutdown(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: FIFOBatched, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	h := GroupHandler(func(ctx context.Context, groupID string, envs []Envelope) []ItemResult {
		if groupID == "g2" {
			<-block
		}
		out := make([]ItemResult, len(envs))
		for i, e := range envs {
			out[i] = ItemResult{ID: e.ID, Result: Success}
		}
		return out
	})
	lease := []Envelope{
		{ID: "g1-a", GroupID: "g1"},
		{ID: "g2-a", GroupID: "g2"},
	}
	go func() {
		// Give g1's handler a moment to complete before shutdown hits g2.
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := dispatchFIFOBatched(ctx, store, h, opts, lease)
	close(block)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(store.completed) != 1 || store.completed[0] != "g1-a" {
		t.Fatalf("expected g1-a completed, got %v", store.completed)
	}
	if len(store.released) != 1 || store.released[0] != "g2-a" {
		t.Fatalf("expected g2-a released untouched, got %v", store.released)
	}
}

func TestDispatchFIFOBatchedGroupsByGroupID(t *testing.T) {
	store := &fakeStore{}
	opts := Options{Mode: FIFOBatched, MaxAttempts: 3}
	var seenGroups []string
	h := GroupHandler(func(ctx context.Context, groupID string, envs []Envelope) []ItemResult {
		seenGroups = append(seenGroups, groupID)
		out := make([]ItemResult, len(envs))
		for i, e := range envs {
			out[i] = ItemResult{ID: e.ID, Result: Success}
		}
		return out
	})
	lease := []Envelope{
		{ID: "g2-a", GroupID: "g2"},
		{ID: "g1-a", GroupID: "g1"},
		{ID: "g2-b", GroupID: "g2"},
	}
	if err := dispatchFIFOBatched(context.Background(), store, h, opts, lease); err != nil {
		t.Fatalf("dispatchFIFOBatched: %v", err)
	}
	if len(seenGroups) != 2 || seenGroups[0] != "g2" || seenGroups[1] != "g1" {
		t.Fatalf("expected groups dispatched in first-seen order [g2 g1], got %v", seenGroups)
	}
	if len(store.completed) != 3 {
		t.Fatalf("expected all 3 messages completed, got %v", store.completed)
	}
}
