package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// action is the finalize call a strategy decided to make for one envelope.
type action int

const (
	actionComplete action = iota
	actionFail
	actionRelease
	actionDeadLetter
)

// decide translates a handler's Result into a finalize action, per spec
// §4.2's Default-mode translation table (also reused by Batched/FIFO/
// FIFO-Batched, which all share the same per-message disposition rules).
func decide(result Result, reason string, attemptsCount, maxAttempts int) (action, string) {
	switch result {
	case Success:
		return actionComplete, ""
	case Retry:
		return actionRelease, ""
	case MoveToDeadLetter:
		if reason == "" {
			reason = "handler requested dead-letter"
		}
		return actionDeadLetter, reason
	case Failed:
		if attemptsCount+1 >= maxAttempts {
			return actionDeadLetter, "max attempts exceeded"
		}
		return actionFail, reason
	default:
		// Unrecognized result is treated as Retry: conservative, never
		// drops a message.
		return actionRelease, reason
	}
}

// invokeHandler calls h, recovering a panic as a Failed result whose
// reason carries the recovered value (spec §4.2: "An unhandled panic/
// exception in the handler is treated as Failed").
func invokeHandler(ctx context.Context, h Handler, env Envelope) (res Result, reason string) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed
			reason = fmt.Sprintf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

func invokeBatchHandler(ctx context.Context, h BatchHandler, envs []Envelope) (out []ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			out = make([]ItemResult, len(envs))
			for i, e := range envs {
				out[i] = ItemResult{ID: e.ID, Result: Failed, Reason: fmt.Sprintf("handler panic: %v", r)}
			}
		}
	}()
	return h(ctx, envs)
}

func invokeGroupHandler(ctx context.Context, h GroupHandler, groupID string, envs []Envelope) (out []ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			out = make([]ItemResult, len(envs))
			for i, e := range envs {
				out[i] = ItemResult{ID: e.ID, Result: Failed, Reason: fmt.Sprintf("handler panic: %v", r)}
			}
		}
	}()
	return h(ctx, groupID, envs)
}

// dispatchDefault runs the Default strategy: each envelope is handled
// independently, sequentially unless opts.MaxProcessingThreads > 1.
//
// On shutdown (ctx cancelled mid-lease) it releases whatever hasn't
// finalized yet instead of waiting the handlers out, so those leases
// expire quickly rather than sitting captured until ShutdownTimeout's
// caller gives up (spec §4.3's shutdown drain).
func dispatchDefault(ctx context.Context, storage StorageProvider, h Handler, opts Options, lease []Envelope) error {
	if opts.MaxProcessingThreads <= 1 {
		for i, env := range lease {
			if ctx.Err() != nil {
				releaseRemaining(ctx, storage, lease[i:])
				return ctx.Err()
			}
			finalizeOne(ctx, storage, opts, env, invokeHandler(ctx, h, env))
		}
		return nil
	}

	sem := make(chan struct{}, opts.MaxProcessingThreads)
	var wg sync.WaitGroup
	finalized := make([]int32, len(lease))
	launched := 0
	for i, env := range lease {
		if ctx.Err() != nil {
			break
		}
		i, env := i, env
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			finalizeOne(ctx, storage, opts, env, invokeHandler(ctx, h, env))
			atomic.StoreInt32(&finalized[i], 1)
		}()
		launched++
	}
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		if launched == len(lease) {
			return nil
		}
	case <-ctx.Done():
	}
	var stillRunning []Envelope
	for i, env := range lease {
		if atomic.LoadInt32(&finalized[i]) == 0 {
			stillRunning = append(stillRunning, env)
		}
	}
	releaseRemaining(ctx, storage, stillRunning)
	return ctx.Err()
}

// releaseRemaining best-effort-releases envelopes that a strategy decided
// not to wait on, using a context stripped of ctx's cancellation (ctx is
// already done by the time this is called, and a cancelled context would
// make the storage call itself fail immediately).
func releaseRemaining(ctx context.Context, storage StorageProvider, envs []Envelope) {
	releaseCtx := context.WithoutCancel(ctx)
	for _, env := range envs {
		_ = storage.Release(releaseCtx, env.ID)
	}
}

func finalizeOne(ctx context.Context, storage StorageProvider, opts Options, env Envelope, result Result, reason string) {
	act, r := decide(result, reason, env.AttemptsCount, opts.MaxAttempts)
	switch act {
	case actionComplete:
		_ = storage.Complete(ctx, env.ID)
	case actionRelease:
		_ = storage.Release(ctx, env.ID)
	case actionFail:
		_ = storage.Fail(ctx, env.ID)
	case actionDeadLetter:
		_ = storage.DeadLetter(ctx, env.ID, r)
	}
}

// dispatchBatched runs the Batched strategy: the handler sees the whole
// lease and returns per-message results; the strategy folds them into one
// ProcessResultsBatch call.
//
// The handler call runs in a goroutine so a shutdown can release the
// whole lease without waiting for a handler that runs long past
// ShutdownTimeout; the handler's eventual result, if it ever returns, is
// then discarded.
func dispatchBatched(ctx context.Context, storage StorageProvider, h BatchHandler, opts Options, lease []Envelope) error {
	resultCh := make(chan []ItemResult, 1)
	go func() { resultCh <- invokeBatchHandler(ctx, h, lease) }()

	var results []ItemResult
	select {
	case results = <-resultCh:
	case <-ctx.Done():
		releaseRemaining(ctx, storage, lease)
		return ctx.Err()
	}

	byID := make(map[string]ItemResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	batch := BatchResult{}
	for _, env := range lease {
		r, ok := byID[env.ID]
		if !ok {
			r = ItemResult{ID: env.ID, Result: Retry}
		}
		act, reason := decide(r.Result, r.Reason, env.AttemptsCount, opts.MaxAttempts)
		switch act {
		case actionComplete:
			batch.ToComplete = append(batch.ToComplete, env.ID)
		case actionRelease:
			batch.ToRelease = append(batch.ToRelease, env.ID)
		case actionFail:
			batch.ToFail = append(batch.ToFail, env.ID)
		case actionDeadLetter:
			batch.ToDeadLetter = append(batch.ToDeadLetter, DeadLetterRequest{ID: env.ID, Reason: reason})
		}
	}
	return storage.ProcessResultsBatch(ctx, batch)
}

// dispatchFIFO runs the FIFO strategy. The storage layer guarantees the
// lease is internally ordered per group, so a single sequential pass
// already satisfies the ordering contract; once a message's disposition
// is non-terminal (Retry, or Failed below the attempts threshold), later
// messages of that same group within this lease are released untouched
// rather than processed out of turn (spec §4.2).
func dispatchFIFO(ctx context.Context, storage StorageProvider, h Handler, opts Options, lease []Envelope) error {
	aborted := make(map[string]bool)
	groupsSeen := make(map[string]bool)
	for i, env := range lease {
		if env.GroupID != "" {
			groupsSeen[env.GroupID] = true
		}
		if ctx.Err() != nil {
			// Best-effort: stop starting new handlers once shutdown has
			// been signalled and release the untouched remainder so their
			// leases expire quickly.
			releaseRemaining(ctx, storage, lease[i:])
			for _, remaining := range lease[i:] {
				if remaining.GroupID != "" {
					groupsSeen[remaining.GroupID] = true
				}
			}
			_ = releaseSeenGroups(context.WithoutCancel(ctx), storage, groupsSeen)
			return ctx.Err()
		}
		if env.GroupID != "" && aborted[env.GroupID] {
			_ = storage.Release(ctx, env.ID)
			continue
		}
		result, reason := invokeHandler(ctx, h, env)
		act, r := decide(result, reason, env.AttemptsCount, opts.MaxAttempts)
		switch act {
		case actionComplete:
			_ = storage.Complete(ctx, env.ID)
		case actionDeadLetter:
			_ = storage.DeadLetter(ctx, env.ID, r)
		case actionFail:
			_ = storage.Fail(ctx, env.ID)
			if env.GroupID != "" {
				aborted[env.GroupID] = true
			}
		case actionRelease:
			_ = storage.Release(ctx, env.ID)
			if env.GroupID != "" {
				aborted[env.GroupID] = true
			}
		}
	}
	return releaseSeenGroups(ctx, storage, groupsSeen)
}

// dispatchFIFOBatched runs the FIFO-Batched strategy: the lease is
// partitioned by group_id and the handler is invoked once per group with
// the in-order slice. Group order is the order each group_id first
// appears in the lease (stable, deterministic within one lease).
func dispatchFIFOBatched(ctx context.Context, storage StorageProvider, h GroupHandler, opts Options, lease []Envelope) error {
	order := make([]string, 0)
	byGroup := make(map[string][]Envelope)
	for _, env := range lease {
		if _, ok := byGroup[env.GroupID]; !ok {
			order = append(order, env.GroupID)
		}
		byGroup[env.GroupID] = append(byGroup[env.GroupID], env)
	}
	batch := BatchResult{}
	var shutdown bool
groupLoop:
	for gi, groupID := range order {
		if ctx.Err() != nil {
			shutdown = true
			for _, g := range order[gi:] {
				for _, env := range byGroup[g] {
					batch.ToRelease = append(batch.ToRelease, env.ID)
				}
			}
			break groupLoop
		}
		envs := byGroup[groupID]

		// Run the group handler in a goroutine so a shutdown signalled
		// mid-call can still release the rest of the lease promptly
		// instead of waiting the handler out.
		resultCh := make(chan []ItemResult, 1)
		go func() { resultCh <- invokeGroupHandler(ctx, h, groupID, envs) }()
		var results []ItemResult
		select {
		case results = <-resultCh:
		case <-ctx.Done():
			shutdown = true
			for _, g := range order[gi:] {
				for _, env := range byGroup[g] {
					batch.ToRelease = append(batch.ToRelease, env.ID)
				}
			}
			break groupLoop
		}

		byID := make(map[string]ItemResult, len(results))
		for _, r := range results {
			byID[r.ID] = r
		}
		for _, env := range envs {
			r, ok := byID[env.ID]
			if !ok {
				r = ItemResult{ID: env.ID, Result: Retry}
			}
			act, reason := decide(r.Result, r.Reason, env.AttemptsCount, opts.MaxAttempts)
			switch act {
			case actionComplete:
				batch.ToComplete = append(batch.ToComplete, env.ID)
			case actionRelease:
				batch.ToRelease = append(batch.ToRelease, env.ID)
			case actionFail:
				batch.ToFail = append(batch.ToFail, env.ID)
			case actionDeadLetter:
				batch.ToDeadLetter = append(batch.ToDeadLetter, DeadLetterRequest{ID: env.ID, Reason: reason})
			}
		}
	}

	batchCtx := ctx
	if shutdown {
		batchCtx = context.WithoutCancel(ctx)
	}
	if err := storage.ProcessResultsBatch(batchCtx, batch); err != nil {
		return err
	}
	groupsSeen := make(map[string]bool, len(order))
	for _, g := range order {
		if g != "" {
			groupsSeen[g] = true
		}
	}
	if err := releaseSeenGroups(batchCtx, storage, groupsSeen); err != nil {
		return err
	}
	if shutdown {
		return ctx.Err()
	}
	return nil
}

func releaseSeenGroups(ctx context.Context, storage StorageProvider, groups map[string]bool) error {
	if len(groups) == 0 {
		return nil
	}
	ids := make([]string, 0, len(groups))
	for g := range groups {
		ids = append(ids, g)
	}
	sort.Strings(ids)
	return storage.ReleaseGroupLocks(ctx, ids)
}
