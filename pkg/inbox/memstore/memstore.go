// Package memstore is an in-process StorageProvider used by the engine's
// own unit tests (spec §8's testable properties need a backend that runs
// without an external database or Redis instance). It implements the same
// contract as pkg/inbox/sqlstore and pkg/inbox/kvstore: atomic
// WriteOne/WriteBatch, atomic ReadAndCapture with FIFO exclusion, and the
// single/batched finalize calls.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chartlyhq/inbox/pkg/inbox"
)

type row struct {
	msg inbox.Message
}

// Store is a single inbox's in-memory state, guarded by one mutex —
// matching the spec's requirement that each backend call be atomic,
// trading concurrency for simplicity since this store never talks to the
// network.
type Store struct {
	mu sync.Mutex

	opts inbox.Options
	now  func() time.Time

	messages map[string]*row // id -> row; present rows may be pending or captured
	dedup    map[string]time.Time
	collapse map[string]string // collapse_key -> latest id written with it; dropped on Complete/DeadLetter
	groups   map[string]groupLock
	dlq      map[string]inbox.DeadLetterEntry
}

type groupLock struct {
	lockedBy string
	deadline time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's notion of now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store for one inbox.
func New(opts inbox.Options, options ...Option) *Store {
	s := &Store{
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		messages: make(map[string]*row),
		dedup:    make(map[string]time.Time),
		collapse: make(map[string]string),
		groups:   make(map[string]groupLock),
		dlq:      make(map[string]inbox.DeadLetterEntry),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Store) WriteOne(ctx context.Context, msg inbox.Message) (inbox.WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeOneLocked(msg), nil
}

func (s *Store) writeOneLocked(msg inbox.Message) inbox.WriteOutcome {
	if s.opts.EnableDeduplication && msg.DeduplicationID != "" {
		if _, dup := s.dedup[msg.DeduplicationID]; dup {
			return inbox.DuplicateSkipped
		}
		s.dedup[msg.DeduplicationID] = s.now()
	}
	if msg.CollapseKey != "" {
		if priorID, ok := s.collapse[msg.CollapseKey]; ok {
			if r, exists := s.messages[priorID]; exists && !s.isCaptured(r.msg) {
				delete(s.messages, priorID)
			}
		}
		s.collapse[msg.CollapseKey] = msg.ID
	}
	s.messages[msg.ID] = &row{msg: msg}
	return inbox.Inserted
}

func (s *Store) WriteBatch(ctx context.Context, msgs []inbox.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if s.writeOneLocked(m) == inbox.Inserted {
			n++
		}
	}
	return n, nil
}

func (s *Store) isCaptured(m inbox.Message) bool {
	return m.CapturedBy != "" && m.CapturedAt.Add(s.opts.MaxProcessingTime).After(s.now())
}

func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]inbox.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*row, 0, len(s.messages))
	for _, r := range s.messages {
		if s.isCaptured(r.msg) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].msg.ReceivedAt.Equal(candidates[j].msg.ReceivedAt) {
			return candidates[i].msg.ReceivedAt.Before(candidates[j].msg.ReceivedAt)
		}
		return candidates[i].msg.ID < candidates[j].msg.ID
	})

	fifo := s.opts.Mode == inbox.FIFO || s.opts.Mode == inbox.FIFOBatched
	lockedThisCall := make(map[string]bool)
	out := make([]inbox.Envelope, 0, s.opts.ReadBatchSize)
	for _, r := range candidates {
		if len(out) >= s.opts.ReadBatchSize {
			break
		}
		if fifo && r.msg.GroupID != "" {
			gl, held := s.groups[r.msg.GroupID]
			heldByOther := held && gl.lockedBy != processorID && gl.deadline.After(now) && !lockedThisCall[r.msg.GroupID]
			if heldByOther {
				continue
			}
		}
		r.msg.CapturedAt = now
		r.msg.CapturedBy = processorID
		if fifo && r.msg.GroupID != "" {
			lockedThisCall[r.msg.GroupID] = true
		}
		out = append(out, toEnvelope(r.msg))
	}
	for g := range lockedThisCall {
		s.groups[g] = groupLock{lockedBy: processorID, deadline: now.Add(s.opts.MaxProcessingTime)}
	}
	return out, nil
}

func toEnvelope(m inbox.Message) inbox.Envelope {
	return inbox.Envelope{
		ID:              m.ID,
		MessageType:     m.MessageType,
		Payload:         m.Payload,
		GroupID:         m.GroupID,
		CollapseKey:     m.CollapseKey,
		DeduplicationID: m.DeduplicationID,
		AttemptsCount:   m.AttemptsCount,
		ReceivedAt:      m.ReceivedAt,
		CapturedAt:      m.CapturedAt,
		CapturedBy:      m.CapturedBy,
	}
}

func (s *Store) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked(id)
	return nil
}

func (s *Store) completeLocked(id string) {
	r, ok := s.messages[id]
	if !ok {
		return
	}
	if r.msg.CollapseKey != "" && s.collapse[r.msg.CollapseKey] == id {
		delete(s.collapse, r.msg.CollapseKey)
	}
	delete(s.messages, id)
}

func (s *Store) Fail(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return nil
	}
	r.msg.AttemptsCount++
	r.msg.CapturedAt = time.Time{}
	r.msg.CapturedBy = ""
	return nil
}

func (s *Store) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return nil
	}
	r.msg.CapturedAt = time.Time{}
	r.msg.CapturedBy = ""
	return nil
}

func (s *Store) DeadLetter(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetterLocked(id, reason)
	return nil
}

func (s *Store) deadLetterLocked(id, reason string) {
	r, ok := s.messages[id]
	if !ok {
		return
	}
	if r.msg.CollapseKey != "" && s.collapse[r.msg.CollapseKey] == id {
		delete(s.collapse, r.msg.CollapseKey)
	}
	delete(s.messages, id)
	if s.opts.EnableDeadLetter {
		s.dlq[id] = inbox.DeadLetterEntry{Message: r.msg, FailureReason: reason, MovedAt: s.now()}
	}
}

func (s *Store) ProcessResultsBatch(ctx context.Context, batch inbox.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range batch.ToComplete {
		s.completeLocked(id)
	}
	for _, id := range batch.ToFail {
		if r, ok := s.messages[id]; ok {
			r.msg.AttemptsCount++
			r.msg.CapturedAt = time.Time{}
			r.msg.CapturedBy = ""
		}
	}
	for _, id := range batch.ToRelease {
		if r, ok := s.messages[id]; ok {
			r.msg.CapturedAt = time.Time{}
			r.msg.CapturedBy = ""
		}
	}
	for _, dl := range batch.ToDeadLetter {
		s.deadLetterLocked(dl.ID, dl.Reason)
	}
	return nil
}

func (s *Store) ExtendLocks(ctx context.Context, processorID string, refs []inbox.LockRef, newDeadline time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	extended := 0
	groupsTouched := make(map[string]bool)
	for _, ref := range refs {
		r, ok := s.messages[ref.ID]
		if !ok || r.msg.CapturedBy != processorID {
			continue
		}
		r.msg.CapturedAt = newDeadline.Add(-s.opts.MaxProcessingTime)
		extended++
		if ref.GroupID != "" {
			groupsTouched[ref.GroupID] = true
		}
	}
	for g := range groupsTouched {
		if gl, ok := s.groups[g]; ok && gl.lockedBy == processorID {
			gl.deadline = newDeadline
			s.groups[g] = gl
		}
	}
	return extended, nil
}

func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groupIDs {
		delete(s.groups, g)
	}
	return nil
}

func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.messages[id]; ok {
			r.msg.CapturedAt = time.Time{}
			r.msg.CapturedBy = ""
		}
	}
	for _, g := range groupIDs {
		delete(s.groups, g)
	}
	return nil
}

func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]inbox.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inbox.DeadLetterEntry, 0, len(s.dlq))
	for _, d := range s.dlq {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m inbox.HealthMetrics
	for _, r := range s.messages {
		if s.isCaptured(r.msg) {
			m.CapturedCount++
			continue
		}
		m.PendingCount++
		if m.OldestPendingReceivedAt.IsZero() || r.msg.ReceivedAt.Before(m.OldestPendingReceivedAt) {
			m.OldestPendingReceivedAt = r.msg.ReceivedAt
		}
	}
	m.DeadLetterCount = int64(len(s.dlq))
	return m, nil
}

// CleanupDedup satisfies inbox.Cleaner so tests can exercise the cleanup
// loop against memstore too, even though dedup here has no TTL backing
// (it's a map with an insertion time).
func (s *Store) CleanupDedup(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, t := range s.dedup {
		if removed >= limit {
			break
		}
		if t.Before(before) {
			delete(s.dedup, k)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CleanupDeadLetters(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, d := range s.dlq {
		if removed >= limit {
			break
		}
		if d.MovedAt.Before(before) {
			delete(s.dlq, k)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CleanupGroupLocks(ctx context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for g, gl := range s.groups {
		if removed >= limit {
			break
		}
		if gl.deadline.Before(now) {
			delete(s.groups, g)
			removed++
		}
	}
	return removed, nil
}
