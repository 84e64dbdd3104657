// Package kvstore is the scripted-atomic StorageProvider realisation
// (spec §4.1, "KV realisation") backed by Redis. Every call that must be
// atomic is a single Lua script run with redis.Script.Run, following the
// same NewScript-plus-Cmdable shape hyperforge's distlock/redis.go uses
// for its Acquire/Release/Extend lock primitives.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chartlyhq/inbox/pkg/inbox"
)

const defaultDedupTTL = time.Hour

// defaultMessageTTL bounds how long a message hash can live in Redis with
// no write refreshing it, so a crashed worker or a bug in the lease
// bookkeeping can never leak msg keys forever. It is refreshed on every
// write, capture, fail/release, and lock extension, so it only expires a
// message that nothing has touched in a very long time.
const defaultMessageTTL = 7 * 24 * time.Hour

// Store implements inbox.StorageProvider against a Redis keyspace scoped
// to one inbox. Keys share the prefix "inbox:{name}:" so one Redis
// instance (or one cluster hash slot, via the {name} hash tag) can serve
// many inboxes.
type Store struct {
	client redis.Cmdable
	name   string
	opts   inbox.Options
	clock  inbox.Clock

	dedupTTL   time.Duration
	messageTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithDedupTTL overrides the NX-set TTL used for deduplication_id keys
// (spec §4.1: "a TTL string per deduplication_id with NX-set semantics").
func WithDedupTTL(d time.Duration) Option {
	return func(s *Store) { s.dedupTTL = d }
}

// WithMessageTTL overrides the safety-net TTL attached to each message
// hash key.
func WithMessageTTL(d time.Duration) Option {
	return func(s *Store) { s.messageTTL = d }
}

// WithClock overrides the store's notion of now, for deterministic tests.
func WithClock(c inbox.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New builds a Store for one inbox against client, which may be a
// *redis.Client, *redis.ClusterClient, or (in tests) a *redis.Client
// pointed at a miniredis instance.
func New(client redis.Cmdable, inboxName string, opts inbox.Options, options ...Option) *Store {
	s := &Store{
		client:     client,
		name:       inboxName,
		opts:       opts,
		clock:      inbox.SystemClock,
		dedupTTL:   defaultDedupTTL,
		messageTTL: defaultMessageTTL,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Store) key(parts ...string) string {
	k := "inbox:{" + s.name + "}"
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) kPending() string   { return s.key("pending") }
func (s *Store) kCaptured() string  { return s.key("captured") }
func (s *Store) kDLQ() string       { return s.key("dlq") }
func (s *Store) kCollapse() string  { return s.key("collapse_index") }
func (s *Store) kMessage(id string) string    { return s.key("msg", id) }
func (s *Store) kDeadLetter(id string) string  { return s.key("dl", id) }
func (s *Store) kGroupLock(g string) string    { return s.key("lock", g) }
func (s *Store) kDedup(id string) string       { return s.key("dedup", id) }

// wireMessage is the JSON shape stored in each per-message hash value.
// received_at/captured_at are epoch milliseconds rather than time.Time's
// default RFC3339 encoding so the Lua scripts can use them directly as
// ZADD scores without a timestamp parser.
type wireMessage struct {
	ID              string `json:"id"`
	MessageType     string `json:"message_type"`
	Payload         []byte `json:"payload"`
	GroupID         string `json:"group_id"`
	CollapseKey     string `json:"collapse_key"`
	DeduplicationID string `json:"deduplication_id"`
	AttemptsCount   int    `json:"attempts_count"`
	ReceivedAt      int64  `json:"received_at"`
	CapturedAt      int64  `json:"captured_at"`
	CapturedBy      string `json:"captured_by"`
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toWire(m inbox.Message) wireMessage {
	return wireMessage{
		ID: m.ID, MessageType: m.MessageType, Payload: m.Payload,
		GroupID: m.GroupID, CollapseKey: m.CollapseKey, DeduplicationID: m.DeduplicationID,
		AttemptsCount: m.AttemptsCount, ReceivedAt: msOrZero(m.ReceivedAt),
		CapturedAt: msOrZero(m.CapturedAt), CapturedBy: m.CapturedBy,
	}
}

func (w wireMessage) toEnvelope() inbox.Envelope {
	return inbox.Envelope{
		ID: w.ID, MessageType: w.MessageType, Payload: w.Payload,
		GroupID: w.GroupID, CollapseKey: w.CollapseKey, DeduplicationID: w.DeduplicationID,
		AttemptsCount: w.AttemptsCount, ReceivedAt: timeFromMS(w.ReceivedAt),
		CapturedAt: timeFromMS(w.CapturedAt), CapturedBy: w.CapturedBy,
	}
}

func (w wireMessage) toMessage(inboxName string) inbox.Message {
	return inbox.Message{
		ID: w.ID, InboxName: inboxName, MessageType: w.MessageType, Payload: w.Payload,
		GroupID: w.GroupID, CollapseKey: w.CollapseKey, DeduplicationID: w.DeduplicationID,
		AttemptsCount: w.AttemptsCount, ReceivedAt: timeFromMS(w.ReceivedAt),
		CapturedAt: timeFromMS(w.CapturedAt), CapturedBy: w.CapturedBy,
	}
}

func epochMS(t time.Time) int64 { return t.UnixMilli() }

// --- WriteOne / WriteBatch ---

// writeScript performs the dedup-check, collapse-evict, and pending-set
// insert atomically: a write that races a concurrent ReadAndCapture must
// never observe a half-written message.
var writeScript = redis.NewScript(`
local pendingKey   = KEYS[1]
local collapseKey  = KEYS[2]
local dedupKey     = KEYS[3]
local msgKey       = KEYS[4]

local id          = ARGV[1]
local score       = ARGV[2]
local payload     = ARGV[3]
local collapse    = ARGV[4]
local dedupID     = ARGV[5]
local dedupTTLms  = tonumber(ARGV[6])
local capturedKey = ARGV[7]
local msgTTLms    = tonumber(ARGV[8])

if dedupID ~= "" then
  local ok = redis.call("SET", dedupKey, "1", "NX", "PX", dedupTTLms)
  if not ok then
    return 0
  end
end

if collapse ~= "" then
  local prior = redis.call("HGET", collapseKey, collapse)
  if prior and redis.call("ZSCORE", capturedKey, prior) == false then
    redis.call("ZREM", pendingKey, prior)
    redis.call("DEL", KEYS[5])
  end
  redis.call("HSET", collapseKey, collapse, id)
end

redis.call("SET", msgKey, payload, "PX", msgTTLms)
redis.call("ZADD", pendingKey, score, id)
return 1
`)

func (s *Store) WriteOne(ctx context.Context, msg inbox.Message) (inbox.WriteOutcome, error) {
	payload, err := json.Marshal(toWire(msg))
	if err != nil {
		return 0, fmt.Errorf("kvstore: marshal: %w", err)
	}
	var priorMsgKey string
	if msg.CollapseKey != "" {
		prior, err := s.client.HGet(ctx, s.kCollapse(), msg.CollapseKey).Result()
		if err != nil && err != redis.Nil {
			return 0, fmt.Errorf("kvstore: collapse lookup: %w", err)
		}
		if prior != "" {
			priorMsgKey = s.kMessage(prior)
		} else {
			priorMsgKey = s.kMessage("__none__")
		}
	} else {
		priorMsgKey = s.kMessage("__none__")
	}

	keys := []string{s.kPending(), s.kCollapse(), s.kDedup(msg.DeduplicationID), s.kMessage(msg.ID), priorMsgKey}
	ttlMS := s.dedupTTL.Milliseconds()
	msgTTLMS := s.messageTTL.Milliseconds()
	res, err := writeScript.Run(ctx, s.client, keys,
		msg.ID, epochMS(msg.ReceivedAt), payload, msg.CollapseKey, msg.DeduplicationID, ttlMS, s.kCaptured(), msgTTLMS).Int64()
	if err != nil {
		return 0, fmt.Errorf("kvstore: write script: %w", err)
	}
	if res == 0 {
		return inbox.DuplicateSkipped, nil
	}
	return inbox.Inserted, nil
}

func (s *Store) WriteBatch(ctx context.Context, msgs []inbox.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		outcome, err := s.WriteOne(ctx, m)
		if err != nil {
			return n, err
		}
		if outcome == inbox.Inserted {
			n++
		}
	}
	return n, nil
}

// --- ReadAndCapture ---

// captureScript implements spec §4.1's KV ReadAndCapture. A message whose
// lease has expired (captured_at + max_processing_time has passed) is
// logically pending again: before scanning `pending`, it reclaims every
// such entry from `captured` back onto `pending` scored by its original
// received_at, exactly as the §9 design note requires ("a faithful
// reimplementation should do the same" as the SQL/memstore backends'
// captured_at comparison). It then scans `pending` in score order for up
// to scanLimit candidates, skips any whose group is locked by someone
// else, moves the rest to `captured`, and stamps a fresh TTL lock for
// every group claimed in this call.
var captureScript = redis.NewScript(`
local pendingKey  = KEYS[1]
local capturedKey = KEYS[2]

local scanLimit       = tonumber(ARGV[1])
local batchSize       = tonumber(ARGV[2])
local nowMS           = tonumber(ARGV[3])
local processorID     = ARGV[4]
local deadlineMS      = tonumber(ARGV[5])
local fifo            = ARGV[6] == "1"
local lockPrefix      = ARGV[7]
local maxProcessingMS = tonumber(ARGV[8])
local msgTTLms        = tonumber(ARGV[9])

local expired = redis.call("ZRANGEBYSCORE", capturedKey, "-inf", nowMS - maxProcessingMS)
for _, id in ipairs(expired) do
  local msgKey = "inbox:{" .. KEYS[3] .. "}:msg:" .. id
  local raw = redis.call("GET", msgKey)
  redis.call("ZREM", capturedKey, id)
  if raw then
    local doc = cjson.decode(raw)
    doc.captured_at = 0
    doc.captured_by = ""
    redis.call("SET", msgKey, cjson.encode(doc), "PX", msgTTLms)
    redis.call("ZADD", pendingKey, doc.received_at, id)
  end
end

local ids = redis.call("ZRANGE", pendingKey, 0, scanLimit - 1)
local taken = {}
local lockedGroups = {}

for _, id in ipairs(ids) do
  if #taken >= batchSize then
    break
  end
  local msgKey = "inbox:{" .. KEYS[3] .. "}:msg:" .. id
  local raw = redis.call("GET", msgKey)
  if raw then
    local groupID = cjson.decode(raw).group_id
    local eligible = true
    if fifo and groupID ~= "" then
      local lockKey = lockPrefix .. groupID
      local owner = redis.call("GET", lockKey)
      if owner and owner ~= processorID and not lockedGroups[groupID] then
        eligible = false
      end
    end
    if eligible then
      local doc = cjson.decode(raw)
      doc.captured_at = nowMS
      doc.captured_by = processorID
      redis.call("SET", msgKey, cjson.encode(doc), "PX", msgTTLms)
      redis.call("ZREM", pendingKey, id)
      redis.call("ZADD", capturedKey, nowMS, id)
      table.insert(taken, cjson.encode(doc))
      if fifo and groupID ~= "" then
        lockedGroups[groupID] = true
      end
    end
  else
    redis.call("ZREM", pendingKey, id)
  end
end

for groupID, _ in pairs(lockedGroups) do
  local lockKey = lockPrefix .. groupID
  redis.call("SET", lockKey, processorID, "PXAT", deadlineMS)
end

return taken
`)

func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]inbox.Envelope, error) {
	fifo := s.opts.Mode == inbox.FIFO || s.opts.Mode == inbox.FIFOBatched
	mult := 3
	if fifo {
		mult = 5
	}
	scanLimit := s.opts.ReadBatchSize * mult
	now := s.clock.Now()
	deadline := now.Add(s.opts.MaxProcessingTime)
	fifoFlag := "0"
	if fifo {
		fifoFlag = "1"
	}
	keys := []string{s.kPending(), s.kCaptured(), s.name}
	maxProcessingMS := s.opts.MaxProcessingTime.Milliseconds()
	msgTTLMS := s.messageTTL.Milliseconds()
	res, err := captureScript.Run(ctx, s.client, keys,
		scanLimit, s.opts.ReadBatchSize, epochMS(now), processorID, epochMS(deadline), fifoFlag, s.key("lock")+":", maxProcessingMS, msgTTLMS).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("kvstore: capture script: %w", err)
	}
	out := make([]inbox.Envelope, 0, len(res))
	for _, raw := range res {
		var w wireMessage
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("kvstore: decode captured message: %w", err)
		}
		out = append(out, w.toEnvelope())
	}
	return out, nil
}

// --- Finalize calls ---

var completeScript = redis.NewScript(`
local msgKey = KEYS[1]
local raw = redis.call("GET", msgKey)
if raw then
  local doc = cjson.decode(raw)
  if doc.collapse_key ~= "" then
    local cur = redis.call("HGET", KEYS[2], doc.collapse_key)
    if cur == doc.id then
      redis.call("HDEL", KEYS[2], doc.collapse_key)
    end
  end
end
redis.call("DEL", msgKey)
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
return 1
`)

func (s *Store) Complete(ctx context.Context, id string) error {
	keys := []string{s.kMessage(id), s.kCollapse(), s.kPending(), s.kCaptured()}
	_, err := completeScript.Run(ctx, s.client, keys, id).Result()
	if err != nil {
		return fmt.Errorf("kvstore: complete: %w", err)
	}
	return nil
}

var failOrReleaseScript = redis.NewScript(`
local msgKey = KEYS[1]
local raw = redis.call("GET", msgKey)
if not raw then
  return 0
end
local doc = cjson.decode(raw)
if ARGV[2] == "1" then
  doc.attempts_count = doc.attempts_count + 1
end
doc.captured_at = 0
doc.captured_by = ""
redis.call("SET", msgKey, cjson.encode(doc), "PX", tonumber(ARGV[3]))
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], doc.received_at, ARGV[1])
return 1
`)

func (s *Store) Fail(ctx context.Context, id string) error {
	keys := []string{s.kMessage(id), s.kCaptured(), s.kPending()}
	_, err := failOrReleaseScript.Run(ctx, s.client, keys, id, "1", s.messageTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("kvstore: fail: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, id string) error {
	keys := []string{s.kMessage(id), s.kCaptured(), s.kPending()}
	_, err := failOrReleaseScript.Run(ctx, s.client, keys, id, "0", s.messageTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("kvstore: release: %w", err)
	}
	return nil
}

var deadLetterScript = redis.NewScript(`
local msgKey = KEYS[1]
local raw = redis.call("GET", msgKey)
if not raw then
  return 0
end
local doc = cjson.decode(raw)
if doc.collapse_key ~= "" then
  local cur = redis.call("HGET", KEYS[2], doc.collapse_key)
  if cur == doc.id then
    redis.call("HDEL", KEYS[2], doc.collapse_key)
  end
end
redis.call("DEL", msgKey)
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
if ARGV[3] == "1" then
  doc.failure_reason = ARGV[2]
  doc.moved_at = tonumber(ARGV[4])
  redis.call("SET", KEYS[5], cjson.encode(doc), "PX", tonumber(ARGV[5]))
  redis.call("ZADD", KEYS[6], tonumber(ARGV[4]), ARGV[1])
end
return 1
`)

func (s *Store) DeadLetter(ctx context.Context, id string, reason string) error {
	now := s.clock.Now()
	ttlMS := s.opts.DeadLetterMaxMessageLifetime.Milliseconds()
	if ttlMS <= 0 {
		ttlMS = (30 * 24 * time.Hour).Milliseconds()
	}
	enabled := "0"
	if s.opts.EnableDeadLetter {
		enabled = "1"
	}
	keys := []string{s.kMessage(id), s.kCollapse(), s.kPending(), s.kCaptured(), s.kDeadLetter(id), s.kDLQ()}
	_, err := deadLetterScript.Run(ctx, s.client, keys, id, reason, enabled, epochMS(now), ttlMS).Result()
	if err != nil {
		return fmt.Errorf("kvstore: dead-letter: %w", err)
	}
	return nil
}

func (s *Store) ProcessResultsBatch(ctx context.Context, batch inbox.BatchResult) error {
	for _, id := range batch.ToComplete {
		if err := s.Complete(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range batch.ToFail {
		if err := s.Fail(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range batch.ToRelease {
		if err := s.Release(ctx, id); err != nil {
			return err
		}
	}
	for _, dl := range batch.ToDeadLetter {
		if err := s.DeadLetter(ctx, dl.ID, dl.Reason); err != nil {
			return err
		}
	}
	return nil
}

// --- Lock maintenance ---

var extendScript = redis.NewScript(`
local msgKey = KEYS[1]
local raw = redis.call("GET", msgKey)
if not raw then
  return 0
end
local doc = cjson.decode(raw)
if doc.captured_by ~= ARGV[1] then
  return 0
end
doc.captured_at = tonumber(ARGV[2])
redis.call("SET", msgKey, cjson.encode(doc), "PX", tonumber(ARGV[3]))
redis.call("ZADD", KEYS[2], "XX", tonumber(ARGV[2]), doc.id)
return 1
`)

func (s *Store) ExtendLocks(ctx context.Context, processorID string, refs []inbox.LockRef, newDeadline time.Time) (int, error) {
	newCapturedAt := newDeadline.Add(-s.opts.MaxProcessingTime)
	extended := 0
	groups := make(map[string]bool)
	msgTTLMS := s.messageTTL.Milliseconds()
	for _, ref := range refs {
		res, err := extendScript.Run(ctx, s.client, []string{s.kMessage(ref.ID), s.kCaptured()}, processorID, epochMS(newCapturedAt), msgTTLMS).Int64()
		if err != nil {
			return extended, fmt.Errorf("kvstore: extend: %w", err)
		}
		if res == 1 {
			extended++
			if ref.GroupID != "" {
				groups[ref.GroupID] = true
			}
		}
	}
	for g := range groups {
		s.client.Set(ctx, s.kGroupLock(g), processorID, time.Until(newDeadline))
	}
	return extended, nil
}

func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	for _, g := range groupIDs {
		if err := s.client.Del(ctx, s.kGroupLock(g)).Err(); err != nil {
			return fmt.Errorf("kvstore: release group lock: %w", err)
		}
	}
	return nil
}

func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	for _, id := range ids {
		if err := s.Release(ctx, id); err != nil {
			return err
		}
	}
	return s.ReleaseGroupLocks(ctx, groupIDs)
}

// --- Reads ---

func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]inbox.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, s.kDLQ(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: dlq scan: %w", err)
	}
	out := make([]inbox.DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.kDeadLetter(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kvstore: dead letter get: %w", err)
		}
		var doc struct {
			wireMessage
			FailureReason string `json:"failure_reason"`
			MovedAt       int64  `json:"moved_at"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("kvstore: decode dead letter: %w", err)
		}
		out = append(out, inbox.DeadLetterEntry{
			Message:       doc.wireMessage.toMessage(s.name),
			FailureReason: doc.FailureReason,
			MovedAt:       time.UnixMilli(doc.MovedAt).UTC(),
		})
	}
	return out, nil
}

func (s *Store) HealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	now := s.clock.Now()
	deadlineBefore := epochMS(now.Add(-s.opts.MaxProcessingTime))

	pendingCount, err := s.client.ZCard(ctx, s.kPending()).Result()
	if err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("kvstore: pending count: %w", err)
	}
	expiredCaptured, err := s.client.ZCount(ctx, s.kCaptured(), "-inf", strconv.FormatInt(deadlineBefore, 10)).Result()
	if err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("kvstore: expired captured: %w", err)
	}
	capturedCount, err := s.client.ZCard(ctx, s.kCaptured()).Result()
	if err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("kvstore: captured count: %w", err)
	}
	dlqCount, err := s.client.ZCard(ctx, s.kDLQ()).Result()
	if err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("kvstore: dlq count: %w", err)
	}

	m := inbox.HealthMetrics{
		PendingCount:    pendingCount + expiredCaptured,
		CapturedCount:   capturedCount - expiredCaptured,
		DeadLetterCount: dlqCount,
	}
	if oldest, err := s.client.ZRangeWithScores(ctx, s.kPending(), 0, 0).Result(); err == nil && len(oldest) > 0 {
		m.OldestPendingReceivedAt = time.UnixMilli(int64(oldest[0].Score)).UTC()
	}
	return m, nil
}

var _ inbox.StorageProvider = (*Store)(nil)
