// Package sqlstore is the row-lock-style StorageProvider realisation
// (spec §4.1, "SQL realisation"): one transaction per call, SKIP LOCKED
// scans for leasing on Postgres, and a BEGIN IMMEDIATE-equivalent
// exclusive transaction on SQLite (SQLite lacks row-level locking). The
// query layer is dialect-neutral; only placeholder syntax and lock-hint
// availability differ between the two Dialect implementations.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chartlyhq/inbox/pkg/inbox"
)

// Store implements inbox.StorageProvider and inbox.Cleaner against a
// database/sql.DB. The same Store type serves both Postgres
// (github.com/lib/pq) and SQLite (github.com/mattn/go-sqlite3); callers
// pick the dialect at construction.
//
// For SQLite, open db with a DSN carrying "_txlock=immediate" so every
// transaction mattn/go-sqlite3 opens behaves like BEGIN IMMEDIATE,
// matching Dialect.BeginTxQuery's documented intent without needing a
// raw statement per transaction.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	inboxName string
	tables    tableNames
	opts      inbox.Options
	clock     inbox.Clock

	// scanMultiplier bounds the SKIP LOCKED candidate window read before
	// FIFO eligibility is decided in Go; spec §4.1 KV section documents
	// the same idea (scan_multiplier >= 3 for Default, >= 5 for FIFO) and
	// it applies equally well here to bound the SELECT.
	scanMultiplier int
}

// New builds a Store for one inbox.
func New(db *sql.DB, dialect Dialect, inboxName string, opts inbox.Options, clock inbox.Clock) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: db is nil")
	}
	t, err := newTableNames(inboxName)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = inbox.SystemClock
	}
	mult := 3
	if opts.Mode == inbox.FIFO || opts.Mode == inbox.FIFOBatched {
		mult = 5
	}
	return &Store{
		db:             db,
		dialect:        dialect,
		inboxName:      inboxName,
		tables:         t,
		opts:           opts,
		clock:          clock,
		scanMultiplier: mult,
	}, nil
}

func (s *Store) ph(n int) string { return s.dialect.Placeholder(n) }

func (s *Store) WriteOne(ctx context.Context, msg inbox.Message) (inbox.WriteOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	outcome, err := s.writeOneTx(ctx, tx, msg)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return outcome, nil
}

func (s *Store) writeOneTx(ctx context.Context, tx *sql.Tx, msg inbox.Message) (inbox.WriteOutcome, error) {
	if s.opts.EnableDeduplication && msg.DeduplicationID != "" {
		q := fmt.Sprintf(`INSERT INTO %s (inbox_name, deduplication_id, created_at) VALUES (%s, %s, %s) ON CONFLICT DO NOTHING`,
			s.tables.dedup, s.ph(1), s.ph(2), s.ph(3))
		res, err := tx.ExecContext(ctx, q, s.inboxName, msg.DeduplicationID, s.clock.Now())
		if err != nil {
			if isUniqueViolation(err) {
				return inbox.DuplicateSkipped, nil
			}
			return 0, fmt.Errorf("sqlstore: dedup insert: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return inbox.DuplicateSkipped, nil
		}
	}
	if msg.CollapseKey != "" {
		delQ := fmt.Sprintf(`DELETE FROM %s WHERE collapse_key = %s AND captured_at IS NULL`, s.tables.messages, s.ph(1))
		if _, err := tx.ExecContext(ctx, delQ, msg.CollapseKey); err != nil {
			return 0, fmt.Errorf("sqlstore: collapse delete: %w", err)
		}
	}
	insQ := fmt.Sprintf(`INSERT INTO %s
		(id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, captured_at, captured_by)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, NULL, NULL)`,
		s.tables.messages, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err := tx.ExecContext(ctx, insQ, msg.ID, s.inboxName, msg.MessageType, msg.Payload, msg.GroupID, msg.CollapseKey, msg.DeduplicationID, msg.AttemptsCount, msg.ReceivedAt)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: insert: %w", err)
	}
	return inbox.Inserted, nil
}

func (s *Store) WriteBatch(ctx context.Context, msgs []inbox.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, m := range msgs {
		outcome, err := s.writeOneTx(ctx, tx, m)
		if err != nil {
			return 0, err
		}
		if outcome == inbox.Inserted {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return n, nil
}

func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]inbox.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	deadlineBefore := now.Add(-s.opts.MaxProcessingTime)
	scanLimit := s.opts.ReadBatchSize * s.scanMultiplier

	lockHint := ""
	if s.dialect.SupportsSkipLocked() {
		lockHint = " FOR UPDATE SKIP LOCKED"
	}
	selQ := fmt.Sprintf(`SELECT id, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at
		FROM %s
		WHERE (captured_at IS NULL OR captured_at <= %s)
		ORDER BY received_at ASC, id ASC
		LIMIT %s%s`, s.tables.messages, s.ph(1), s.ph(2), lockHint)

	rows, err := tx.QueryContext(ctx, selQ, deadlineBefore, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select candidates: %w", err)
	}
	type candidate struct {
		id, msgType, groupID, collapseKey, dedupID string
		payload                                    []byte
		attempts                                   int
		receivedAt                                 time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.msgType, &c.payload, &c.groupID, &c.collapseKey, &c.dedupID, &c.attempts, &c.receivedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	fifo := s.opts.Mode == inbox.FIFO || s.opts.Mode == inbox.FIFOBatched
	var held map[string]bool
	if fifo {
		held, err = s.heldGroups(ctx, tx, now, processorID)
		if err != nil {
			return nil, err
		}
	}

	lockedThisCall := make(map[string]bool)
	out := make([]inbox.Envelope, 0, s.opts.ReadBatchSize)
	for _, c := range candidates {
		if len(out) >= s.opts.ReadBatchSize {
			break
		}
		if fifo && c.groupID != "" && held[c.groupID] && !lockedThisCall[c.groupID] {
			continue
		}
		updQ := fmt.Sprintf(`UPDATE %s SET captured_at = %s, captured_by = %s WHERE id = %s`,
			s.tables.messages, s.ph(1), s.ph(2), s.ph(3))
		if _, err := tx.ExecContext(ctx, updQ, now, processorID, c.id); err != nil {
			return nil, fmt.Errorf("sqlstore: capture update: %w", err)
		}
		if fifo && c.groupID != "" {
			lockedThisCall[c.groupID] = true
		}
		out = append(out, inbox.Envelope{
			ID:              c.id,
			MessageType:     c.msgType,
			Payload:         c.payload,
			GroupID:         c.groupID,
			CollapseKey:     c.collapseKey,
			DeduplicationID: c.dedupID,
			AttemptsCount:   c.attempts,
			ReceivedAt:      c.receivedAt,
			CapturedAt:      now,
			CapturedBy:      processorID,
		})
	}

	for g := range lockedThisCall {
		if err := s.upsertGroupLock(ctx, tx, g, processorID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return out, nil
}

// heldGroups returns the set of group_ids currently locked by a processor
// other than processorID, with an unexpired deadline.
func (s *Store) heldGroups(ctx context.Context, tx *sql.Tx, now time.Time, processorID string) (map[string]bool, error) {
	q := fmt.Sprintf(`SELECT group_id FROM %s WHERE locked_by != %s AND deadline > %s`, s.tables.locks, s.ph(1), s.ph(2))
	rows, err := tx.QueryContext(ctx, q, processorID, now)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: held groups: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out[g] = true
	}
	return out, rows.Err()
}

func (s *Store) upsertGroupLock(ctx context.Context, tx *sql.Tx, groupID, processorID string, now time.Time) error {
	deadline := now.Add(s.opts.MaxProcessingTime)
	delQ := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = %s AND group_id = %s`, s.tables.locks, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, delQ, s.inboxName, groupID); err != nil {
		return fmt.Errorf("sqlstore: group lock clear: %w", err)
	}
	insQ := fmt.Sprintf(`INSERT INTO %s (inbox_name, group_id, locked_at, locked_by, deadline) VALUES (%s, %s, %s, %s, %s)`,
		s.tables.locks, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := tx.ExecContext(ctx, insQ, s.inboxName, groupID, now, processorID, deadline)
	if err != nil {
		return fmt.Errorf("sqlstore: group lock upsert: %w", err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.completeTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) completeTx(ctx context.Context, tx *sql.Tx, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, s.tables.messages, s.ph(1))
	_, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("sqlstore: complete: %w", err)
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.failTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) failTx(ctx context.Context, tx *sql.Tx, id string) error {
	q := fmt.Sprintf(`UPDATE %s SET captured_at = NULL, captured_by = NULL, attempts_count = attempts_count + 1 WHERE id = %s`,
		s.tables.messages, s.ph(1))
	_, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("sqlstore: fail: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.releaseTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) releaseTx(ctx context.Context, tx *sql.Tx, id string) error {
	q := fmt.Sprintf(`UPDATE %s SET captured_at = NULL, captured_by = NULL WHERE id = %s`, s.tables.messages, s.ph(1))
	_, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("sqlstore: release: %w", err)
	}
	return nil
}

func (s *Store) DeadLetter(ctx context.Context, id string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.deadLetterTx(ctx, tx, id, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) deadLetterTx(ctx context.Context, tx *sql.Tx, id string, reason string) error {
	selQ := fmt.Sprintf(`SELECT id, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at
		FROM %s WHERE id = %s`, s.tables.messages, s.ph(1))
	var c struct {
		id, msgType, groupID, collapseKey, dedupID string
		payload                                    []byte
		attempts                                   int
		receivedAt                                 time.Time
	}
	err := tx.QueryRowContext(ctx, selQ, id).Scan(&c.id, &c.msgType, &c.payload, &c.groupID, &c.collapseKey, &c.dedupID, &c.attempts, &c.receivedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlstore: dead-letter lookup: %w", err)
	}
	delQ := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, s.tables.messages, s.ph(1))
	if _, err := tx.ExecContext(ctx, delQ, id); err != nil {
		return fmt.Errorf("sqlstore: dead-letter delete: %w", err)
	}
	if !s.opts.EnableDeadLetter {
		return nil
	}
	insQ := fmt.Sprintf(`INSERT INTO %s
		(id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.tables.deadLetters, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	_, err = tx.ExecContext(ctx, insQ, c.id, s.inboxName, c.msgType, c.payload, c.groupID, c.collapseKey, c.dedupID, c.attempts, c.receivedAt, reason, s.clock.Now())
	if err != nil {
		return fmt.Errorf("sqlstore: dead-letter insert: %w", err)
	}
	return nil
}

func (s *Store) ProcessResultsBatch(ctx context.Context, batch inbox.BatchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range batch.ToComplete {
		if err := s.completeTx(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, id := range batch.ToFail {
		if err := s.failTx(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, id := range batch.ToRelease {
		if err := s.releaseTx(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, dl := range batch.ToDeadLetter {
		if err := s.deadLetterTx(ctx, tx, dl.ID, dl.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ExtendLocks(ctx context.Context, processorID string, refs []inbox.LockRef, newDeadline time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	extended := 0
	groups := make(map[string]bool)
	updQ := fmt.Sprintf(`UPDATE %s SET captured_at = %s WHERE id = %s AND captured_by = %s`,
		s.tables.messages, s.ph(1), s.ph(2), s.ph(3))
	for _, ref := range refs {
		newCapturedAt := newDeadline.Add(-s.opts.MaxProcessingTime)
		res, err := tx.ExecContext(ctx, updQ, newCapturedAt, ref.ID, processorID)
		if err != nil {
			return 0, fmt.Errorf("sqlstore: extend: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			extended++
			if ref.GroupID != "" {
				groups[ref.GroupID] = true
			}
		}
	}
	for g := range groups {
		updGQ := fmt.Sprintf(`UPDATE %s SET deadline = %s WHERE inbox_name = %s AND group_id = %s AND locked_by = %s`,
			s.tables.locks, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		if _, err := tx.ExecContext(ctx, updGQ, newDeadline, s.inboxName, g, processorID); err != nil {
			return 0, fmt.Errorf("sqlstore: extend group lock: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return extended, nil
}

func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(groupIDs))
	args := make([]any, 0, len(groupIDs)+1)
	args = append(args, s.inboxName)
	for i, g := range groupIDs {
		placeholders[i] = s.ph(i + 2)
		args = append(args, g)
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = %s AND group_id IN (%s)`,
		s.tables.locks, s.ph(1), strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlstore: release group locks: %w", err)
	}
	return nil
}

func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := s.releaseTx(ctx, tx, id); err != nil {
			return err
		}
	}
	if len(groupIDs) > 0 {
		placeholders := make([]string, len(groupIDs))
		args := make([]any, 0, len(groupIDs)+1)
		args = append(args, s.inboxName)
		for i, g := range groupIDs {
			placeholders[i] = s.ph(i + 2)
			args = append(args, g)
		}
		delQ := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = %s AND group_id IN (%s)`,
			s.tables.locks, s.ph(1), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, delQ, args...); err != nil {
			return fmt.Errorf("sqlstore: release group locks: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]inbox.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at
		FROM %s ORDER BY moved_at ASC LIMIT %s`, s.tables.deadLetters, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read dead letters: %w", err)
	}
	defer rows.Close()
	var out []inbox.DeadLetterEntry
	for rows.Next() {
		var m inbox.Message
		var reason string
		var movedAt time.Time
		if err := rows.Scan(&m.ID, &m.MessageType, &m.Payload, &m.GroupID, &m.CollapseKey, &m.DeduplicationID, &m.AttemptsCount, &m.ReceivedAt, &reason, &movedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan dead letter: %w", err)
		}
		m.InboxName = s.inboxName
		out = append(out, inbox.DeadLetterEntry{Message: m, FailureReason: reason, MovedAt: movedAt})
	}
	return out, rows.Err()
}

func (s *Store) HealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	now := s.clock.Now()
	deadlineBefore := now.Add(-s.opts.MaxProcessingTime)

	var m inbox.HealthMetrics
	pendingQ := fmt.Sprintf(`SELECT COUNT(*), MIN(received_at) FROM %s WHERE captured_at IS NULL OR captured_at <= %s`, s.tables.messages, s.ph(1))
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, pendingQ, deadlineBefore).Scan(&m.PendingCount, &oldest); err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("sqlstore: pending metrics: %w", err)
	}
	if oldest.Valid {
		m.OldestPendingReceivedAt = oldest.Time
	}

	capturedQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE captured_at IS NOT NULL AND captured_at > %s`, s.tables.messages, s.ph(1))
	if err := s.db.QueryRowContext(ctx, capturedQ, deadlineBefore).Scan(&m.CapturedCount); err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("sqlstore: captured metrics: %w", err)
	}

	dlqQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.tables.deadLetters)
	if err := s.db.QueryRowContext(ctx, dlqQ).Scan(&m.DeadLetterCount); err != nil {
		return inbox.HealthMetrics{}, fmt.Errorf("sqlstore: dlq metrics: %w", err)
	}
	return m, nil
}

// CleanupDedup, CleanupDeadLetters, CleanupGroupLocks implement
// inbox.Cleaner (spec §4.6; SQL backend only, KV relies on TTL keys).

func (s *Store) CleanupDedup(ctx context.Context, before time.Time, limit int) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %[1]s WHERE (inbox_name, deduplication_id) IN (
		SELECT inbox_name, deduplication_id FROM %[1]s WHERE created_at < %[2]s ORDER BY created_at LIMIT %[3]s
	)`, s.tables.dedup, s.ph(1), s.ph(2))
	return s.cleanupBatch(ctx, q, before, limit)
}

func (s *Store) CleanupDeadLetters(ctx context.Context, before time.Time, limit int) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %[1]s WHERE id IN (
		SELECT id FROM %[1]s WHERE moved_at < %[2]s ORDER BY moved_at LIMIT %[3]s
	)`, s.tables.deadLetters, s.ph(1), s.ph(2))
	return s.cleanupBatch(ctx, q, before, limit)
}

func (s *Store) CleanupGroupLocks(ctx context.Context, now time.Time, limit int) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %[1]s WHERE (inbox_name, group_id) IN (
		SELECT inbox_name, group_id FROM %[1]s WHERE deadline < %[2]s ORDER BY deadline LIMIT %[3]s
	)`, s.tables.locks, s.ph(1), s.ph(2))
	return s.cleanupBatch(ctx, q, now, limit)
}

// cleanupBatch deletes at most limit rows matching the subquery built by
// the caller; the reaping loop in pkg/inbox/cleanup.go calls it repeatedly
// until it returns 0, so a single call must never be unbounded.
func (s *Store) cleanupBatch(ctx context.Context, query string, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
