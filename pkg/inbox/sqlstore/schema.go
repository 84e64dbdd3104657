package sqlstore

import (
	"fmt"
	"regexp"
)

var reSafeName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// tableNames derives the four per-inbox table names from spec §6.4:
// inbox_messages_{name}, inbox_dead_letters_{name}, inbox_dedup_{name},
// inbox_locks_{name}.
type tableNames struct {
	messages    string
	deadLetters string
	dedup       string
	locks       string
}

func newTableNames(inboxName string) (tableNames, error) {
	if !reSafeName.MatchString(inboxName) {
		return tableNames{}, fmt.Errorf("sqlstore: inbox name %q is not a safe SQL identifier (must match %s)", inboxName, reSafeName.String())
	}
	return tableNames{
		messages:    "inbox_messages_" + inboxName,
		deadLetters: "inbox_dead_letters_" + inboxName,
		dedup:       "inbox_dedup_" + inboxName,
		locks:       "inbox_locks_" + inboxName,
	}, nil
}

// Schema returns the DDL statements to create one inbox's four tables and
// their indices, per spec §6.4. Callers run these through their own
// migration tooling; this package never executes DDL itself.
func Schema(inboxName string) ([]string, error) {
	t, err := newTableNames(inboxName)
	if err != nil {
		return nil, err
	}
	messageCols := `
		id               TEXT PRIMARY KEY,
		inbox_name       TEXT NOT NULL,
		message_type     TEXT NOT NULL,
		payload          BLOB NOT NULL,
		group_id         TEXT NOT NULL DEFAULT '',
		collapse_key     TEXT NOT NULL DEFAULT '',
		deduplication_id TEXT NOT NULL DEFAULT '',
		attempts_count   INTEGER NOT NULL DEFAULT 0,
		received_at      TIMESTAMP NOT NULL,
		captured_at      TIMESTAMP,
		captured_by      TEXT`

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, t.messages, messageCols),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_pending_idx ON %s (received_at, id) WHERE captured_at IS NULL`, t.messages, t.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_group_idx ON %s (group_id, captured_at)`, t.messages, t.messages),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_collapse_idx ON %s (collapse_key) WHERE captured_at IS NULL AND collapse_key != ''`, t.messages, t.messages),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id               TEXT PRIMARY KEY,
			inbox_name       TEXT NOT NULL,
			message_type     TEXT NOT NULL,
			payload          BLOB NOT NULL,
			group_id         TEXT NOT NULL DEFAULT '',
			collapse_key     TEXT NOT NULL DEFAULT '',
			deduplication_id TEXT NOT NULL DEFAULT '',
			attempts_count   INTEGER NOT NULL DEFAULT 0,
			received_at      TIMESTAMP NOT NULL,
			failure_reason   TEXT NOT NULL DEFAULT '',
			moved_at         TIMESTAMP NOT NULL
		)`, t.deadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_moved_idx ON %s (moved_at)`, t.deadLetters, t.deadLetters),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			inbox_name       TEXT NOT NULL,
			deduplication_id TEXT NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			PRIMARY KEY (inbox_name, deduplication_id)
		)`, t.dedup),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			inbox_name TEXT NOT NULL,
			group_id   TEXT NOT NULL,
			locked_at  TIMESTAMP NOT NULL,
			locked_by  TEXT NOT NULL,
			deadline   TIMESTAMP NOT NULL,
			PRIMARY KEY (inbox_name, group_id)
		)`, t.locks),
	}, nil
}
