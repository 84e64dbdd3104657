package sqlstore

import "fmt"

// Dialect isolates the handful of places Postgres and SQLite disagree:
// placeholder syntax, row-level locking support, and how a "begin
// exclusive enough to emulate SKIP LOCKED" transaction is opened. Every
// query in this package is otherwise dialect-neutral ANSI SQL.
type Dialect interface {
	// Name identifies the dialect for logging ("postgres", "sqlite").
	Name() string
	// Placeholder returns the bind-parameter token for the nth
	// (1-indexed) argument in a query.
	Placeholder(n int) string
	// SupportsSkipLocked reports whether "FOR UPDATE SKIP LOCKED" is
	// usable in a SELECT.
	SupportsSkipLocked() bool
	// BeginTxQuery documents the transaction-start semantics this dialect
	// needs; it is not executed directly (database/sql opens transactions
	// via DB.BeginTx, not a literal statement). SQLite's implementation
	// instead relies on its DSN carrying "_txlock=immediate" — see the
	// SQLite doc comment.
	BeginTxQuery() string
}

// Postgres targets github.com/lib/pq.
type Postgres struct{}

func (Postgres) Name() string                { return "postgres" }
func (Postgres) Placeholder(n int) string    { return fmt.Sprintf("$%d", n) }
func (Postgres) SupportsSkipLocked() bool    { return true }
func (Postgres) BeginTxQuery() string        { return "BEGIN" }

// SQLite targets github.com/mattn/go-sqlite3, used for the embedded
// deployment mode and for unit tests against ":memory:". SQLite has no
// row-level locking, so callers must open the *sql.DB with "_txlock=immediate"
// in the DSN; mattn/go-sqlite3 then opens every transaction (including the
// one ReadAndCapture runs in) as BEGIN IMMEDIATE, taking a RESERVED lock
// up front and serializing concurrent writers without needing SKIP LOCKED.
type SQLite struct{}

func (SQLite) Name() string             { return "sqlite" }
func (SQLite) Placeholder(n int) string { return "?" }
func (SQLite) SupportsSkipLocked() bool { return false }
func (SQLite) BeginTxQuery() string     { return "BEGIN IMMEDIATE" }
