package inbox

import (
	"errors"

	coded "github.com/chartlyhq/inbox/pkg/errors"
)

// Sentinel errors returned by StorageProvider and engine-level calls.
// Wrap a coded.CodedError around these with errors.Is/errors.As still
// working through Unwrap.
var (
	ErrDuplicate     = errors.New("inbox: duplicate deduplication_id")
	ErrInvalid       = errors.New("inbox: invalid message or options")
	ErrNotFound      = errors.New("inbox: not found")
	ErrClosed        = errors.New("inbox: closed")
	ErrLeaseConflict = errors.New("inbox: lease held by another processor")
	ErrUnavailable   = errors.New("inbox: storage unavailable")
)

// wrapDuplicate/wrapInvalid/etc attach the stable error code registry to a
// sentinel so callers outside this package can branch on coded.CodeOf.
func wrapDuplicate(msg string) error {
	return coded.New(coded.InboxDuplicate, msg, ErrDuplicate)
}

func wrapInvalid(msg string) error {
	return coded.New(coded.InboxInvalid, msg, ErrInvalid)
}

func wrapNotFound(msg string) error {
	return coded.New(coded.InboxNotFound, msg, ErrNotFound)
}

func wrapLeaseConflict(msg string) error {
	return coded.New(coded.InboxLeaseConflict, msg, ErrLeaseConflict)
}

func wrapUnavailable(msg string, cause error) error {
	return coded.New(coded.InboxStorageUnavailable, msg, cause)
}

func wrapConfigInvalid(msg string) error {
	return coded.New(coded.InboxConfigInvalid, msg, ErrInvalid)
}

// Retryable reports whether err should be treated as a transient backend
// error (spec §7: "Transient backend error ... retry on next loop
// iteration; no attempt increment").
func Retryable(err error) bool {
	return coded.Retryable(err)
}
