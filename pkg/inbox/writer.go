package inbox

import (
	"context"
	"time"

	"github.com/chartlyhq/inbox/pkg/ids"
	"github.com/chartlyhq/inbox/pkg/telemetry"
)

// WriteRequest is the caller-supplied shape of one message to write. Only
// MessageType is required; everything else either defaults or is enforced
// by the target inbox's mode (spec §4.5).
type WriteRequest struct {
	MessageType     string
	Payload         []byte
	GroupID         string
	CollapseKey     string
	DeduplicationID string

	// ExternalID and ReceivedAt let a caller carry identifiers/ordering
	// from an upstream system instead of minting fresh ones.
	ExternalID string
	ReceivedAt time.Time
}

// Writer is the public write path in front of one inbox's StorageProvider:
// it populates defaults, enforces the one validation rule the spec
// assigns the writer (message_type required; group_id required for FIFO
// inboxes), and delegates dedup/collapse enforcement to the backend.
type Writer struct {
	inboxName string
	storage   StorageProvider
	opts      Options
	clock     Clock
	metrics   telemetry.Metrics
}

// NewWriter constructs a Writer bound to one inbox.
func NewWriter(inboxName string, storage StorageProvider, opts Options, clock Clock, metrics telemetry.Metrics) (*Writer, error) {
	if storage == nil {
		return nil, wrapInvalid("storage provider is nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Writer{inboxName: inboxName, storage: storage, opts: opts, clock: clock, metrics: metrics}, nil
}

// Write persists one message, returning ErrDuplicate if its
// deduplication_id collides within the dedup window.
func (w *Writer) Write(ctx context.Context, req WriteRequest) (string, error) {
	msg, err := w.build(req)
	if err != nil {
		return "", err
	}
	outcome, err := w.storage.WriteOne(ctx, msg)
	if err != nil {
		return "", err
	}
	if outcome == DuplicateSkipped {
		if w.metrics != nil {
			w.metrics.IncDuplicateWrite(w.inboxName)
		}
		return "", wrapDuplicate("deduplication_id already claimed")
	}
	return msg.ID, nil
}

// WriteBatch persists multiple messages in one atomic backend call.
// Duplicates are skipped, not errored; the count actually inserted is
// returned alongside the full id list (in request order) so callers can
// correlate.
func (w *Writer) WriteBatch(ctx context.Context, reqs []WriteRequest) (ids []string, inserted int, err error) {
	msgs := make([]Message, len(reqs))
	ids = make([]string, len(reqs))
	for i, req := range reqs {
		msg, err := w.build(req)
		if err != nil {
			return nil, 0, err
		}
		msgs[i] = msg
		ids[i] = msg.ID
	}
	n, err := w.storage.WriteBatch(ctx, msgs)
	if err != nil {
		return nil, 0, err
	}
	if skipped := len(msgs) - n; skipped > 0 && w.metrics != nil {
		for i := 0; i < skipped; i++ {
			w.metrics.IncDuplicateWrite(w.inboxName)
		}
	}
	return ids, n, nil
}

func (w *Writer) build(req WriteRequest) (Message, error) {
	if req.MessageType == "" {
		return Message{}, wrapInvalid("message_type is required")
	}
	if w.opts.Mode == FIFO || w.opts.Mode == FIFOBatched {
		if req.GroupID == "" {
			return Message{}, wrapInvalid("group_id is required for FIFO inboxes")
		}
	}
	id := req.ExternalID
	if id == "" {
		id = ids.NewMessageID()
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = w.clock.Now()
	}
	return Message{
		ID:              id,
		InboxName:       w.inboxName,
		MessageType:     req.MessageType,
		Payload:         req.Payload,
		GroupID:         req.GroupID,
		CollapseKey:     req.CollapseKey,
		DeduplicationID: req.DeduplicationID,
		AttemptsCount:   0,
		ReceivedAt:      receivedAt,
	}, nil
}
