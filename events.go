package driftsync

import (
	"log/slog"
	"time"
)

// EventKind classifies sync core events delivered to the EventSink.
type EventKind int

const (
	// EventFlushSucceeded is emitted after a flush commits and the buffer
	// is cleared.
	EventFlushSucceeded EventKind = iota
	// EventFlushFailed is emitted when a flush's remote write fails; the
	// buffer is left intact for the next trigger.
	EventFlushFailed
	// EventStorageDegraded is emitted when a local storage fault forced a
	// stage call to degrade to an in-memory-only update.
	EventStorageDegraded
	// EventSnapshotMerged is emitted after a fresh authoritative snapshot
	// was reconciled with unflushed buffer entries.
	EventSnapshotMerged
	// EventSpendDenied is emitted when a ledger spend was refused, either
	// for insufficiency or exhausted conflict retries.
	EventSpendDenied
)

func (k EventKind) String() string {
	switch k {
	case EventFlushSucceeded:
		return "flush_succeeded"
	case EventFlushFailed:
		return "flush_failed"
	case EventStorageDegraded:
		return "storage_degraded"
	case EventSnapshotMerged:
		return "snapshot_merged"
	case EventSpendDenied:
		return "spend_denied"
	default:
		return "unknown"
	}
}

// Event is one observable occurrence inside the sync core. Staging and flush
// keep their non-blocking caller contract, so failures surface here instead
// of as return values.
type Event struct {
	Kind      EventKind `json:"kind"`
	DocID     string    `json:"doc_id"`
	FieldPath string    `json:"field_path,omitempty"`
	Records   int       `json:"records,omitempty"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

// EventSink receives sync core events. Implementations must not block;
// events are delivered synchronously from engine code paths.
type EventSink interface {
	Emit(ev Event)
}

// slogSink is the default EventSink, logging through log/slog.
type slogSink struct{}

func (slogSink) Emit(ev Event) {
	attrs := []any{"kind", ev.Kind.String(), "doc", ev.DocID}
	if ev.FieldPath != "" {
		attrs = append(attrs, "path", ev.FieldPath)
	}
	if ev.Records > 0 {
		attrs = append(attrs, "records", ev.Records)
	}
	if ev.Err != nil {
		attrs = append(attrs, "err", ev.Err)
	}

	switch ev.Kind {
	case EventFlushFailed, EventStorageDegraded:
		slog.Warn("driftsync event", attrs...)
	default:
		slog.Debug("driftsync event", attrs...)
	}
}
