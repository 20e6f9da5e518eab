package driftsync

import (
	"context"
)

// WriteBatch is one atomic multi-field write against the remote store.
// Increments are applied server-side, so two devices each flushing +1 do not
// clobber one another.
type WriteBatch struct {
	// Sets maps field paths to directly assigned values.
	Sets map[string]any `json:"sets,omitempty"`
	// Increments maps field paths to additive deltas applied atomically by
	// the store.
	Increments map[string]float64 `json:"increments,omitempty"`
	// ServerTimestampPath, when non-empty, names a field the store assigns
	// its own timestamp to as part of the batch.
	ServerTimestampPath string `json:"server_timestamp_path,omitempty"`
}

// Empty reports whether the batch carries no writes.
func (b WriteBatch) Empty() bool {
	return len(b.Sets) == 0 && len(b.Increments) == 0
}

// Txn is the handle passed to a transaction function. Reads observe the
// committed document as of transaction start plus the transaction's own
// writes; writes are buffered and applied atomically at commit.
type Txn struct {
	doc  Document
	sets map[string]any
}

func newTxn(doc Document) *Txn {
	return &Txn{doc: doc, sets: make(map[string]any)}
}

// Value returns the value at the field path, or (nil, false) if absent.
func (t *Txn) Value(fieldPath string) (any, bool) {
	segments, err := ParsePath(fieldPath)
	if err != nil {
		return nil, false
	}
	return t.doc.valueAt(segments)
}

// Number returns the numeric value at the field path, treating missing or
// non-numeric values as zero.
func (t *Txn) Number(fieldPath string) float64 {
	v, ok := t.Value(fieldPath)
	if !ok {
		return 0
	}
	n, _ := asNumber(v)
	return n
}

// Set stages an assignment, visible to subsequent reads in this transaction.
func (t *Txn) Set(fieldPath string, value any) error {
	segments, err := ParsePath(fieldPath)
	if err != nil {
		return err
	}
	t.doc.setAt(segments, value)
	t.sets[fieldPath] = value
	return nil
}

// writes returns the staged assignments.
func (t *Txn) writes() map[string]any {
	return t.sets
}

// RemoteStore is the authoritative profile store. Implementations must make
// ApplyBatch atomic across all of its fields and RunTransaction serializable
// against every other writer of the same document, retrying the transaction
// function on conflict.
type RemoteStore interface {
	// Get fetches the full document. Returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, docID string) (Document, error)

	// ApplyBatch applies one atomic multi-field write.
	ApplyBatch(ctx context.Context, docID string, batch WriteBatch) error

	// RunTransaction executes fn inside a serializable read-modify-write
	// transaction. fn may run multiple times; returning an error from fn
	// aborts without retry and surfaces that error unchanged.
	RunTransaction(ctx context.Context, docID string, fn func(tx *Txn) error) error

	// Close releases underlying resources.
	Close() error
}

// applyBatchTo applies a batch to a document in place, stamping the server
// timestamp field with now (unix milliseconds). Shared by the store
// implementations so batch semantics stay identical across them.
func applyBatchTo(doc Document, batch WriteBatch, nowMillis int64) error {
	for path, value := range batch.Sets {
		segments, err := ParsePath(path)
		if err != nil {
			return err
		}
		doc.setAt(segments, value)
	}
	for path, delta := range batch.Increments {
		segments, err := ParsePath(path)
		if err != nil {
			return err
		}
		doc.addAt(segments, delta)
	}
	if batch.ServerTimestampPath != "" {
		segments, err := ParsePath(batch.ServerTimestampPath)
		if err != nil {
			return err
		}
		doc.setAt(segments, nowMillis)
	}
	return nil
}
