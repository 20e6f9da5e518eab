package driftsync

import (
	"context"
	"reflect"
)

// Flush drains the buffer into one atomic batched write against the remote
// store. It is fire-and-forget for callers: safe to invoke repeatedly, a
// silent no-op while another flush runs, while offline, or with an empty
// buffer. The returned error exists for logging only; failures leave the
// buffer intact for the next trigger and are reported through the event
// sink.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.flushing || !e.online {
		e.mu.Unlock()
		return nil
	}
	e.flushing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	records, err := e.buffer.All()
	if err != nil {
		e.emit(Event{Kind: EventFlushFailed, DocID: e.cfg.DocID, Err: err, At: e.now()})
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batch := buildBatch(records, e.cfg.SyncTimestampPath)

	if err := e.remote.ApplyBatch(ctx, e.cfg.DocID, batch); err != nil {
		e.mu.Lock()
		e.stats.FlushFailures++
		e.mu.Unlock()
		e.emit(Event{Kind: EventFlushFailed, DocID: e.cfg.DocID, Records: len(records), Err: err, At: e.now()})
		return err
	}

	// The whole batch committed, so every flushed record retires. Staging
	// runs concurrently with the remote write, so the clear is scoped to
	// exactly what was read above: a record staged or replaced mid-flight
	// stays buffered for the next trigger. Holding the engine lock here
	// keeps the clear atomic with respect to snapshot merges, so a snapshot
	// reflecting this write cannot re-count a retired record.
	e.mu.Lock()
	for _, rec := range records {
		if err := e.retireRecordLocked(rec); err != nil {
			e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, FieldPath: rec.FieldPath, Err: err, At: e.now()})
		}
	}
	e.stats.Flushes++
	e.stats.LastFlushAt = e.now()
	e.mu.Unlock()
	e.emit(Event{Kind: EventFlushSucceeded, DocID: e.cfg.DocID, Records: len(records), At: e.now()})
	return nil
}

// retireRecordLocked removes the flushed record from the buffer, preserving
// anything staged on the same path while the remote write was in flight. A
// delta accumulated mid-flight keeps its unflushed remainder; a replaced
// assignment is kept whole.
func (e *Engine) retireRecordLocked(flushed MutationRecord) error {
	cur, ok, err := e.buffer.Get(flushed.FieldPath)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if cur.Op == OpAdd && flushed.Op == OpAdd {
		sent, _ := asNumber(flushed.Value)
		total, _ := asNumber(cur.Value)
		remaining := total - sent
		if remaining == 0 {
			return e.buffer.Delete(flushed.FieldPath)
		}
		return e.buffer.Put(MutationRecord{
			FieldPath: flushed.FieldPath,
			Value:     remaining,
			Op:        OpAdd,
			StagedAt:  cur.StagedAt,
		})
	}

	if cur.Op == flushed.Op && cur.StagedAt == flushed.StagedAt && reflect.DeepEqual(cur.Value, flushed.Value) {
		return e.buffer.Delete(flushed.FieldPath)
	}
	return nil
}

// buildBatch collapses buffered records into one remote write: accumulated
// ADD deltas become server-side increments, SET records become direct
// assignments, and the store stamps its own sync timestamp.
func buildBatch(records []MutationRecord, serverTimestampPath string) WriteBatch {
	batch := WriteBatch{
		Sets:                make(map[string]any),
		Increments:          make(map[string]float64),
		ServerTimestampPath: serverTimestampPath,
	}
	for _, rec := range records {
		switch rec.Op {
		case OpAdd:
			delta, _ := asNumber(rec.Value)
			batch.Increments[rec.FieldPath] += delta
		case OpSet:
			batch.Sets[rec.FieldPath] = rec.Value
		}
	}
	return batch
}
