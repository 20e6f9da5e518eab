package driftsync

import "log/slog"

// GetMergedSnapshot reconciles a freshly delivered authoritative document
// with every buffer entry not yet flushed, and publishes the result as the
// new mirror. The collaborator that owns the live subscription calls this
// once per snapshot arrival; the returned document is the value to present.
//
// The snapshot may predate the user's unflushed local mutations, or may
// already include flushed ones. Re-applying a flushed SET is a harmless
// re-assignment, and a flushed ADD can no longer be double-counted because
// flushed records retire strictly after the flush's remote write is
// acknowledged — a snapshot reflecting that write is only ever observed with
// the corresponding record already gone. A snapshot that already reflects a
// still-buffered ADD, though, has the delta applied again on top; that is
// inherent to delta replay and resolves once the flush retires the record.
func (e *Engine) GetMergedSnapshot(authoritative Document) Document {
	merged := authoritative.Clone()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return merged
	}

	records, err := e.buffer.All()
	if err != nil {
		// Degrade to the raw snapshot rather than dropping the refresh.
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, Err: err, At: e.now()})
		records = nil
	}

	for _, rec := range records {
		segments, err := ParsePath(rec.FieldPath)
		if err != nil {
			continue
		}
		switch rec.Op {
		case OpAdd:
			delta, _ := asNumber(rec.Value)
			merged.addAt(segments, delta)
		case OpSet:
			merged.setAt(segments, rec.Value)
		}
	}

	e.mirror = merged.Clone()
	e.persistMirrorLocked()
	e.stats.SnapshotsMerged++
	e.emit(Event{Kind: EventSnapshotMerged, DocID: e.cfg.DocID, Records: len(records), At: e.now()})
	obs := e.observerListLocked()
	archive := e.archiver != nil && !e.closing
	if archive {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if archive {
		// Archival is audit-side; it never blocks or fails the merge.
		snapshot := authoritative.Clone()
		go func() {
			defer e.wg.Done()
			if err := e.archiver.Archive(e.ctx, e.cfg.DocID, snapshot); err != nil {
				slog.Warn("snapshot archive failed", "doc_id", e.cfg.DocID, "err", err)
			}
		}()
	}

	notify(obs)
	return merged
}
