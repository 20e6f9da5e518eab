package driftsync

// Mirror returns a deep copy of the locally cached profile document.
// External collaborators read through this; the copy keeps the engine's
// internal state out of reach of callers that mutate what they get back.
func (e *Engine) Mirror() Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirror.Clone()
}

// persistMirrorLocked writes the mirror through the buffer store so it
// survives restarts. Persistence faults degrade to memory-only, same as
// staging: the interactive experience wins over durability of one snapshot.
func (e *Engine) persistMirrorLocked() {
	if err := e.buffer.SaveMirror(e.mirror); err != nil {
		e.stats.DegradedWrites++
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, Err: err, At: e.now()})
	}
}
