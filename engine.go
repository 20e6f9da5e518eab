package driftsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Engine is the sync core for one active user session. It owns the durable
// buffer and the profile mirror exclusively; collaborators stage mutations
// through it and read state via Mirror or GetMergedSnapshot, never by
// touching the stores directly. Construct one per session and Close it on
// logout.
type Engine struct {
	cfg      Config
	buffer   BufferStore
	remote   RemoteStore
	sink     EventSink
	now      func() time.Time
	feed     *SnapshotFeed
	archiver *SnapshotArchiver

	mu        sync.Mutex
	mirror    Document
	observers map[int]func()
	obsSeq    int
	online    bool
	flushing  bool
	closing   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats EngineStats
}

// EngineStats provides counters about the engine's activity.
type EngineStats struct {
	StagedSets       int64     `json:"staged_sets"`
	StagedIncrements int64     `json:"staged_increments"`
	StaleRejected    int64     `json:"stale_rejected"`
	DegradedWrites   int64     `json:"degraded_writes"`
	Flushes          int64     `json:"flushes"`
	FlushFailures    int64     `json:"flush_failures"`
	SnapshotsMerged  int64     `json:"snapshots_merged"`
	LastFlushAt      time.Time `json:"last_flush_at"`
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithEventSink replaces the default slog-backed event sink.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs the sync engine for cfg.DocID. A nil buffer opens the
// SQLite buffer store at cfg.Buffer.Path; a nil remote requires cfg.Remote
// and dials the hosted profile service.
func NewEngine(cfg Config, remote RemoteStore, buffer BufferStore, opts ...EngineOption) (*Engine, error) {
	if cfg.DocID == "" {
		return nil, fmt.Errorf("engine: DocID is required")
	}
	cfg.applyDefaults()

	if remote == nil {
		if cfg.Remote == nil {
			return nil, fmt.Errorf("engine: no remote store configured")
		}
		var err error
		remote, err = NewHTTPRemoteStore(*cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	if buffer == nil {
		var err error
		buffer, err = NewSQLiteBufferStore(cfg.Buffer)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		buffer:    buffer,
		remote:    remote,
		sink:      slogSink{},
		now:       time.Now,
		observers: make(map[int]func()),
		online:    cfg.StartOnline,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	// Repopulate the mirror from the last persisted snapshot so staged
	// state survives a restart alongside the buffer.
	mirror, err := buffer.LoadMirror()
	if err != nil {
		e.emit(Event{Kind: EventStorageDegraded, DocID: cfg.DocID, Err: err, At: e.now()})
		mirror = nil
	}
	if mirror == nil {
		mirror = Document{}
	}
	e.mirror = mirror

	if cfg.Archive != nil {
		archiver, err := NewSnapshotArchiver(*cfg.Archive)
		if err != nil {
			cancel()
			_ = buffer.Close()
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.archiver = archiver
	}

	e.wg.Add(1)
	go e.flushLoop()

	if cfg.Feed != nil {
		e.feed = NewEngineSnapshotFeed(*cfg.Feed, e)
		e.feed.Start()
	}

	return e, nil
}

// flushLoop periodically drains the buffer while the session is active.
func (e *Engine) flushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			_ = e.Flush(e.ctx)
		}
	}
}

// StageUpdate persists an assignment for fieldPath, applies it to the mirror
// and notifies observers. It never blocks on network I/O and never fails the
// caller: local storage faults degrade to an in-memory-only update, reported
// through the event sink.
//
// For paths under the progress namespace, a buffered record whose embedded
// recency marker is newer than the incoming value's makes the call a silent
// no-op; a backgrounded tab replaying an old progress write must not regress
// progress already staged.
func (e *Engine) StageUpdate(fieldPath string, value any) {
	segments, err := ParsePath(fieldPath)
	if err != nil {
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, FieldPath: fieldPath, Err: err, At: e.now()})
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	if e.isProgressPath(fieldPath) && e.staleProgressLocked(fieldPath, value) {
		e.stats.StaleRejected++
		e.mu.Unlock()
		return
	}

	rec := MutationRecord{
		FieldPath: fieldPath,
		Value:     value,
		Op:        OpSet,
		StagedAt:  e.now().UnixMilli(),
	}
	if err := e.buffer.Put(rec); err != nil {
		e.stats.DegradedWrites++
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, FieldPath: fieldPath, Err: err, At: e.now()})
	}

	e.mirror.setAt(segments, value)
	e.persistMirrorLocked()
	e.stats.StagedSets++
	obs := e.observerListLocked()
	e.mu.Unlock()

	notify(obs)
}

// StageIncrement accumulates delta for fieldPath. The buffer keeps the total
// outstanding delta for a single additive remote write; the mirror moves by
// just the new delta, since it already reflects the earlier ones.
func (e *Engine) StageIncrement(fieldPath string, delta float64) {
	segments, err := ParsePath(fieldPath)
	if err != nil {
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, FieldPath: fieldPath, Err: err, At: e.now()})
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	rec := MutationRecord{
		FieldPath: fieldPath,
		Value:     delta,
		Op:        OpAdd,
		StagedAt:  e.now().UnixMilli(),
	}

	existing, ok, err := e.buffer.Get(fieldPath)
	if err != nil {
		e.stats.DegradedWrites++
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, FieldPath: fieldPath, Err: err, At: e.now()})
	} else if ok {
		// A non-numeric buffered value counts as zero, same as addAt.
		base, _ := asNumber(existing.Value)
		if existing.Op == OpAdd {
			rec.Value = base + delta
		} else {
			// An increment after a buffered set folds into the set:
			// the assigned value already carries the remote base.
			rec.Op = OpSet
			rec.Value = base + delta
		}
	}

	if err := e.buffer.Put(rec); err != nil {
		e.stats.DegradedWrites++
		e.emit(Event{Kind: EventStorageDegraded, DocID: e.cfg.DocID, FieldPath: fieldPath, Err: err, At: e.now()})
	}

	e.mirror.addAt(segments, delta)
	e.persistMirrorLocked()
	e.stats.StagedIncrements++
	obs := e.observerListLocked()
	e.mu.Unlock()

	notify(obs)
}

// staleProgressLocked reports whether a buffered record for fieldPath carries
// a newer embedded recency marker than the incoming value.
func (e *Engine) staleProgressLocked(fieldPath string, incoming any) bool {
	existing, ok, err := e.buffer.Get(fieldPath)
	if err != nil || !ok {
		return false
	}
	buffered, ok := recencyOf(existing.Value)
	if !ok {
		return false
	}
	candidate, ok := recencyOf(incoming)
	if !ok {
		// No marker on the incoming value; nothing to compare against.
		return false
	}
	return candidate < buffered
}

func (e *Engine) isProgressPath(fieldPath string) bool {
	ns := e.cfg.ProgressNamespace
	if ns == "" {
		return false
	}
	return fieldPath == ns || (len(fieldPath) > len(ns) && fieldPath[:len(ns)+1] == ns+".")
}

// Subscribe registers an observer invoked after every local state change.
// The returned function unregisters it.
func (e *Engine) Subscribe(onChange func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.obsSeq
	e.obsSeq++
	e.observers[id] = onChange

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Engine) observerListLocked() []func() {
	obs := make([]func(), 0, len(e.observers))
	for _, fn := range e.observers {
		obs = append(obs, fn)
	}
	return obs
}

func notify(observers []func()) {
	for _, fn := range observers {
		fn()
	}
}

// SetOnline updates the connectivity state. A transition to online triggers
// an asynchronous flush.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	// The Add must happen under the same lock that Close takes before its
	// Wait, or a late transition could Add after the Wait has begun.
	start := online && !wasOnline && !e.closing && !e.closed
	if start {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if start {
		go func() {
			defer e.wg.Done()
			_ = e.Flush(e.ctx)
		}()
	}
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Stats returns a copy of the engine's counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) emit(ev Event) {
	e.sink.Emit(ev)
}

// Close stops the background loop, attempts one final flush (the pre-logout
// trigger) and closes the buffer store. The engine must not be used after
// Close.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closing || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.mu.Unlock()

	if e.feed != nil {
		e.feed.Stop()
	}
	e.cancel()
	e.wg.Wait()

	flushErr := e.Flush(ctx)

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if err := e.buffer.Close(); err != nil {
		return err
	}
	if flushErr != nil && flushErr != ErrClosed {
		return flushErr
	}
	return nil
}
