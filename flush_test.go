package driftsync

import (
	"context"
	"testing"
	"time"
)

func TestFlush_OfflineScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartOnline = false
	remote := NewMemoryRemoteStore()
	buffer, err := NewSQLiteBufferStore(cfg.Buffer)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	sink := &recordingSink{}
	e := newTestEngine(t, cfg, remote, buffer, WithEventSink(sink))

	// Stage while offline.
	e.StageUpdate("readingProgress.book1.currentPage", float64(42))
	e.StageIncrement("stats.points", 10)

	// Offline flush is a silent no-op; nothing reaches the remote.
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("offline Flush: %v", err)
	}
	if _, err := remote.Get(context.Background(), cfg.DocID); err == nil {
		t.Fatal("remote written while offline")
	}

	// The online transition flushes asynchronously.
	e.SetOnline(true)
	waitFor(t, 2*time.Second, func() bool {
		records, err := buffer.All()
		return err == nil && len(records) == 0
	})

	doc, err := remote.Get(context.Background(), cfg.DocID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	page, _ := ParsePath("readingProgress.book1.currentPage")
	points, _ := ParsePath("stats.points")
	stamp, _ := ParsePath(cfg.SyncTimestampPath)
	if v, _ := doc.valueAt(page); v != float64(42) {
		t.Errorf("currentPage = %v, want 42", v)
	}
	if v, _ := doc.valueAt(points); v != float64(10) {
		t.Errorf("points = %v, want 10", v)
	}
	if _, ok := doc.valueAt(stamp); !ok {
		t.Error("sync timestamp not stamped")
	}

	if sink.count(EventFlushSucceeded) == 0 {
		t.Errorf("expected a flush success event, got %v", sink.kinds())
	}
}

func TestFlush_FailureLeavesBufferIntact(t *testing.T) {
	cfg := testConfig(t)
	remote := &faultyRemote{RemoteStore: NewMemoryRemoteStore()}
	buffer, err := NewSQLiteBufferStore(cfg.Buffer)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	sink := &recordingSink{}
	e := newTestEngine(t, cfg, remote, buffer, WithEventSink(sink))

	e.StageIncrement("stats.points", 10)

	remote.set(true)
	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if sink.count(EventFlushFailed) != 1 {
		t.Errorf("expected one flush failure event, got %v", sink.kinds())
	}
	records, err := buffer.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("buffer must survive a failed flush, got %d records", len(records))
	}

	// The next trigger retries the same records.
	remote.set(false)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	doc, err := remote.Get(context.Background(), cfg.DocID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	points, _ := ParsePath("stats.points")
	if v, _ := doc.valueAt(points); v != float64(10) {
		t.Errorf("points = %v, want 10", v)
	}
	if records, _ := buffer.All(); len(records) != 0 {
		t.Errorf("buffer not cleared after successful retry: %+v", records)
	}
	if got := e.Stats().FlushFailures; got != 1 {
		t.Errorf("FlushFailures = %d, want 1", got)
	}
}

// blockingRemote holds ApplyBatch open until released, so a test can stage
// mutations while a flush is mid-flight.
type blockingRemote struct {
	RemoteStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingRemote(inner RemoteStore) *blockingRemote {
	return &blockingRemote{
		RemoteStore: inner,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (r *blockingRemote) ApplyBatch(ctx context.Context, docID string, batch WriteBatch) error {
	close(r.entered)
	<-r.release
	return r.RemoteStore.ApplyBatch(ctx, docID, batch)
}

func TestFlush_MidFlightStagingSurvives(t *testing.T) {
	cfg := testConfig(t)
	inner := NewMemoryRemoteStore()
	remote := newBlockingRemote(inner)
	buffer, err := NewSQLiteBufferStore(cfg.Buffer)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	e := newTestEngine(t, cfg, remote, buffer)

	e.StageIncrement("stats.points", 1)

	done := make(chan error, 1)
	go func() { done <- e.Flush(context.Background()) }()
	<-remote.entered

	// Staged after the batch was read but before the remote acknowledged.
	e.StageIncrement("stats.points", 1)

	close(remote.release)
	if err := <-done; err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Only the flushed delta retires; the mid-flight one stays buffered.
	rec, ok, err := buffer.Get("stats.points")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("increment staged during flush was lost")
	}
	if rec.Op != OpAdd || rec.Value != float64(1) {
		t.Fatalf("remaining record = %+v, want add 1", rec)
	}

	points, _ := ParsePath("stats.points")
	doc, err := inner.Get(context.Background(), cfg.DocID)
	if err != nil {
		t.Fatalf("remote Get: %v", err)
	}
	if v, _ := doc.valueAt(points); v != float64(1) {
		t.Errorf("remote points = %v, want 1", v)
	}

	// The next flush delivers the remainder.
	remote.release = make(chan struct{})
	remote.entered = make(chan struct{})
	close(remote.release)
	go func() { done <- e.Flush(context.Background()) }()
	<-remote.entered
	if err := <-done; err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	doc, err = inner.Get(context.Background(), cfg.DocID)
	if err != nil {
		t.Fatalf("remote Get: %v", err)
	}
	if v, _ := doc.valueAt(points); v != float64(2) {
		t.Errorf("remote points = %v, want 2", v)
	}
	if records, _ := buffer.All(); len(records) != 0 {
		t.Errorf("buffer not empty after second flush: %+v", records)
	}
}

func TestFlush_EmptyBufferIsNoOp(t *testing.T) {
	cfg := testConfig(t)
	remote := NewMemoryRemoteStore()
	e := newTestEngine(t, cfg, remote, nil)

	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := remote.Get(context.Background(), cfg.DocID); err == nil {
		t.Error("empty flush must not touch the remote")
	}
	if got := e.Stats().Flushes; got != 0 {
		t.Errorf("Flushes = %d, want 0", got)
	}
}

func TestFlush_OnlineTransitionTriggersFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartOnline = false
	remote := NewMemoryRemoteStore()
	e := newTestEngine(t, cfg, remote, nil)

	e.StageUpdate("preferences.theme", "dark")
	e.SetOnline(true)

	// SetOnline flushes asynchronously; Close waits for it.
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	doc, err := remote.Get(context.Background(), cfg.DocID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	theme, _ := ParsePath("preferences.theme")
	if v, _ := doc.valueAt(theme); v != "dark" {
		t.Errorf("theme = %v, want dark", v)
	}
}

func TestBuildBatch(t *testing.T) {
	records := []MutationRecord{
		{FieldPath: "stats.points", Value: float64(7), Op: OpAdd},
		{FieldPath: "preferences.theme", Value: "dark", Op: OpSet},
		{FieldPath: "stats.streak", Value: float64(2), Op: OpAdd},
	}
	batch := buildBatch(records, "syncedAt")

	if batch.Increments["stats.points"] != 7 || batch.Increments["stats.streak"] != 2 {
		t.Errorf("unexpected increments: %v", batch.Increments)
	}
	if batch.Sets["preferences.theme"] != "dark" {
		t.Errorf("unexpected sets: %v", batch.Sets)
	}
	if batch.ServerTimestampPath != "syncedAt" {
		t.Errorf("unexpected timestamp path: %q", batch.ServerTimestampPath)
	}
}
