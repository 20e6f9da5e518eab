package driftsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// feedServer upgrades connections and pushes queued snapshot messages.
type feedServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	lastAuth string
}

func (s *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastAuth = r.Header.Get("Authorization")
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	// Keep the connection open; pushes come from the test body.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *feedServer) push(t *testing.T, msg snapshotMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		conns := append([]*websocket.Conn(nil), s.conns...)
		s.mu.Unlock()
		if len(conns) > 0 {
			if err := conns[len(conns)-1].WriteMessage(websocket.TextMessage, data); err != nil {
				t.Fatalf("push: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no feed connection established")
}

func newFeedServer(t *testing.T) (*feedServer, string) {
	t.Helper()
	srv := &feedServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSnapshotFeed_DeliversSnapshots(t *testing.T) {
	srv, url := newFeedServer(t)

	config := DefaultSnapshotFeedConfig(url, "user-1")
	config.AuthToken = "feed-token"

	var mu sync.Mutex
	var received []Document
	feed := NewSnapshotFeed(config, func(doc Document) {
		mu.Lock()
		received = append(received, doc)
		mu.Unlock()
	})
	feed.Start()
	defer feed.Stop()

	srv.push(t, snapshotMessage{Type: "snapshot", DocID: "user-1", Document: Document{"a": float64(1)}})
	srv.push(t, snapshotMessage{Type: "ping", DocID: "user-1"})
	srv.push(t, snapshotMessage{Type: "snapshot", DocID: "someone-else", Document: Document{"b": float64(2)}})
	srv.push(t, snapshotMessage{Type: "snapshot", DocID: "user-1", Document: Document{"a": float64(3)}})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0]["a"] != float64(1) || received[1]["a"] != float64(3) {
		t.Errorf("unexpected snapshots: %v", received)
	}
	srv.mu.Lock()
	auth := srv.lastAuth
	srv.mu.Unlock()
	if auth != "Bearer feed-token" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestSnapshotFeed_DrivesEngine(t *testing.T) {
	srv, url := newFeedServer(t)

	cfg := testConfig(t)
	cfg.StartOnline = false
	// A failing remote keeps the staged delta buffered through the online
	// transition, so the pushed snapshot exercises the merge path.
	remote := &faultyRemote{RemoteStore: NewMemoryRemoteStore()}
	remote.set(true)
	e := newTestEngine(t, cfg, remote, nil)

	e.StageIncrement("stats.points", 5)

	feed := NewEngineSnapshotFeed(DefaultSnapshotFeedConfig(url, cfg.DocID), e)
	feed.Start()
	defer feed.Stop()

	// Connecting flips the engine online.
	waitFor(t, 2*time.Second, e.Online)

	srv.push(t, snapshotMessage{
		Type:     "snapshot",
		DocID:    cfg.DocID,
		Document: Document{"stats": map[string]any{"points": float64(100)}},
	})

	points, _ := ParsePath("stats.points")
	waitFor(t, 2*time.Second, func() bool {
		v, _ := e.Mirror().valueAt(points)
		return v == float64(105)
	})
	if got := e.Stats().SnapshotsMerged; got != 1 {
		t.Errorf("SnapshotsMerged = %d, want 1", got)
	}
}

func TestSnapshotFeed_ConfiguredFeedRunsWithEngine(t *testing.T) {
	srv, url := newFeedServer(t)

	cfg := testConfig(t)
	cfg.StartOnline = false
	cfg.Feed = &SnapshotFeedConfig{URL: url}
	remote := &faultyRemote{RemoteStore: NewMemoryRemoteStore()}
	remote.set(true)
	e := newTestEngine(t, cfg, remote, nil)

	// The engine owns the feed: the connection flips it online without any
	// explicit Start.
	waitFor(t, 2*time.Second, e.Online)

	srv.push(t, snapshotMessage{
		Type:     "snapshot",
		DocID:    cfg.DocID,
		Document: Document{"preferences": map[string]any{"theme": "dark"}},
	})

	theme, _ := ParsePath("preferences.theme")
	waitFor(t, 2*time.Second, func() bool {
		v, _ := e.Mirror().valueAt(theme)
		return v == "dark"
	})

	// Close stops the feed loop along with the engine.
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSnapshotFeed_StopIsIdempotent(t *testing.T) {
	_, url := newFeedServer(t)
	feed := NewSnapshotFeed(DefaultSnapshotFeedConfig(url, "user-1"), nil)

	feed.Start()
	feed.Start() // second start is a no-op
	feed.Stop()
	feed.Stop() // second stop is a no-op
}
