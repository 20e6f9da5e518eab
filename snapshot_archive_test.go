package driftsync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func TestSnapshotArchiver_ArchiveKey(t *testing.T) {
	a := &SnapshotArchiver{config: SnapshotArchiveConfig{Prefix: "profiles/"}}
	at := time.Date(2024, 2, 1, 15, 4, 5, 123_000_000, time.UTC)

	key := a.archiveKey("user-1", at)
	if key != "profiles/user-1/2024/02/01/150405.123.json.sz" {
		t.Errorf("key = %q", key)
	}

	t.Run("NoPrefix", func(t *testing.T) {
		a := &SnapshotArchiver{config: SnapshotArchiveConfig{}}
		key := a.archiveKey("user-1", at)
		if !strings.HasPrefix(key, "user-1/2024/") {
			t.Errorf("key = %q", key)
		}
	})
}

func TestNewSnapshotArchiver_Validation(t *testing.T) {
	if _, err := NewSnapshotArchiver(SnapshotArchiveConfig{}); err == nil {
		t.Error("expected error without a bucket")
	}
}

// objectStore is a path-style PUT/GET object endpoint standing in for
// S3-compatible storage.
type objectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *objectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.objects == nil {
			s.objects = make(map[string][]byte)
		}
		s.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *objectStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func testArchiveConfig(endpoint string) SnapshotArchiveConfig {
	return SnapshotArchiveConfig{
		Bucket:          "profiles",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	}
}

func TestSnapshotArchiver_ArchiveAndRestore(t *testing.T) {
	store := &objectStore{}
	ts := httptest.NewServer(store)
	t.Cleanup(ts.Close)

	a, err := NewSnapshotArchiver(testArchiveConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewSnapshotArchiver: %v", err)
	}

	doc := Document{"preferences": map[string]any{"theme": "dark"}}
	if err := a.Archive(context.Background(), "user-1", doc); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	keys := store.keys()
	if len(keys) != 1 {
		t.Fatalf("stored objects = %v, want one", keys)
	}
	if !strings.HasPrefix(keys[0], "/profiles/user-1/") || !strings.HasSuffix(keys[0], ".json.sz") {
		t.Errorf("key = %q", keys[0])
	}

	restored, err := a.Restore(context.Background(), strings.TrimPrefix(keys[0], "/profiles/"))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	theme, _ := ParsePath("preferences.theme")
	if v, _ := restored.valueAt(theme); v != "dark" {
		t.Errorf("restored theme = %v", v)
	}
}

func TestSnapshotArchiver_EngineArchivesMergedSnapshots(t *testing.T) {
	store := &objectStore{}
	ts := httptest.NewServer(store)
	t.Cleanup(ts.Close)

	cfg := testConfig(t)
	archive := testArchiveConfig(ts.URL)
	cfg.Archive = &archive
	e := newTestEngine(t, cfg, nil, nil)

	e.GetMergedSnapshot(Document{"stats": map[string]any{"points": float64(3)}})

	waitFor(t, 2*time.Second, func() bool { return len(store.keys()) == 1 })

	keys := store.keys()
	if !strings.HasPrefix(keys[0], "/profiles/"+cfg.DocID+"/") {
		t.Errorf("key = %q", keys[0])
	}
	store.mu.Lock()
	body := store.objects[keys[0]]
	store.mu.Unlock()
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(string(decoded), `"points":3`) {
		t.Errorf("archived body = %s", decoded)
	}
}
