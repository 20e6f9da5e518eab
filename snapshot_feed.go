package driftsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SnapshotFeedConfig configures the live subscription to authoritative
// snapshot pushes.
type SnapshotFeedConfig struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/v1/feed".
	URL string `yaml:"url" json:"url"`

	// DocID filters pushed snapshots to one document.
	DocID string `yaml:"doc_id" json:"doc_id"`

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token" json:"-"`

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// ReconnectMin is the initial reconnect backoff. Default: 1s.
	ReconnectMin time.Duration `yaml:"reconnect_min" json:"reconnect_min"`

	// ReconnectMax caps the reconnect backoff. Default: 60s.
	ReconnectMax time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
}

// DefaultSnapshotFeedConfig returns default configuration.
func DefaultSnapshotFeedConfig(url, docID string) SnapshotFeedConfig {
	return SnapshotFeedConfig{
		URL:              url,
		DocID:            docID,
		HandshakeTimeout: 10 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     60 * time.Second,
	}
}

// snapshotMessage is the wire shape of one pushed snapshot.
type snapshotMessage struct {
	Type     string   `json:"type"`
	DocID    string   `json:"doc_id"`
	Document Document `json:"document"`
}

// SnapshotFeed maintains a websocket subscription that delivers pushed
// authoritative snapshots to a handler, reconnecting with backoff. Bound to
// an engine it drives both reconciliation and the online/offline state.
type SnapshotFeed struct {
	config       SnapshotFeedConfig
	onSnapshot   func(Document)
	onConnect    func()
	onDisconnect func()

	mu      sync.Mutex
	running bool
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshotFeed creates a feed delivering snapshots to onSnapshot.
func NewSnapshotFeed(config SnapshotFeedConfig, onSnapshot func(Document)) *SnapshotFeed {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SnapshotFeed{
		config:     config,
		onSnapshot: onSnapshot,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewEngineSnapshotFeed creates a feed bound to an engine: pushed snapshots
// run through reconciliation, and connectivity transitions flip the engine's
// online state (a restored connection also triggers a flush).
func NewEngineSnapshotFeed(config SnapshotFeedConfig, e *Engine) *SnapshotFeed {
	if config.DocID == "" {
		config.DocID = e.cfg.DocID
	}
	feed := NewSnapshotFeed(config, func(doc Document) {
		e.GetMergedSnapshot(doc)
	})
	feed.onConnect = func() { e.SetOnline(true) }
	feed.onDisconnect = func() { e.SetOnline(false) }
	return feed
}

// Start begins the subscription loop.
func (f *SnapshotFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run()
}

// Stop closes the subscription and waits for the loop to exit.
func (f *SnapshotFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	conn := f.conn
	f.mu.Unlock()

	f.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
}

func (f *SnapshotFeed) run() {
	defer f.wg.Done()

	attempt := 0
	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, err := f.dial()
		if err != nil {
			attempt++
			backoff := computeBackoff(attempt, f.config.ReconnectMin, f.config.ReconnectMax, 2.0)
			slog.Warn("snapshot feed dial failed", "url", f.config.URL, "err", err, "backoff", backoff)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		attempt = 0
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		if f.onConnect != nil {
			f.onConnect()
		}

		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		if f.onDisconnect != nil {
			f.onDisconnect()
		}
	}
}

func (f *SnapshotFeed) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.config.HandshakeTimeout}
	header := http.Header{}
	if f.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+f.config.AuthToken)
	}
	conn, resp, err := dialer.DialContext(f.ctx, f.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (f *SnapshotFeed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				slog.Warn("snapshot feed read failed", "url", f.config.URL, "err", err)
			}
			return
		}

		var msg snapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("snapshot feed decode failed", "err", err)
			continue
		}
		if msg.Type != "snapshot" {
			continue
		}
		if f.config.DocID != "" && msg.DocID != f.config.DocID {
			continue
		}
		if f.onSnapshot != nil {
			f.onSnapshot(msg.Document)
		}
	}
}
