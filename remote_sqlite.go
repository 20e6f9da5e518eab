package driftsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteRemoteStoreConfig configures the SQLite-backed remote store.
type SQLiteRemoteStoreConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path" json:"path"`

	// BusyTimeout is the lock-acquisition timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// TxnMaxAttempts bounds transaction retries on version conflict.
	TxnMaxAttempts int `yaml:"txn_max_attempts" json:"txn_max_attempts"`
}

// DefaultSQLiteRemoteStoreConfig returns default configuration.
func DefaultSQLiteRemoteStoreConfig() SQLiteRemoteStoreConfig {
	return SQLiteRemoteStoreConfig{
		Path:           "profiles.db",
		BusyTimeout:    5000,
		MaxConnections: 10,
		TxnMaxAttempts: 8,
	}
}

// SQLiteRemoteStore implements RemoteStore on an embedded SQLite database.
// Documents are stored one row each as a JSON blob with a version counter;
// every write is conditional on the version observed at read time, so
// concurrent transactions serialize through conflict-detected retry.
type SQLiteRemoteStore struct {
	db     *sql.DB
	config SQLiteRemoteStoreConfig
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewSQLiteRemoteStore opens (or creates) a remote store at config.Path.
func NewSQLiteRemoteStore(config SQLiteRemoteStoreConfig) (*SQLiteRemoteStore, error) {
	if config.Path == "" {
		config.Path = "profiles.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.TxnMaxAttempts <= 0 {
		config.TxnMaxAttempts = 8
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", config.Path, config.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteRemoteStore{
		db:     db,
		config: config,
		now:    time.Now,
	}

	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create remote schema: %w", err)
	}

	return store, nil
}

// Get fetches the full document. Returns ErrNotFound for unknown IDs.
func (s *SQLiteRemoteStore) Get(ctx context.Context, docID string) (Document, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	doc, _, ok, err := s.read(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newRemoteError(RemoteErrorTypeNotFound, "document not found", docID, nil)
	}
	return doc, nil
}

func (s *SQLiteRemoteStore) read(ctx context.Context, docID string) (Document, int64, bool, error) {
	var blob []byte
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM documents WHERE id = ?`, docID).Scan(&blob, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, newRemoteError(RemoteErrorTypeTransient, "failed to read document", docID, err)
	}

	var doc Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, 0, false, newRemoteError(RemoteErrorTypeUnknown, "failed to decode document", docID, err)
	}
	return doc, version, true, nil
}

// write commits doc conditionally on the version observed at read time.
// Returns false when another writer got there first.
func (s *SQLiteRemoteStore) write(ctx context.Context, docID string, doc Document, readVersion int64, existed bool) (bool, error) {
	blob, err := json.Marshal(doc)
	if err != nil {
		return false, newRemoteError(RemoteErrorTypeUnknown, "failed to encode document", docID, err)
	}
	now := s.now().UnixMilli()

	if !existed {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (id, data, version, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT(id) DO NOTHING`, docID, blob, now)
		if err != nil {
			return false, newRemoteError(RemoteErrorTypeTransient, "failed to insert document", docID, err)
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`, blob, now, docID, readVersion)
	if err != nil {
		return false, newRemoteError(RemoteErrorTypeTransient, "failed to update document", docID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RunTransaction executes fn inside a serializable read-modify-write
// transaction with automatic retry on version conflict. An error returned by
// fn aborts without retry and is surfaced unchanged; no partial effect
// occurs.
func (s *SQLiteRemoteStore) RunTransaction(ctx context.Context, docID string, fn func(tx *Txn) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	for attempt := 1; attempt <= s.config.TxnMaxAttempts; attempt++ {
		doc, version, existed, err := s.read(ctx, docID)
		if err != nil {
			return err
		}
		if !existed {
			doc = Document{}
		}

		tx := newTxn(doc.Clone())
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes()) == 0 {
			return nil
		}

		committed, err := s.write(ctx, docID, tx.doc, version, existed)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}

		// Lost the race; re-read and re-run fn against the new state.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computeBackoff(attempt, 5*time.Millisecond, 250*time.Millisecond, 2.0)):
		}
	}

	return newRemoteError(RemoteErrorTypeConflict, "transaction retries exhausted", docID, ErrConflict)
}

// ApplyBatch applies one atomic multi-field write, creating the document if
// it does not exist yet.
func (s *SQLiteRemoteStore) ApplyBatch(ctx context.Context, docID string, batch WriteBatch) error {
	if batch.Empty() {
		return nil
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	for attempt := 1; attempt <= s.config.TxnMaxAttempts; attempt++ {
		doc, version, existed, err := s.read(ctx, docID)
		if err != nil {
			return err
		}
		if !existed {
			doc = Document{}
		}

		if err := applyBatchTo(doc, batch, s.now().UnixMilli()); err != nil {
			return err
		}

		committed, err := s.write(ctx, docID, doc, version, existed)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(computeBackoff(attempt, 5*time.Millisecond, 250*time.Millisecond, 2.0)):
		}
	}

	return newRemoteError(RemoteErrorTypeConflict, "batch retries exhausted", docID, ErrConflict)
}

// Close releases the underlying database.
func (s *SQLiteRemoteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
