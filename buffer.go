package driftsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Op is the kind of a buffered mutation.
type Op int

const (
	// OpSet overwrites the target field.
	OpSet Op = iota
	// OpAdd accumulates onto whatever is remotely stored.
	OpAdd
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	default:
		return "unknown"
	}
}

// MutationRecord is one pending change awaiting flush. The buffer holds at
// most one record per field path: a later set replaces it, a later increment
// accumulates into it.
type MutationRecord struct {
	// FieldPath is the dot-delimited address of the mutated field.
	FieldPath string `json:"field_path"`
	// Value is the new value for OpSet, or the cumulative unflushed delta
	// for OpAdd.
	Value any `json:"value"`
	// Op selects assignment or additive semantics.
	Op Op `json:"op"`
	// StagedAt is the client-local staging time in unix milliseconds. It is
	// only consulted for staleness comparison on fields carrying their own
	// embedded recency marker.
	StagedAt int64 `json:"staged_at"`
}

// BufferStore is the durable local queue of not-yet-committed mutations plus
// the persisted mirror snapshot. Data survives process restarts.
type BufferStore interface {
	// Put upserts the record for its field path.
	Put(rec MutationRecord) error
	// Get returns the record for a field path, if present.
	Get(fieldPath string) (MutationRecord, bool, error)
	// All returns every buffered record.
	All() ([]MutationRecord, error)
	// Delete removes the record for a field path, if present.
	Delete(fieldPath string) error
	// Clear removes every buffered record.
	Clear() error
	// SaveMirror persists the mirror snapshot.
	SaveMirror(doc Document) error
	// LoadMirror returns the persisted mirror snapshot, or nil if none.
	LoadMirror() (Document, error)
	// Close releases underlying resources.
	Close() error
}

// BufferStoreConfig configures the SQLite-backed buffer store.
type BufferStoreConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path" json:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, ...).
	JournalMode string `yaml:"journal_mode" json:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string `yaml:"synchronous" json:"synchronous"`

	// BusyTimeout is the lock-acquisition timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout"`

	// Encryption optionally seals record values and the mirror blob at rest.
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`
}

// DefaultBufferStoreConfig returns default configuration.
func DefaultBufferStoreConfig() BufferStoreConfig {
	return BufferStoreConfig{
		Path:        "driftsync.db",
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// SQLiteBufferStore implements BufferStore on an embedded SQLite database.
type SQLiteBufferStore struct {
	db        *sql.DB
	config    BufferStoreConfig
	encryptor *Encryptor
	mu        sync.RWMutex
	closed    bool

	putStmt    *sql.Stmt
	getStmt    *sql.Stmt
	allStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	clearStmt  *sql.Stmt
	mirrorPut  *sql.Stmt
	mirrorGet  *sql.Stmt
}

// NewSQLiteBufferStore opens (or creates) a buffer store at config.Path.
func NewSQLiteBufferStore(config BufferStoreConfig) (*SQLiteBufferStore, error) {
	if config.Path == "" {
		config.Path = "driftsync.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer store: %w", err)
	}

	// The buffer is owned by a single engine; one connection avoids
	// writer-writer lock churn inside SQLite.
	db.SetMaxOpenConns(1)

	store := &SQLiteBufferStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buffer schema: %w", err)
	}

	encryptor, err := store.initEncryption(config.Encryption)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.encryptor = encryptor

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare buffer statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteBufferStore) initSchema() error {
	schema := `
		-- Pending mutations, at most one row per field path.
		CREATE TABLE IF NOT EXISTS mutations (
			field_path TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			op INTEGER NOT NULL,
			staged_at INTEGER NOT NULL
		);

		-- Mirror snapshot plus small metadata (encryption salt).
		CREATE TABLE IF NOT EXISTS mirror (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// initEncryption builds the encryptor, persisting the key-derivation salt in
// the meta table so a password derives the same key across restarts.
func (s *SQLiteBufferStore) initEncryption(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.KeyPassword != "" && len(cfg.Salt) == 0 {
		var salt []byte
		err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'kdf_salt'`).Scan(&salt)
		if err == nil {
			cfg.Salt = salt
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to load kdf salt: %w", err)
		}
	}

	encryptor, err := NewEncryptor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize buffer encryption: %w", err)
	}

	if len(cfg.Salt) == 0 && len(encryptor.Salt()) > 0 {
		_, err = s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('kdf_salt', ?)`,
			encryptor.Salt())
		if err != nil {
			return nil, fmt.Errorf("failed to persist kdf salt: %w", err)
		}
	}

	return encryptor, nil
}

func (s *SQLiteBufferStore) prepareStatements() error {
	var err error

	s.putStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO mutations (field_path, value, op, staged_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare put statement: %w", err)
	}

	s.getStmt, err = s.db.Prepare(`SELECT value, op, staged_at FROM mutations WHERE field_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.allStmt, err = s.db.Prepare(`SELECT field_path, value, op, staged_at FROM mutations ORDER BY field_path`)
	if err != nil {
		return fmt.Errorf("failed to prepare all statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM mutations WHERE field_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.clearStmt, err = s.db.Prepare(`DELETE FROM mutations`)
	if err != nil {
		return fmt.Errorf("failed to prepare clear statement: %w", err)
	}

	s.mirrorPut, err = s.db.Prepare(`INSERT OR REPLACE INTO mirror (id, data, saved_at) VALUES (1, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare mirror put statement: %w", err)
	}

	s.mirrorGet, err = s.db.Prepare(`SELECT data FROM mirror WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to prepare mirror get statement: %w", err)
	}

	return nil
}

func (s *SQLiteBufferStore) seal(plain []byte) ([]byte, error) {
	if s.encryptor == nil {
		return plain, nil
	}
	return s.encryptor.Encrypt(plain)
}

func (s *SQLiteBufferStore) open(blob []byte) ([]byte, error) {
	if s.encryptor == nil {
		return blob, nil
	}
	return s.encryptor.Decrypt(blob)
}

// Put upserts the record for its field path.
func (s *SQLiteBufferStore) Put(rec MutationRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	encoded, err := json.Marshal(rec.Value)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to encode value", rec.FieldPath, err)
	}
	blob, err := s.seal(encoded)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to seal value", rec.FieldPath, err)
	}

	if _, err := s.putStmt.Exec(rec.FieldPath, blob, int(rec.Op), rec.StagedAt); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to write record", rec.FieldPath, err)
	}
	return nil
}

// Get returns the record for a field path, if present.
func (s *SQLiteBufferStore) Get(fieldPath string) (MutationRecord, bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return MutationRecord{}, false, ErrClosed
	}
	s.mu.RUnlock()

	var blob []byte
	var op int
	var stagedAt int64
	err := s.getStmt.QueryRow(fieldPath).Scan(&blob, &op, &stagedAt)
	if err == sql.ErrNoRows {
		return MutationRecord{}, false, nil
	}
	if err != nil {
		return MutationRecord{}, false, newStoreError(StoreErrorTypeRead, "failed to read record", fieldPath, err)
	}

	rec, err := s.decodeRecord(fieldPath, blob, op, stagedAt)
	if err != nil {
		return MutationRecord{}, false, err
	}
	return rec, true, nil
}

// All returns every buffered record.
func (s *SQLiteBufferStore) All() ([]MutationRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	rows, err := s.allStmt.Query()
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to list records", "", err)
	}
	defer rows.Close()

	var records []MutationRecord
	for rows.Next() {
		var fieldPath string
		var blob []byte
		var op int
		var stagedAt int64
		if err := rows.Scan(&fieldPath, &blob, &op, &stagedAt); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan record", "", err)
		}
		rec, err := s.decodeRecord(fieldPath, blob, op, stagedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteBufferStore) decodeRecord(fieldPath string, blob []byte, op int, stagedAt int64) (MutationRecord, error) {
	plain, err := s.open(blob)
	if err != nil {
		return MutationRecord{}, newStoreError(StoreErrorTypeCorruption, "failed to unseal value", fieldPath, err)
	}
	var value any
	if err := json.Unmarshal(plain, &value); err != nil {
		return MutationRecord{}, newStoreError(StoreErrorTypeCorruption, "failed to decode value", fieldPath, err)
	}
	return MutationRecord{
		FieldPath: fieldPath,
		Value:     value,
		Op:        Op(op),
		StagedAt:  stagedAt,
	}, nil
}

// Delete removes the record for a field path. Deleting an absent path is not
// an error.
func (s *SQLiteBufferStore) Delete(fieldPath string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	if _, err := s.deleteStmt.Exec(fieldPath); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to delete record", fieldPath, err)
	}
	return nil
}

// Clear removes every buffered record.
func (s *SQLiteBufferStore) Clear() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	if _, err := s.clearStmt.Exec(); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to clear buffer", "", err)
	}
	return nil
}

// SaveMirror persists the mirror snapshot as a snappy-compressed JSON blob.
func (s *SQLiteBufferStore) SaveMirror(doc Document) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	encoded, err := json.Marshal(doc)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to encode mirror", "", err)
	}
	blob, err := s.seal(snappy.Encode(nil, encoded))
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to seal mirror", "", err)
	}

	if _, err := s.mirrorPut.Exec(blob, time.Now().UnixMilli()); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to write mirror", "", err)
	}
	return nil
}

// LoadMirror returns the persisted mirror snapshot, or nil if none exists.
func (s *SQLiteBufferStore) LoadMirror() (Document, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var blob []byte
	err := s.mirrorGet.QueryRow().Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to read mirror", "", err)
	}

	sealed, err := s.open(blob)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "failed to unseal mirror", "", err)
	}
	decoded, err := snappy.Decode(nil, sealed)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "failed to decompress mirror", "", err)
	}

	var doc Document
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "failed to decode mirror", "", err)
	}
	return doc, nil
}

// Close releases the underlying database.
func (s *SQLiteBufferStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.putStmt, s.getStmt, s.allStmt, s.deleteStmt, s.clearStmt, s.mirrorPut, s.mirrorGet} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// Vacuum performs database maintenance.
func (s *SQLiteBufferStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}
