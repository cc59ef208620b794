// Package memory implements the long-term memory store: captured entries
// with full-text and vector indexes, hybrid recall, and the idea backlog.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/paths"
)

// Scopes and kinds of a memory entry.
const (
	ScopeGlobal = "global"
	ScopeUser   = "user"
	ScopeChat   = "chat"
)

const (
	KindEpisodic   = "episodic"
	KindSemantic   = "semantic"
	KindProcedural = "procedural"
	KindPreference = "preference"
	KindDecision   = "decision"
	KindEmotional  = "emotional"
	KindReflective = "reflective"
)

// ScopeForKind maps an entry kind to its default scope.
func ScopeForKind(kind string) string {
	switch kind {
	case KindSemantic, KindProcedural:
		return ScopeUser
	case KindReflective:
		return ScopeGlobal
	default:
		return ScopeChat
	}
}

// Entry is one long-term memory record.
type Entry struct {
	ID              string
	Scope           string
	ScopeKey        string
	Kind            string
	Text            string
	CreatedAt       time.Time
	Salience        float64
	Embedding       []float32
	SourceChannel   string
	SourceChat      string
	SourceMessageID string
}

// IdeaItem is one captured idea/backlog entry.
type IdeaItem struct {
	ID        string
	Chat      string
	Text      string
	Kind      string
	CreatedAt time.Time
}

// Store is the sqlite-backed memory store. Writes are serialized per
// process; reads run concurrently.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (or creates) the memory database at path.
func Open(path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	L_debug("memory: store ready", "path", path)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			salience REAL NOT NULL,
			embedding BLOB,
			embedding_model TEXT,
			source_channel TEXT NOT NULL DEFAULT '',
			source_chat TEXT NOT NULL DEFAULT '',
			source_message_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_scope ON memory_entries(scope, scope_key)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_created ON memory_entries(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			text,
			id UNINDEXED,
			content='memory_entries',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_fts(rowid, text, id) VALUES (NEW.rowid, NEW.text, NEW.id);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, text, id) VALUES ('delete', OLD.rowid, OLD.text, OLD.id);
		END`,
		`CREATE TABLE IF NOT EXISTS memory_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idea_backlog_items (
			id TEXT PRIMARY KEY,
			chat TEXT NOT NULL,
			text TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ideas_chat ON idea_backlog_items(chat, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory schema: %w", err)
		}
	}
	return nil
}

// InsertEntry persists one memory entry. The embedding may be nil; it is
// backfilled later by the embedding worker.
func (s *Store) InsertEntry(e *Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var blob []byte
	if len(e.Embedding) > 0 {
		var err error
		blob, err = json.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO memory_entries
			(id, scope, scope_key, kind, text, created_at, salience, embedding,
			 source_channel, source_chat, source_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Scope, e.ScopeKey, e.Kind, e.Text, e.CreatedAt.UnixMilli(), e.Salience, blob,
		e.SourceChannel, e.SourceChat, e.SourceMessageID)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// SetEmbedding stores a computed embedding for an entry.
func (s *Store) SetEmbedding(id, model string, embedding []float32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	blob, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = s.db.Exec(`UPDATE memory_entries SET embedding = ?, embedding_model = ? WHERE id = ?`,
		blob, model, id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// EntriesMissingEmbedding returns up to limit entries with no embedding yet.
func (s *Store) EntriesMissingEmbedding(limit int) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, scope, scope_key, kind, text, created_at, salience
		FROM memory_entries
		WHERE embedding IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.Scope, &e.ScopeKey, &e.Kind, &e.Text, &createdMs, &e.Salience); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Get returns one entry by id, or nil when absent.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT id, scope, scope_key, kind, text, created_at, salience, embedding,
		       source_channel, source_chat, source_message_id
		FROM memory_entries WHERE id = ?`, id)
	return scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var createdMs int64
	var blob []byte
	err := row.Scan(&e.ID, &e.Scope, &e.ScopeKey, &e.Kind, &e.Text, &createdMs, &e.Salience, &blob,
		&e.SourceChannel, &e.SourceChat, &e.SourceMessageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdMs)
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &e.Embedding); err != nil {
			L_warn("memory: undecodable embedding", "id", e.ID, "error", err)
		}
	}
	return &e, nil
}

// PurgeOlderThan removes entries older than the cutoff. Returns the number
// of rows removed.
func (s *Store) PurgeOlderThan(age time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM memory_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge memory entries: %w", err)
	}
	return res.RowsAffected()
}

// InsertIdea stores one idea/backlog item.
func (s *Store) InsertIdea(item *IdeaItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO idea_backlog_items (id, chat, text, kind, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Chat, item.Text, item.Kind, item.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert idea: %w", err)
	}
	return nil
}

// ListIdeas returns the most recent idea items for a chat, newest first.
func (s *Store) ListIdeas(chat string, limit int) ([]*IdeaItem, error) {
	rows, err := s.db.Query(`
		SELECT id, chat, text, kind, created_at
		FROM idea_backlog_items
		WHERE chat = ?
		ORDER BY created_at DESC
		LIMIT ?`, chat, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IdeaItem
	for rows.Next() {
		var it IdeaItem
		var createdMs int64
		if err := rows.Scan(&it.ID, &it.Chat, &it.Text, &it.Kind, &createdMs); err != nil {
			return nil, err
		}
		it.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, &it)
	}
	return out, rows.Err()
}

// SetKV stores one key-value scratch entry.
func (s *Store) SetKV(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO memory_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetKV returns a scratch value, "" when absent.
func (s *Store) GetKV(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM memory_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
