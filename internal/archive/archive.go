// Package archive is the persistent inbound message store backing reply and
// ambient context windows, plus the NewChatNotify first-seen check.
package archive

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/types"
)

// Record is one archived inbound message.
type Record struct {
	Channel           string
	ChatID            string
	MessageID         string
	SenderID          string
	SenderDisplayName string
	Text              string
	ReplyToMessageID  string
	Timestamp         time.Time
	Seq               int64
}

// Store wraps the archive database. Writes are serialized by a mutex; reads
// run concurrently.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (and creates) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS inbound_messages (
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_display_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			reply_to_message_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (channel, chat_id, message_id)
		)
	`); err != nil {
		return fmt.Errorf("create inbound_messages table: %w", err)
	}
	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_inbound_chat_seq
		ON inbound_messages(channel, chat_id, seq)
	`); err != nil {
		return fmt.Errorf("create idx_inbound_chat_seq: %w", err)
	}
	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_inbound_timestamp
		ON inbound_messages(timestamp)
	`); err != nil {
		return fmt.Errorf("create idx_inbound_timestamp: %w", err)
	}
	if _, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS inbound_fts USING fts5(
			text,
			channel UNINDEXED,
			chat_id UNINDEXED,
			message_id UNINDEXED,
			content='inbound_messages',
			content_rowid='rowid'
		)
	`); err != nil {
		return fmt.Errorf("create inbound_fts table: %w", err)
	}
	if _, err := s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS inbound_messages_ai AFTER INSERT ON inbound_messages BEGIN
			INSERT INTO inbound_fts(rowid, text, channel, chat_id, message_id)
			VALUES (NEW.rowid, NEW.text, NEW.channel, NEW.chat_id, NEW.message_id);
		END
	`); err != nil {
		return fmt.Errorf("create insert trigger: %w", err)
	}
	if _, err := s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS inbound_messages_ad AFTER DELETE ON inbound_messages BEGIN
			INSERT INTO inbound_fts(inbound_fts, rowid, text, channel, chat_id, message_id)
			VALUES ('delete', OLD.rowid, OLD.text, OLD.channel, OLD.chat_id, OLD.message_id);
		END
	`); err != nil {
		return fmt.Errorf("create delete trigger: %w", err)
	}
	return nil
}

// Insert archives a message idempotently. The seq column is assigned per
// (channel, chat_id) inside the insert transaction. When the message quotes
// another, the quoted text is seeded as its own record so reply lookups work
// across restarts.
func (s *Store) Insert(msg *types.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	replyTo := ""
	if msg.ReplyTo != nil {
		replyTo = msg.ReplyTo.MessageID
		if msg.ReplyTo.Text != "" {
			if err := insertLocked(tx, msg.Channel, msg.ChatID, msg.ReplyTo.MessageID,
				msg.ReplyTo.Sender, "", msg.ReplyTo.Text, "", msg.Timestamp.Add(-time.Second)); err != nil {
				return err
			}
		}
	}
	if err := insertLocked(tx, msg.Channel, msg.ChatID, msg.ID,
		msg.Sender.ID, msg.Sender.Name(), msg.Text(), replyTo, msg.Timestamp); err != nil {
		return err
	}
	return tx.Commit()
}

func insertLocked(tx *sql.Tx, channel, chatID, messageID, senderID, senderName, text, replyTo string, ts time.Time) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO inbound_messages
			(channel, chat_id, message_id, sender_id, sender_display_name, text, reply_to_message_id, timestamp, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT MAX(seq) FROM inbound_messages WHERE channel=? AND chat_id=?), 0) + 1)
	`, channel, chatID, messageID, senderID, senderName, text, replyTo, ts.UTC().Unix(), channel, chatID)
	if err != nil {
		return fmt.Errorf("insert inbound message: %w", err)
	}
	return nil
}

const recordColumns = `channel, chat_id, message_id, sender_id, sender_display_name, text, reply_to_message_id, timestamp, seq`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var ts int64
	err := row.Scan(&r.Channel, &r.ChatID, &r.MessageID, &r.SenderID, &r.SenderDisplayName,
		&r.Text, &r.ReplyToMessageID, &ts, &r.Seq)
	if err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(ts, 0).UTC()
	return &r, nil
}

// Lookup returns the record for an exact (channel, chat, message) key.
func (s *Store) Lookup(channel, chatID, messageID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM inbound_messages
		WHERE channel=? AND chat_id=? AND message_id=?`, channel, chatID, messageID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return r, nil
}

// LookupAnyChat finds a message id anywhere in the channel, preferring the
// given chat. Used when a reply quotes a message forwarded between chats.
func (s *Store) LookupAnyChat(channel, preferredChatID, messageID string) (*Record, error) {
	if r, err := s.Lookup(channel, preferredChatID, messageID); err != nil || r != nil {
		return r, err
	}
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM inbound_messages
		WHERE channel=? AND message_id=? ORDER BY timestamp DESC LIMIT 1`, channel, messageID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup any chat: %w", err)
	}
	return r, nil
}

// MessagesBefore returns up to limit records preceding the target message in
// its chat (seq < target.seq), oldest first.
func (s *Store) MessagesBefore(channel, chatID, messageID string, limit int) ([]*Record, error) {
	target, err := s.Lookup(channel, chatID, messageID)
	if err != nil || target == nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM inbound_messages
		WHERE channel=? AND chat_id=? AND seq<? ORDER BY seq DESC LIMIT ?`,
		channel, chatID, target.Seq, limit)
	if err != nil {
		return nil, fmt.Errorf("messages before: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into oldest-first order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// WalkReplyChain follows reply_to_message_id backward from the starting
// message, most recent first. Tracks visited ids so self-referential or
// cyclic chains terminate, and caps depth regardless.
func (s *Store) WalkReplyChain(channel, chatID, startingMessageID string, maxDepth int) ([]*Record, error) {
	var out []*Record
	visited := make(map[string]bool)
	current := startingMessageID
	for depth := 0; depth < maxDepth && current != "" && !visited[current]; depth++ {
		visited[current] = true
		r, err := s.LookupAnyChat(channel, chatID, current)
		if err != nil {
			return nil, err
		}
		if r == nil {
			break
		}
		out = append(out, r)
		current = r.ReplyToMessageID
	}
	return out, nil
}

// DistinctChats returns the chat ids seen on a channel since the given time.
func (s *Store) DistinctChats(channel string, since time.Time) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT DISTINCT chat_id FROM inbound_messages
		WHERE channel=? AND timestamp>=?`, channel, since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("distinct chats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, err
		}
		out[chatID] = true
	}
	return out, rows.Err()
}

// KnownChat reports whether the (channel, chat) pair has any archived record
// older than the given message. Used by the new-chat notification.
func (s *Store) KnownChat(channel, chatID, excludeMessageID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_messages
		WHERE channel=? AND chat_id=? AND message_id<>?`, channel, chatID, excludeMessageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("known chat: %w", err)
	}
	return n > 0, nil
}

// PurgeOlderThan deletes records past the retention window and returns the
// number removed.
func (s *Store) PurgeOlderThan(retention time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().Add(-retention).UTC().Unix()
	res, err := s.db.Exec(`DELETE FROM inbound_messages WHERE timestamp<?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_info("archive: retention sweep", "purged", n)
	}
	return n, nil
}
