// Package session persists short-term conversation history as JSONL files,
// one file per (channel, chat), capped at MaxEntries turns each.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/valetbot/valet/internal/logging"
)

// MaxEntries caps each session file; the oldest turns are pruned on append.
const MaxEntries = 50

// Turn is one JSONL record: a user or assistant message.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store appends and reads per-chat session files.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the sessions directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Append adds a turn to the chat's session file, rewriting the file when the
// cap is exceeded.
func (s *Store) Append(channel, chatID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.filePath(channel, chatID)
	turns, err := s.readLocked(path)
	if err != nil {
		return err
	}
	turns = append(turns, Turn{Role: role, Content: content, Timestamp: time.Now().UTC()})
	if len(turns) > MaxEntries {
		turns = turns[len(turns)-MaxEntries:]
		return s.rewriteLocked(path, turns)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(turns[len(turns)-1])
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append session turn: %w", err)
	}
	return nil
}

// History returns the chat's turns, oldest first. Missing file means empty.
func (s *Store) History(channel, chatID string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(s.filePath(channel, chatID))
}

// Clear removes the chat's session file. Used by the /reset admin command.
func (s *Store) Clear(channel, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.filePath(channel, chatID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	L_debug("session: cleared", "channel", channel, "chat", chatID)
	return nil
}

func (s *Store) filePath(channel, chatID string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(chatID)
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.jsonl", channel, safe))
}

func (s *Store) readLocked(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			L_warn("session: skipping malformed line", "path", path, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return turns, nil
}

func (s *Store) rewriteLocked(path string, turns []Turn) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, t := range turns {
		line, err := json.Marshal(t)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
