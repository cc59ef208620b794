// Package media persists inbound media under dated directories and validates
// outbound media paths against the configured outgoing roots.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	. "github.com/valetbot/valet/internal/logging"
)

// retry schedule for transient write failures
var writeBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// IncomingStore writes received media below <root>/<channel>/YYYY/MM/DD/.
// Directories are 0700, files 0600.
type IncomingStore struct {
	root string
}

func NewIncomingStore(root string) *IncomingStore { return &IncomingStore{root: root} }

// Save persists one media payload and returns its path. The extension comes
// from the declared mime type, falling back to content sniffing.
func (s *IncomingStore) Save(channel, messageID string, data []byte, declaredMime string, ts time.Time) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}
	ext := ExtensionFor(declaredMime, data)

	day := ts.UTC()
	dir := filepath.Join(s.root, channel,
		fmt.Sprintf("%04d", day.Year()), fmt.Sprintf("%02d", day.Month()), fmt.Sprintf("%02d", day.Day()))
	if err := mkdirAllPrivate(dir); err != nil {
		return "", err
	}

	path := filepath.Join(dir, sanitizeID(messageID)+ext)
	var err error
	for attempt := 0; ; attempt++ {
		err = os.WriteFile(path, data, 0600)
		if err == nil {
			return path, nil
		}
		if attempt >= len(writeBackoff) {
			break
		}
		L_debug("media: write retry", "path", path, "attempt", attempt+1, "error", err)
		time.Sleep(writeBackoff[attempt])
	}
	return "", fmt.Errorf("write media %s: %w", path, err)
}

// PurgeOlderThan removes persisted media past the retention window and
// returns the number of files removed. Empty dated directories are pruned.
func (s *IncomingStore) PurgeOlderThan(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	removed := 0
	filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		L_info("media: retention sweep", "removed", removed)
	}
	return removed
}

func mkdirAllPrivate(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	return nil
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

// ExtensionFor picks a file extension from the declared mime type, sniffing
// the payload when the declaration is missing or unknown.
func ExtensionFor(declaredMime string, data []byte) string {
	if declaredMime != "" {
		base := declaredMime
		if idx := strings.Index(base, ";"); idx >= 0 {
			base = strings.TrimSpace(base[:idx])
		}
		if mt := mimetype.Lookup(base); mt != nil && mt.Extension() != "" {
			return mt.Extension()
		}
	}
	if len(data) > 0 {
		if mt := mimetype.Detect(data); mt != nil && mt.Extension() != "" {
			return mt.Extension()
		}
	}
	return ".bin"
}

// DetectMime sniffs the payload's mime type.
func DetectMime(data []byte) string {
	return mimetype.Detect(data).String()
}

// ResolveOutgoing validates a requested media path against the outgoing root:
// the path must resolve, symlinks followed, to a file under root. Returns the
// resolved path.
func ResolveOutgoing(root, requested string) (string, error) {
	if requested == "" {
		return "", fmt.Errorf("empty media path")
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve outgoing root: %w", err)
	}

	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(resolvedRoot, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve media path: %w", err)
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("media path escapes outgoing root")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat media path: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("media path is a directory")
	}
	return resolved, nil
}
