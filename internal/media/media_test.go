package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveWritesDatedPrivateFile(t *testing.T) {
	store := NewIncomingStore(t.TempDir())

	ts := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	path, err := store.Save("whatsapp", "MSG-1", []byte("%PDF-1.4 fake"), "application/pdf", ts)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(path, filepath.Join("whatsapp", "2026", "03", "07")) {
		t.Errorf("missing dated directory in %q", path)
	}
	if !strings.HasSuffix(path, "MSG-1.pdf") {
		t.Errorf("unexpected filename in %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0700 {
		t.Errorf("dir mode = %o, want 0700", perm)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		declared string
		data     []byte
		want     string
	}{
		{"image/png", nil, ".png"},
		{"audio/ogg; codecs=opus", nil, ".ogg"},
		{"", []byte("%PDF-1.4 content"), ".pdf"},
		{"", nil, ".bin"},
	}
	for _, tt := range tests {
		if got := ExtensionFor(tt.declared, tt.data); got != tt.want {
			t.Errorf("ExtensionFor(%q, %d bytes) = %q, want %q", tt.declared, len(tt.data), got, tt.want)
		}
	}
}

func TestResolveOutgoingContainment(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	inside := filepath.Join(root, "note.ogg")
	if err := os.WriteFile(inside, []byte("audio"), 0600); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "sneaky.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := ResolveOutgoing(root, "note.ogg"); err != nil {
		t.Errorf("relative path inside root rejected: %v", err)
	}
	if _, err := ResolveOutgoing(root, inside); err != nil {
		t.Errorf("absolute path inside root rejected: %v", err)
	}
	if _, err := ResolveOutgoing(root, "../escape.txt"); err == nil {
		t.Error("dot-dot escape accepted")
	}
	if _, err := ResolveOutgoing(root, secret); err == nil {
		t.Error("absolute path outside root accepted")
	}
	if _, err := ResolveOutgoing(root, "sneaky.txt"); err == nil {
		t.Error("symlink escaping root accepted")
	}
	if _, err := ResolveOutgoing(root, "missing.ogg"); err == nil {
		t.Error("missing file accepted")
	}
}

func TestPurgeOlderThan(t *testing.T) {
	root := t.TempDir()
	store := NewIncomingStore(root)

	old, err := store.Save("telegram", "old", []byte("x"), "image/png", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	recent, err := store.Save("telegram", "recent", []byte("y"), "image/png", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	if removed := store.PurgeOlderThan(24 * time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale file survived purge")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent file removed by purge")
	}
}
