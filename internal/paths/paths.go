// Package paths provides centralized path resolution for Valet.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the Valet base directory (~/.valet), or the value of
// VALET_HOME when set.
func BaseDir() (string, error) {
	if override := os.Getenv("VALET_HOME"); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".valet"), nil
}

// DataPath returns a path within the Valet data directory (~/.valet/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config.json path.
// Priority: ./config.json (current dir) > ~/.valet/config.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	localPath := "config.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath("config.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// PolicyPath returns the policy.json path (~/.valet/policy.json).
func PolicyPath() (string, error) {
	return DataPath("policy.json")
}

// SessionsDir returns the session history directory (~/.valet/sessions).
func SessionsDir() (string, error) {
	return DataPath("sessions")
}

// ArchivePath returns the inbound archive database path.
func ArchivePath() (string, error) {
	return DataPath(filepath.Join("inbound", "reply_context.db"))
}

// MemoryPath returns the long-term memory database path.
func MemoryPath() (string, error) {
	return DataPath(filepath.Join("memory", "memory.db"))
}

// MediaIncomingDir returns the persisted inbound media root, honoring
// MEDIA_INCOMING_DIR when set.
func MediaIncomingDir() (string, error) {
	if override := os.Getenv("MEDIA_INCOMING_DIR"); override != "" {
		return filepath.Abs(override)
	}
	return DataPath(filepath.Join("media", "incoming"))
}

// MediaOutgoingDir returns the allowed outgoing media root, honoring
// MEDIA_OUTGOING_DIR when set.
func MediaOutgoingDir() (string, error) {
	if override := os.Getenv("MEDIA_OUTGOING_DIR"); override != "" {
		return filepath.Abs(override)
	}
	return DataPath(filepath.Join("media", "outgoing"))
}

// WhatsAppAuthDir returns the bridge credential directory, honoring AUTH_DIR.
func WhatsAppAuthDir() (string, error) {
	if override := os.Getenv("AUTH_DIR"); override != "" {
		return filepath.Abs(override)
	}
	return DataPath("whatsapp-auth")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsurePrivateDir creates a directory with 0700 permissions and tightens
// an existing one. Used for media and credential stores.
func EnsurePrivateDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		return fmt.Errorf("failed to chmod directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
