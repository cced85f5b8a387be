package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UserWritableFilePerms is the mode for files only the owning user writes.
const UserWritableFilePerms os.FileMode = 0o644

// UserWritableDirPerms is the mode for directories the tool creates.
const UserWritableDirPerms os.FileMode = 0o755

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// HumanReadableSize formats a byte count as a short human-readable string,
// e.g. 1536 -> "1.50KB".
func HumanReadableSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%dB", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%cB", float64(size)/float64(div), "KMGTPE"[exp])
}
