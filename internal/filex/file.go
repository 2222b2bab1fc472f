// Package filex holds filesystem helpers for local agent state.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureSubdDir creates dirName below the working directory, if needed, and
// returns its absolute path. The queue database lives there by default.
func EnsureSubdDir(dirName string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}

	dir := filepath.Join(cwd, dirName)

	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// DefaultDatabasePath returns data/uploads.db below the working directory,
// creating data/ when missing.
func DefaultDatabasePath() (string, error) {
	dir, err := EnsureSubdDir("data")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "uploads.db"), nil
}
