// Package masterfile implements the Master File: a single-line
// on-disk record of the last promoted master address, consulted at
// startup (spec §4.7).
package masterfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Read returns the host:port recorded in path, or "" if the file is
// absent or empty (spec §4.5.1 startup).
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading master file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write atomically replaces the contents of path with addr, using a
// write-temp-then-rename sequence so a concurrent reader never
// observes a partial file.
func Write(path, addr string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".master-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp master file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(addr + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp master file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp master file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming master file into place: %w", err)
	}

	return nil
}
