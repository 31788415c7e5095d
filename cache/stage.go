// Package cache implements the on-disk persistence format shared by the
// recon package's two analysis stages (spec.md §4.K): plain text, named
// after the device basename, terminated by a literal "# END\n" line that
// doubles as the validity check — a cache missing that exact tail is
// treated as absent and regenerated rather than partially trusted.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// EndMarker is the literal trailer that makes a cache file valid. Anything
// else in the last 6 bytes means a previous run was interrupted mid-write
// or a human editing the file by hand left it unterminated.
const EndMarker = "# END\n"

// PathFor builds the cache file name for a given device and stage suffix,
// e.g. PathFor("/dev/sdb1", "ext3grep.stage1") -> "sdb1.ext3grep.stage1".
func PathFor(device, suffix string) string {
	return filepath.Base(device) + "." + suffix
}

// Valid reports whether data ends on the exact EndMarker bytes.
func Valid(data []byte) bool {
	if len(data) < len(EndMarker) {
		return false
	}
	return string(data[len(data)-len(EndMarker):]) == EndMarker
}

// Read loads path and returns its contents (including the trailing
// EndMarker) only if the file exists and is Valid. Any other condition —
// missing file, short read, truncated trailer — is reported as ok=false so
// the caller regenerates the stage from scratch, matching spec.md §4.K's
// "otherwise it is re-generated" rule.
func Read(path string) (data []byte, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !Valid(data) {
		return nil, false
	}
	return data, true
}

// Write persists body (the stage's comment lines and records, without the
// trailer) to path, appending EndMarker and writing via a temp file plus
// rename so a crash mid-write cannot leave a file that passes Valid
// without actually containing the new data.
func Write(path string, body []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: creating %q: %w", tmp, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cache: writing %q: %w", tmp, err)
	}
	if _, err := f.WriteString(EndMarker); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cache: writing %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: closing %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: renaming %q to %q: %w", tmp, path, err)
	}
	return nil
}
