package sqlite

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// filePath returns the on-disk path of a database DSN, or false for
// in-memory and URI databases.
func filePath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return "", false
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn, true
}

// ensureParentDir creates the directory holding the database, owner-only
// since the settings table stores the secret key.
func ensureParentDir(dsn string) error {
	path, ok := filePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

// restrictPermissions makes the database and its WAL files owner-only.
func restrictPermissions(dsn string) error {
	path, ok := filePath(dsn)
	if !ok || runtime.GOOS == "windows" {
		return nil
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Chmod(p, 0o600); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
