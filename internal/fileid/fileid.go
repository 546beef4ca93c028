// Package fileid derives stable source keys for files that arrive through a watched inbox.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const prefix = "file:"

// Key returns the external key of the file at path: "file:" followed by the hex SHA-256 of
// the cleaned absolute path. Relative paths are resolved against the working directory.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	hash := sha256.Sum256([]byte(filepath.Clean(path)))
	return prefix + hex.EncodeToString(hash[:])
}

// IsKey reports whether key was produced by Key.
func IsKey(key string) bool {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || len(rest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
