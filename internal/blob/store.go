// Package blob implements the content-addressed blob store.
//
// Content is keyed by the lowercase hex SHA-256 of its UTF-8 bytes and laid
// out two levels deep: <root>/<hash[:2]>/<hash>. Writes are idempotent; a put
// of existing content is a no-op that returns the same hash.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
)

// Store is a filesystem-backed content-addressed store.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a blob store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Hash returns the lowercase hex SHA-256 of content's UTF-8 bytes.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put stores content and returns its hash. Existing content is left
// untouched. The write goes through a temp file and rename so a crash never
// leaves a truncated blob under its final name.
func (s *Store) Put(content string) (string, error) {
	hash := Hash(content)
	dst := s.path(hash)
	if _, err := os.Stat(dst); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating blob temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing blob temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("installing blob: %w", err)
	}
	return hash, nil
}

// Get returns the content stored under hash. A missing blob is a
// content_missing error: the metadata row referencing it exists but the
// bytes are gone.
func (s *Store) Get(hash string) (string, error) {
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return "", rlmerr.New(rlmerr.ContentMissing, "blob %s not found", hash)
		}
		return "", fmt.Errorf("reading blob %s: %w", hash, err)
	}
	return string(data), nil
}

// Exists reports whether a blob is present.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Slice returns content[start:end] counted in Unicode code points, clamping
// both bounds into range. Byte-oriented slicing would split multi-byte
// runes, so all range reads go through here.
func Slice(content string, start, end int) string {
	runes := []rune(content)
	n := len(runes)
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// Length returns the length of content in Unicode code points.
func Length(content string) int {
	return len([]rune(content))
}
