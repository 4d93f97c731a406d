package index

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Metadata fingerprints a persisted index so staleness is detectable
// without decoding the index itself.
type Metadata struct {
	DocCount       int
	DocFingerprint string
	TokenizerName  string
}

// Stale reports whether a persisted index no longer matches the current
// document set or tokenizer.
func (m Metadata) Stale(docCount int, docFingerprint, tokenizerName string) bool {
	return m.DocCount != docCount ||
		m.DocFingerprint != docFingerprint ||
		m.TokenizerName != tokenizerName
}

// FingerprintDoc is the (id, content_hash) pair fed into Fingerprint.
type FingerprintDoc struct {
	ID          string
	ContentHash string
}

// Fingerprint hashes the id-sorted concatenation of content hashes. It
// changes when documents are added, removed or replaced, and is stable
// under reordering.
func Fingerprint(docs []FingerprintDoc) string {
	sorted := make([]FingerprintDoc, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, doc := range sorted {
		h.Write([]byte(doc.ContentHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Persistence stores one index per session under
// <root>/<session_id>/{index.gob,metadata.gob}. Writes are atomic
// (temp file + rename); a corrupt or partial file is deleted on load and
// treated as absent so the caller rebuilds.
type Persistence struct {
	root string
}

// NewPersistence opens (creating if needed) the index root directory.
func NewPersistence(root string) (*Persistence, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating index root: %w", err)
	}
	return &Persistence{root: root}, nil
}

func (p *Persistence) sessionDir(sessionID string) string {
	return filepath.Join(p.root, sessionID)
}

// Save persists an index and its metadata for a session.
func (p *Persistence) Save(sessionID string, ix *Index, meta Metadata) error {
	dir := p.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}
	snapshot := struct{ Docs []DocEntry }{Docs: ix.Docs}
	if err := writeGob(filepath.Join(dir, "index.gob"), snapshot); err != nil {
		return fmt.Errorf("persisting index for session %s: %w", sessionID, err)
	}
	if err := writeGob(filepath.Join(dir, "metadata.gob"), meta); err != nil {
		return fmt.Errorf("persisting index metadata for session %s: %w", sessionID, err)
	}
	return nil
}

// Load returns a session's persisted index. ok is false when none exists.
// A corrupt or partial file is deleted so the next load starts clean, and
// reported through the error so the caller can log it; the session is then
// treated as having no persisted index. The returned index is built and
// ready to search.
func (p *Persistence) Load(sessionID string) (*Index, Metadata, bool, error) {
	dir := p.sessionDir(sessionID)

	var meta Metadata
	if err := readGob(filepath.Join(dir, "metadata.gob"), &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, false, nil
		}
		p.Invalidate(sessionID)
		return nil, Metadata{}, false, fmt.Errorf("reading index metadata for session %s: %w", sessionID, err)
	}
	var snapshot struct{ Docs []DocEntry }
	if err := readGob(filepath.Join(dir, "index.gob"), &snapshot); err != nil {
		p.Invalidate(sessionID)
		return nil, Metadata{}, false, fmt.Errorf("reading index for session %s: %w", sessionID, err)
	}

	ix := New()
	ix.Docs = snapshot.Docs
	ix.Build()
	return ix, meta, true, nil
}

// Invalidate deletes a session's persisted index, if any.
func (p *Persistence) Invalidate(sessionID string) {
	os.RemoveAll(p.sessionDir(sessionID))
}

func writeGob(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
