package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	p, err := NewPersistence(t.TempDir())
	require.NoError(t, err)

	ix := New()
	ix.Add("doc-1", "alpha beta gamma")
	ix.Add("doc-2", "delta epsilon")
	ix.Build()

	meta := Metadata{DocCount: 2, DocFingerprint: "fp", TokenizerName: TokenizerName}
	require.NoError(t, p.Save("session-1", ix, meta))

	loaded, gotMeta, ok, err := p.Load("session-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, gotMeta)
	assert.True(t, loaded.Built())

	results := loaded.Search("alpha", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-1", results[0].DocID)
}

func TestLoadMissing(t *testing.T) {
	p, err := NewPersistence(t.TempDir())
	require.NoError(t, err)

	_, _, ok, err := p.Load("never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadCorruptedInvalidates(t *testing.T) {
	root := t.TempDir()
	p, err := NewPersistence(root)
	require.NoError(t, err)

	ix := New()
	ix.Add("doc-1", "content")
	ix.Build()
	require.NoError(t, p.Save("session-1", ix, Metadata{DocCount: 1, TokenizerName: TokenizerName}))

	// Truncate the index file to simulate a torn write.
	require.NoError(t, os.WriteFile(filepath.Join(root, "session-1", "index.gob"), []byte("garbage"), 0o644))

	_, _, ok, err := p.Load("session-1")
	require.Error(t, err)
	assert.False(t, ok)

	// The session dir is gone, so the next load starts clean.
	_, err = os.Stat(filepath.Join(root, "session-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidate(t *testing.T) {
	root := t.TempDir()
	p, err := NewPersistence(root)
	require.NoError(t, err)

	ix := New()
	ix.Build()
	require.NoError(t, p.Save("session-1", ix, Metadata{TokenizerName: TokenizerName}))
	p.Invalidate("session-1")

	_, _, ok, err := p.Load("session-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFingerprintStableUnderReordering(t *testing.T) {
	a := []FingerprintDoc{{ID: "1", ContentHash: "aaa"}, {ID: "2", ContentHash: "bbb"}}
	b := []FingerprintDoc{{ID: "2", ContentHash: "bbb"}, {ID: "1", ContentHash: "aaa"}}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := []FingerprintDoc{{ID: "1", ContentHash: "aaa"}}
	b := []FingerprintDoc{{ID: "1", ContentHash: "bbb"}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestMetadataStale(t *testing.T) {
	meta := Metadata{DocCount: 2, DocFingerprint: "fp", TokenizerName: TokenizerName}
	assert.False(t, meta.Stale(2, "fp", TokenizerName))
	assert.True(t, meta.Stale(3, "fp", TokenizerName))
	assert.True(t, meta.Stale(2, "other", TokenizerName))
	assert.True(t, meta.Stale(2, "fp", "simple-v2"))
}
