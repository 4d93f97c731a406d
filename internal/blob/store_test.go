package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	hash, err := store.Put("hello world")
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	got, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	h1, err := store.Put("same content")
	require.NoError(t, err)
	h2, err := store.Put("same content")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestShardedLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	hash, err := store.Put("layout check")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, hash[:2], hash))
	assert.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)
	assert.Equal(t, rlmerr.ContentMissing, rlmerr.KindOf(err))
}

func TestHashMatchesKnownVector(t *testing.T) {
	// sha256("") is the well-known empty-input digest.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(""))
}

func TestSliceCountsRunes(t *testing.T) {
	s := "héllo wörld"
	assert.Equal(t, "héllo", Slice(s, 0, 5))
	assert.Equal(t, "wörld", Slice(s, 6, 11))
	assert.Equal(t, 11, Length(s))
}

func TestSliceClampsBounds(t *testing.T) {
	assert.Equal(t, "abc", Slice("abc", -5, 100))
	assert.Equal(t, "", Slice("abc", 2, 1))
	assert.Equal(t, "", Slice("abc", 3, 3))
}
