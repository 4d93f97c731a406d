package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

func TestFixedExactDivision(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 5})
	require.NoError(t, err)

	ranges := c.Chunk("aaaaabbbbb")
	assert.Equal(t, []Range{{0, 5}, {5, 10}}, ranges)
}

func TestFixedShortTail(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 4})
	require.NoError(t, err)

	ranges := c.Chunk("abcdefghij")
	assert.Equal(t, []Range{{0, 4}, {4, 8}, {8, 10}}, ranges)
}

func TestFixedOverlap(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 5, Overlap: 2})
	require.NoError(t, err)

	ranges := c.Chunk("abcdefghij")
	assert.Equal(t, []Range{{0, 5}, {3, 8}, {6, 10}}, ranges)
}

func TestFixedOverlapTooLarge(t *testing.T) {
	_, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 5, Overlap: 5})
	require.Error(t, err)
	assert.Equal(t, rlmerr.InvalidStrategy, rlmerr.KindOf(err))
}

func TestFixedEmptyContent(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 5})
	require.NoError(t, err)
	assert.Empty(t, c.Chunk(""))
}

func TestFixedCountsRunes(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 3})
	require.NoError(t, err)

	ranges := c.Chunk("日本語のテキスト")
	assert.Equal(t, []Range{{0, 3}, {3, 6}, {6, 8}}, ranges)
}

func TestLinesBasic(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyLines, LineCount: 2})
	require.NoError(t, err)

	// Offsets: a=0, b=2, c=4, d=6; total length 8 with trailing newline.
	ranges := c.Chunk("a\nb\nc\nd\n")
	// Trailing newline yields a final empty line, chunked on its own.
	assert.Equal(t, []Range{{0, 4}, {4, 8}, {8, 8}}, ranges)
}

func TestLinesNoTrailingNewline(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyLines, LineCount: 2})
	require.NoError(t, err)

	ranges := c.Chunk("a\nb\nc")
	assert.Equal(t, []Range{{0, 4}, {4, 5}}, ranges)
}

func TestLinesChunksIncludeNewline(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyLines, LineCount: 1})
	require.NoError(t, err)

	content := "first\nsecond\n"
	ranges := c.Chunk(content)
	runes := []rune(content)
	assert.Equal(t, "first\n", string(runes[ranges[0].Start:ranges[0].End]))
	assert.Equal(t, "second\n", string(runes[ranges[1].Start:ranges[1].End]))
}

func TestLinesOverlap(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyLines, LineCount: 2, Overlap: 1})
	require.NoError(t, err)

	ranges := c.Chunk("a\nb\nc\nd")
	// Lines: a(0) b(2) c(4) d(6); windows [a,b] [b,c] [c,d].
	assert.Equal(t, []Range{{0, 4}, {2, 6}, {4, 7}}, ranges)
}

func TestDelimiterNoMatch(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyDelimiter, Delimiter: `^## `})
	require.NoError(t, err)

	ranges := c.Chunk("no headings here")
	assert.Equal(t, []Range{{0, 16}}, ranges)
}

func TestDelimiterSplitsAtMatchStarts(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyDelimiter, Delimiter: `## `})
	require.NoError(t, err)

	content := "intro\n## one\nbody\n## two\ntail"
	ranges := c.Chunk(content)
	runes := []rune(content)
	require.Len(t, ranges, 3)
	assert.Equal(t, "intro\n", string(runes[ranges[0].Start:ranges[0].End]))
	assert.Equal(t, "## one\nbody\n", string(runes[ranges[1].Start:ranges[1].End]))
	assert.Equal(t, "## two\ntail", string(runes[ranges[2].Start:ranges[2].End]))
}

func TestDelimiterMatchAtStart(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyDelimiter, Delimiter: `## `})
	require.NoError(t, err)

	ranges := c.Chunk("## only\nbody")
	require.Len(t, ranges, 1)
	assert.Equal(t, Range{0, 12}, ranges[0])
}

func TestDelimiterRequiresPattern(t *testing.T) {
	_, err := New(models.ChunkStrategy{Type: models.StrategyDelimiter})
	assert.Equal(t, rlmerr.InvalidStrategy, rlmerr.KindOf(err))
}

func TestDelimiterRejectsBadRegex(t *testing.T) {
	_, err := New(models.ChunkStrategy{Type: models.StrategyDelimiter, Delimiter: `([`})
	assert.Equal(t, rlmerr.InvalidStrategy, rlmerr.KindOf(err))
}

func TestDelimiterMultibyteOffsets(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyDelimiter, Delimiter: `\|`})
	require.NoError(t, err)

	content := "héé|wöö"
	ranges := c.Chunk(content)
	runes := []rune(content)
	require.Len(t, ranges, 2)
	assert.Equal(t, "héé", string(runes[ranges[0].Start:ranges[0].End]))
	assert.Equal(t, "|wöö", string(runes[ranges[1].Start:ranges[1].End]))
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New(models.ChunkStrategy{Type: "semantic"})
	assert.Equal(t, rlmerr.InvalidStrategy, rlmerr.KindOf(err))
}

func TestLimit(t *testing.T) {
	c, err := New(models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 1})
	require.NoError(t, err)

	ranges := Limit(c.Chunk(strings.Repeat("x", 10)), 3)
	assert.Len(t, ranges, 3)

	assert.Len(t, Limit(c.Chunk("xxx"), 0), 3)
}
