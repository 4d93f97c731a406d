// Package chunker turns document content into [start, end) span offsets.
//
// Offsets count Unicode code points, matching the blob store's slicing.
// Strategies validate at construction, so an invalid descriptor (zero chunk
// size, overlap swallowing the whole chunk, a bad delimiter regex) is
// rejected before any content is touched.
package chunker

import (
	"regexp"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// Range is a half-open chunk boundary in code points.
type Range struct {
	Start int
	End   int
}

// Chunker produces chunk boundaries for content.
type Chunker interface {
	Chunk(content string) []Range
}

// New builds a chunker from a strategy descriptor. MaxChunks applies to
// every strategy and is enforced by the caller via Limit.
func New(strategy models.ChunkStrategy) (Chunker, error) {
	switch strategy.Type {
	case models.StrategyFixed:
		size := strategy.ChunkSize
		if size == 0 {
			size = 50_000
		}
		if size < 0 {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "chunk_size must be positive, got %d", size)
		}
		if strategy.Overlap < 0 {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "overlap must be non-negative, got %d", strategy.Overlap)
		}
		if strategy.Overlap >= size {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "overlap %d must be smaller than chunk_size %d", strategy.Overlap, size)
		}
		return &fixedChunker{size: size, overlap: strategy.Overlap}, nil

	case models.StrategyLines:
		count := strategy.LineCount
		if count == 0 {
			count = 100
		}
		if count < 0 {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "line_count must be positive, got %d", count)
		}
		if strategy.Overlap < 0 {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "overlap must be non-negative, got %d", strategy.Overlap)
		}
		if strategy.Overlap >= count {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "overlap %d must be smaller than line_count %d", strategy.Overlap, count)
		}
		return &linesChunker{count: count, overlap: strategy.Overlap}, nil

	case models.StrategyDelimiter:
		if strategy.Delimiter == "" {
			return nil, rlmerr.New(rlmerr.InvalidStrategy, "delimiter strategy requires a delimiter pattern")
		}
		pattern, err := regexp.Compile(strategy.Delimiter)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.InvalidStrategy, err, "invalid delimiter pattern %q", strategy.Delimiter)
		}
		return &delimiterChunker{pattern: pattern}, nil

	default:
		return nil, rlmerr.New(rlmerr.InvalidStrategy, "unknown strategy type %q", strategy.Type)
	}
}

// Limit truncates ranges to at most max entries; max <= 0 means no limit.
func Limit(ranges []Range, max int) []Range {
	if max > 0 && len(ranges) > max {
		return ranges[:max]
	}
	return ranges
}

// fixedChunker emits fixed-size windows. With overlap o, each window after
// the first starts o code points before the previous window's end.
type fixedChunker struct {
	size    int
	overlap int
}

func (c *fixedChunker) Chunk(content string) []Range {
	n := len([]rune(content))
	var ranges []Range
	start := 0
	for start < n {
		end := start + c.size
		if end > n {
			end = n
		}
		ranges = append(ranges, Range{Start: start, End: end})
		if end >= n {
			break
		}
		start = end - c.overlap
	}
	return ranges
}

// linesChunker groups lines. Each chunk covers whole lines including their
// trailing newline, so chunk boundaries land exactly on line starts.
type linesChunker struct {
	count   int
	overlap int
}

func (c *linesChunker) Chunk(content string) []Range {
	runes := []rune(content)
	n := len(runes)

	// lineStarts[i] is the offset of line i; the final entry is n.
	lineStarts := []int{0}
	for i, r := range runes {
		if r == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}
	lines := len(lineStarts)
	lineStarts = append(lineStarts, n)

	var ranges []Range
	i := 0
	for i < lines {
		endIdx := i + c.count
		if endIdx > lines {
			endIdx = lines
		}
		ranges = append(ranges, Range{Start: lineStarts[i], End: lineStarts[endIdx]})
		if endIdx >= lines {
			break
		}
		i = endIdx - c.overlap
	}
	return ranges
}

// delimiterChunker splits at regex match starts. Content with no match is a
// single chunk; text before the first match becomes a leading chunk; every
// other chunk runs from one match start to the next.
type delimiterChunker struct {
	pattern *regexp.Regexp
}

func (c *delimiterChunker) Chunk(content string) []Range {
	runes := []rune(content)
	n := len(runes)

	// Regexp works on byte offsets; translate them to rune offsets.
	byteToRune := make(map[int]int, n+1)
	bytePos := 0
	for i, r := range runes {
		byteToRune[bytePos] = i
		bytePos += len(string(r))
	}
	byteToRune[bytePos] = n

	matches := c.pattern.FindAllStringIndex(content, -1)
	if len(matches) == 0 {
		return []Range{{Start: 0, End: n}}
	}

	var ranges []Range
	first := byteToRune[matches[0][0]]
	if first > 0 {
		ranges = append(ranges, Range{Start: 0, End: first})
	}
	for i, m := range matches {
		start := byteToRune[m[0]]
		end := n
		if i+1 < len(matches) {
			end = byteToRune[matches[i+1][0]]
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}
