// Package index implements the per-session Okapi BM25 search index.
//
// Indexes are lazy: docs.load stores documents without touching the index,
// the first bm25 query builds it, later queries reuse the cached copy, and
// session close persists it to disk for reload on a later process.
package index

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// TokenizerName identifies the tokenizer algorithm. Bump it when the
// tokenization changes so persisted indexes built with the old algorithm
// are treated as stale.
const TokenizerName = "simple-v1"

// BM25 parameters, matching the usual Okapi defaults.
const (
	k1      = 1.5
	b       = 0.75
	epsilon = 0.25
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize lowercases text, extracts alphanumeric runs, then splits each
// run on underscores so snake_case identifiers match their parts.
func Tokenize(text string) []string {
	runs := wordPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(runs))
	for _, run := range runs {
		for _, part := range strings.Split(run, "_") {
			if part != "" {
				tokens = append(tokens, part)
			}
		}
	}
	return tokens
}

// DocEntry pairs an indexed document with its content.
type DocEntry struct {
	DocID   string
	Content string
}

// ScoredDocument is one ranked search result. Scores are raw BM25 values
// and may be negative; callers must not filter on sign.
type ScoredDocument struct {
	DocID   string
	Score   float64
	Content string
}

// Index is a BM25 index over a fixed document set. Add documents, call
// Build once, then Search. An Index is not safe for concurrent mutation;
// the engine serializes access per session.
type Index struct {
	Docs []DocEntry

	built     bool
	docFreqs  []map[string]int // term frequency per document
	docLens   []int
	avgDocLen float64
	idf       map[string]float64
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Add appends a document. Call before Build.
func (ix *Index) Add(docID, content string) {
	ix.Docs = append(ix.Docs, DocEntry{DocID: docID, Content: content})
	ix.built = false
}

// Built reports whether term statistics are current.
func (ix *Index) Built() bool { return ix.built }

// Build computes term statistics for the added documents. Building an
// empty index succeeds and yields no results.
func (ix *Index) Build() {
	n := len(ix.Docs)
	ix.docFreqs = make([]map[string]int, n)
	ix.docLens = make([]int, n)

	totalLen := 0
	termDocCount := make(map[string]int)
	for i, doc := range ix.Docs {
		tokens := Tokenize(doc.Content)
		freqs := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freqs[tok]++
		}
		ix.docFreqs[i] = freqs
		ix.docLens[i] = len(tokens)
		totalLen += len(tokens)
		for term := range freqs {
			termDocCount[term]++
		}
	}
	if n > 0 {
		ix.avgDocLen = float64(totalLen) / float64(n)
	}

	// Okapi IDF with the standard negative-IDF floor: rare-term IDFs are
	// kept, terms in most documents get epsilon * average IDF instead of
	// going negative.
	ix.idf = make(map[string]float64, len(termDocCount))
	var idfSum float64
	var negative []string
	for term, df := range termDocCount {
		idf := math.Log(float64(n)-float64(df)+0.5) - math.Log(float64(df)+0.5)
		ix.idf[term] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, term)
		}
	}
	if len(termDocCount) > 0 {
		eps := epsilon * idfSum / float64(len(termDocCount))
		for _, term := range negative {
			ix.idf[term] = eps
		}
	}
	ix.built = true
}

// Search scores every indexed document against the query and returns the
// top limit results by descending score.
func (ix *Index) Search(query string, limit int) []ScoredDocument {
	if !ix.built || len(ix.Docs) == 0 {
		return nil
	}
	queryTokens := Tokenize(query)

	results := make([]ScoredDocument, len(ix.Docs))
	for i, doc := range ix.Docs {
		var score float64
		norm := k1 * (1 - b + b*float64(ix.docLens[i])/ix.avgDocLen)
		for _, term := range queryTokens {
			freq := float64(ix.docFreqs[i][term])
			if freq == 0 {
				continue
			}
			score += ix.idf[term] * freq * (k1 + 1) / (freq + norm)
		}
		results[i] = ScoredDocument{DocID: doc.DocID, Score: score, Content: doc.Content}
	}

	sort.SliceStable(results, func(a, c int) bool {
		return results[a].Score > results[c].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Content returns the cached content for a document id, if indexed.
func (ix *Index) Content(docID string) (string, bool) {
	for _, doc := range ix.Docs {
		if doc.DocID == docID {
			return doc.Content, true
		}
	}
	return "", false
}
