package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/index"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

const (
	defaultSearchLimit  = 10
	defaultContextChars = 200
)

// SearchQueryRequest runs a search over the session's documents.
type SearchQueryRequest struct {
	SessionID    string   `json:"session_id"`
	Query        string   `json:"query"`
	Method       string   `json:"method,omitempty"`
	DocIDs       []string `json:"doc_ids,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	ContextChars int      `json:"context_chars,omitempty"`
}

// SearchQueryResponse is the search.query result. TotalMatches counts
// matches found before the response cap dropped or truncated any.
type SearchQueryResponse struct {
	Matches            []models.SearchMatch `json:"matches"`
	TotalMatches       int                  `json:"total_matches"`
	IndexBuilt         bool                 `json:"index_built"`
	IndexBuiltThisCall bool                 `json:"index_built_this_call"`
}

// SearchQuery searches with one of three methods: bm25 ranks whole
// documents via the session index, regex and literal scan document
// contents directly and score every match 1.0.
func (e *Engine) SearchQuery(ctx context.Context, req SearchQueryRequest) (*SearchQueryResponse, error) {
	result, err := e.run(ctx, "rlm.search.query", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			if req.Query == "" {
				return nil, rlmerr.New(rlmerr.InvalidArgument, "query must not be empty")
			}
			limit := req.Limit
			if limit <= 0 {
				limit = defaultSearchLimit
			}
			contextChars := req.ContextChars
			if contextChars <= 0 {
				contextChars = defaultContextChars
			}

			method := req.Method
			if method == "" {
				method = "bm25"
			}

			var (
				matches       []models.SearchMatch
				builtThisCall bool
				err           error
			)
			switch method {
			case "bm25":
				matches, builtThisCall, err = e.searchBM25(ctx, session.ID, req.Query, req.DocIDs, limit, contextChars)
			case "regex":
				matches, err = e.searchRegex(ctx, session.ID, req.Query, req.DocIDs, limit, contextChars)
			case "literal":
				matches, err = e.searchLiteral(ctx, session.ID, req.Query, req.DocIDs, limit, contextChars)
			default:
				err = rlmerr.New(rlmerr.InvalidArgument, "unknown search method %q", method)
			}
			if err != nil {
				return nil, err
			}

			resp := &SearchQueryResponse{
				Matches:            []models.SearchMatch{},
				TotalMatches:       len(matches),
				IndexBuiltThisCall: builtThisCall,
			}
			_, resp.IndexBuilt = e.cachedIndex(session.ID)

			// Enforce the response cap over accumulated context text: the
			// match that crosses it keeps a truncated context with
			// re-clamped highlights, later matches are dropped.
			budget := charLimit(session, "response")
			used := 0
			for _, m := range matches {
				remaining := budget - used
				if remaining <= 0 {
					break
				}
				capped, truncated := truncate(m.Context, remaining)
				if truncated {
					m.Context = capped
					n := blob.Length(capped)
					m.HighlightStart = clamp(m.HighlightStart, 0, n)
					m.HighlightEnd = clamp(m.HighlightEnd, m.HighlightStart, n)
				}
				used += blob.Length(m.Context)
				resp.Matches = append(resp.Matches, m)
				if truncated {
					break
				}
			}
			return resp, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*SearchQueryResponse), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// searchBM25 ranks documents with the session index. With a doc_ids filter
// the inner retrieval limit doubles until enough allowed documents are
// collected or the whole index has been scanned, so filtered queries never
// silently under-return.
func (e *Engine) searchBM25(ctx context.Context, sessionID, query string, docIDs []string, limit, contextChars int) ([]models.SearchMatch, bool, error) {
	ix, builtThisCall, err := e.getOrBuildIndex(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	var scored []index.ScoredDocument
	if len(docIDs) == 0 {
		scored = ix.Search(query, limit)
	} else {
		allowed := make(map[string]bool, len(docIDs))
		for _, id := range docIDs {
			allowed[id] = true
		}
		inner := limit
		for {
			var filtered []index.ScoredDocument
			for _, doc := range ix.Search(query, inner) {
				if allowed[doc.DocID] {
					filtered = append(filtered, doc)
				}
			}
			if len(filtered) >= limit || inner >= len(ix.Docs) {
				scored = filtered
				break
			}
			inner *= 2
			if inner > len(ix.Docs) {
				inner = len(ix.Docs)
			}
		}
		if len(scored) > limit {
			scored = scored[:limit]
		}
	}

	matches := make([]models.SearchMatch, 0, len(scored))
	for _, doc := range scored {
		start, end := locateQuery(doc.Content, query)
		matches = append(matches, contextMatch(doc.DocID, doc.Content, start, end, doc.Score, contextChars))
	}
	return matches, builtThisCall, nil
}

// locateQuery finds a highlight range for a ranked document: the literal
// query first, then the query's first token, else the document start.
func locateQuery(content, query string) (int, int) {
	lower := strings.ToLower(content)
	if idx := strings.Index(lower, strings.ToLower(query)); idx >= 0 {
		start := blob.Length(lower[:idx])
		return start, start + blob.Length(query)
	}
	for _, tok := range index.Tokenize(query) {
		if idx := strings.Index(lower, tok); idx >= 0 {
			start := blob.Length(lower[:idx])
			return start, start + blob.Length(tok)
		}
	}
	return 0, 0
}

// contextMatch builds a SearchMatch with a context window of roughly
// contextChars code points centered on the [start, end) match range.
func contextMatch(docID, content string, start, end int, score float64, contextChars int) models.SearchMatch {
	n := blob.Length(content)
	half := contextChars / 2
	ctxStart := clamp(start-half, 0, n)
	ctxEnd := clamp(end+half, ctxStart, n)
	window := blob.Slice(content, ctxStart, ctxEnd)
	wn := blob.Length(window)
	hs := clamp(start-ctxStart, 0, wn)
	he := clamp(end-ctxStart, hs, wn)
	return models.SearchMatch{
		DocID:          docID,
		Span:           models.SpanRef{DocID: docID, Start: ctxStart, End: ctxEnd},
		Score:          score,
		Context:        window,
		HighlightStart: hs,
		HighlightEnd:   he,
	}
}

// sessionContents returns (doc, content) pairs for a scan-based search,
// restricted to docIDs when given, in load order.
func (e *Engine) sessionContents(ctx context.Context, sessionID string, docIDs []string) ([]*models.Document, []string, error) {
	docs, err := e.store.ListDocuments(ctx, sessionID, e.cfg.IndexBuildLimit, 0)
	if err != nil {
		return nil, nil, err
	}
	var allowed map[string]bool
	if len(docIDs) > 0 {
		allowed = make(map[string]bool, len(docIDs))
		for _, id := range docIDs {
			allowed[id] = true
		}
	}
	var outDocs []*models.Document
	var contents []string
	for _, doc := range docs {
		if allowed != nil && !allowed[doc.ID] {
			continue
		}
		content, err := e.blobs.Get(doc.ContentHash)
		if err != nil {
			return nil, nil, err
		}
		outDocs = append(outDocs, doc)
		contents = append(contents, content)
	}
	return outDocs, contents, nil
}

// searchRegex finds non-overlapping case-insensitive regex matches across
// the session's documents, up to limit matches total.
func (e *Engine) searchRegex(ctx context.Context, sessionID, query string, docIDs []string, limit, contextChars int) ([]models.SearchMatch, error) {
	pattern, err := regexp.Compile("(?i)" + query)
	if err != nil {
		return nil, rlmerr.Wrap(rlmerr.InvalidArgument, err, "invalid regex %q", query)
	}
	docs, contents, err := e.sessionContents(ctx, sessionID, docIDs)
	if err != nil {
		return nil, err
	}

	var matches []models.SearchMatch
	for i, doc := range docs {
		if len(matches) >= limit {
			break
		}
		content := contents[i]
		for _, loc := range pattern.FindAllStringIndex(content, limit-len(matches)) {
			// Regexp offsets are bytes; offsets in the match are runes.
			start := blob.Length(content[:loc[0]])
			end := start + blob.Length(content[loc[0]:loc[1]])
			matches = append(matches, contextMatch(doc.ID, content, start, end, 1.0, contextChars))
		}
	}
	return matches, nil
}

// searchLiteral finds case-insensitive substring occurrences, advancing one
// code point per hit so overlapping occurrences all count, up to limit.
func (e *Engine) searchLiteral(ctx context.Context, sessionID, query string, docIDs []string, limit, contextChars int) ([]models.SearchMatch, error) {
	docs, contents, err := e.sessionContents(ctx, sessionID, docIDs)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	needleLen := blob.Length(query)

	var matches []models.SearchMatch
	for i, doc := range docs {
		if len(matches) >= limit {
			break
		}
		content := contents[i]
		haystack := []rune(strings.ToLower(content))
		pos := 0
		for len(matches) < limit {
			idx := strings.Index(string(haystack[pos:]), needle)
			if idx < 0 {
				break
			}
			start := pos + blob.Length(string(haystack[pos:])[:idx])
			matches = append(matches, contextMatch(doc.ID, content, start, start+needleLen, 1.0, contextChars))
			pos = start + 1
			if pos > len(haystack) {
				break
			}
		}
	}
	return matches, nil
}
