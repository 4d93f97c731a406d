package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// SourceSpec is one source descriptor in a docs.load request.
type SourceSpec struct {
	Type           string `json:"type"`
	Path           string `json:"path,omitempty"`
	Content        string `json:"content,omitempty"`
	TokenCountHint *int   `json:"token_count_hint,omitempty"`
	Recursive      bool   `json:"recursive,omitempty"`
	IncludePattern string `json:"include_pattern,omitempty"`
	ExcludePattern string `json:"exclude_pattern,omitempty"`
}

// DocsLoadRequest loads documents into a session.
type DocsLoadRequest struct {
	SessionID string       `json:"session_id"`
	Sources   []SourceSpec `json:"sources"`
}

// LoadedDoc is one successfully loaded document in the docs.load result.
type LoadedDoc struct {
	DocID           string                `json:"doc_id"`
	ContentHash     string                `json:"content_hash"`
	Source          models.DocumentSource `json:"source"`
	LengthChars     int                   `json:"length_chars"`
	LengthTokensEst int                   `json:"length_tokens_est"`
}

// DocsLoadResponse is the docs.load result. Errors holds one message per
// failed source; failures never abort the rest of the batch.
type DocsLoadResponse struct {
	Loaded         []LoadedDoc `json:"loaded"`
	Errors         []string    `json:"errors"`
	TotalChars     int         `json:"total_chars"`
	TotalTokensEst int         `json:"total_tokens_est"`
}

// resolvedSource is one piece of content ready to become a document.
type resolvedSource struct {
	content   string
	source    models.DocumentSource
	tokenHint *int
	metadata  map[string]any
}

// DocsLoad resolves each source, stores content in the blob store and
// records one document per resolved piece. The session's search index is
// invalidated before loading so stale results can never be served.
func (e *Engine) DocsLoad(ctx context.Context, req DocsLoadRequest) (*DocsLoadResponse, error) {
	result, err := e.run(ctx, "rlm.docs.load", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			lock := e.sessionLock(session.ID)
			lock.Lock()
			defer lock.Unlock()

			e.invalidateIndex(session.ID)

			resp := &DocsLoadResponse{Loaded: []LoadedDoc{}, Errors: []string{}}
			var docs []*models.Document

			for _, spec := range req.Sources {
				resolved, err := e.resolveSource(spec)
				if err != nil {
					resp.Errors = append(resp.Errors, err.Error())
					continue
				}
				for _, rs := range resolved {
					hash, err := e.blobs.Put(rs.content)
					if err != nil {
						resp.Errors = append(resp.Errors,
							fmt.Sprintf("storing %s: %v", rs.source.Label(), err))
						continue
					}
					chars := blob.Length(rs.content)
					doc := &models.Document{
						ID:              models.GenerateID(),
						SessionID:       session.ID,
						ContentHash:     hash,
						Source:          rs.source,
						LengthChars:     chars,
						LengthTokensEst: e.estimateTokens(ctx, session, rs.content, rs.tokenHint),
						Metadata:        rs.metadata,
						CreatedAt:       time.Now().UTC(),
					}
					docs = append(docs, doc)
					resp.Loaded = append(resp.Loaded, LoadedDoc{
						DocID:           doc.ID,
						ContentHash:     doc.ContentHash,
						Source:          doc.Source,
						LengthChars:     doc.LengthChars,
						LengthTokensEst: doc.LengthTokensEst,
					})
					resp.TotalChars += doc.LengthChars
					resp.TotalTokensEst += doc.LengthTokensEst
				}
			}

			if err := e.store.CreateDocumentsBatch(ctx, docs); err != nil {
				return nil, err
			}
			e.logger.Info(ctx, "documents loaded",
				"loaded", len(resp.Loaded), "errors", len(resp.Errors))
			return resp, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*DocsLoadResponse), nil
}

// resolveSource expands one source descriptor into content pieces. A
// returned error describes exactly one failed source.
func (e *Engine) resolveSource(spec SourceSpec) ([]resolvedSource, error) {
	switch models.SourceType(spec.Type) {
	case models.SourceInline:
		if spec.Content == "" {
			return nil, rlmerr.New(rlmerr.InvalidArgument, "inline source has no content")
		}
		if int64(len(spec.Content)) > e.cfg.MaxSourceBytes {
			return nil, rlmerr.New(rlmerr.OversizeSource,
				"inline source is %d bytes, limit %d", len(spec.Content), e.cfg.MaxSourceBytes)
		}
		return []resolvedSource{{
			content:   spec.Content,
			source:    models.DocumentSource{Type: models.SourceInline},
			tokenHint: spec.TokenCountHint,
		}}, nil

	case models.SourceFile:
		if spec.Path == "" {
			return nil, rlmerr.New(rlmerr.InvalidArgument, "file source has no path")
		}
		rs, err := e.readFileSource(spec.Path, spec.TokenCountHint)
		if err != nil {
			return nil, err
		}
		return []resolvedSource{rs}, nil

	case models.SourceGlob:
		if spec.Path == "" {
			return nil, rlmerr.New(rlmerr.InvalidArgument, "glob source has no path")
		}
		matches, err := doublestar.FilepathGlob(spec.Path)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.InvalidArgument, err, "invalid glob %q", spec.Path)
		}
		return e.readMatchedFiles(matches, spec)

	case models.SourceDirectory:
		if spec.Path == "" {
			return nil, rlmerr.New(rlmerr.InvalidArgument, "directory source has no path")
		}
		matches, err := listDirectory(spec.Path, spec.Recursive)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.UnknownSource, err, "reading directory %q", spec.Path)
		}
		return e.readMatchedFiles(matches, spec)

	default:
		return nil, rlmerr.New(rlmerr.UnknownSource, "unsupported source type %q", spec.Type)
	}
}

// readMatchedFiles reads a set of file paths, applying the source's
// include/exclude regex filters. Paths are sorted for deterministic
// document ordering.
func (e *Engine) readMatchedFiles(paths []string, spec SourceSpec) ([]resolvedSource, error) {
	var include, exclude *regexp.Regexp
	var err error
	if spec.IncludePattern != "" {
		if include, err = regexp.Compile(spec.IncludePattern); err != nil {
			return nil, rlmerr.Wrap(rlmerr.InvalidArgument, err, "invalid include_pattern")
		}
	}
	if spec.ExcludePattern != "" {
		if exclude, err = regexp.Compile(spec.ExcludePattern); err != nil {
			return nil, rlmerr.Wrap(rlmerr.InvalidArgument, err, "invalid exclude_pattern")
		}
	}

	sort.Strings(paths)
	var out []resolvedSource
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if include != nil && !include.MatchString(path) {
			continue
		}
		if exclude != nil && exclude.MatchString(path) {
			continue
		}
		rs, err := e.readFileSource(path, spec.TokenCountHint)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	if len(out) == 0 {
		return nil, rlmerr.New(rlmerr.UnknownSource, "no files matched %q", spec.Path)
	}
	return out, nil
}

func (e *Engine) readFileSource(path string, tokenHint *int) (resolvedSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return resolvedSource{}, rlmerr.Wrap(rlmerr.UnknownSource, err, "reading %q", path)
	}
	if !info.Mode().IsRegular() {
		return resolvedSource{}, rlmerr.New(rlmerr.UnknownSource, "%q is not a regular file", path)
	}
	if info.Size() > e.cfg.MaxSourceBytes {
		return resolvedSource{}, rlmerr.New(rlmerr.OversizeSource,
			"%q is %d bytes, limit %d", path, info.Size(), e.cfg.MaxSourceBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return resolvedSource{}, rlmerr.Wrap(rlmerr.UnknownSource, err, "reading %q", path)
	}
	return resolvedSource{
		content:   string(data),
		source:    models.DocumentSource{Type: models.SourceFile, Path: path},
		tokenHint: tokenHint,
		metadata:  map[string]any{"filename": filepath.Base(path)},
	}, nil
}

func listDirectory(root string, recursive bool) ([]string, error) {
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		var paths []string
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				paths = append(paths, filepath.Join(root, entry.Name()))
			}
		}
		return paths, nil
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// DocsListRequest pages through a session's documents.
type DocsListRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// ListedDoc is one document record in the docs.list result.
type ListedDoc struct {
	DocID           string                `json:"doc_id"`
	ContentHash     string                `json:"content_hash"`
	Source          models.DocumentSource `json:"source"`
	LengthChars     int                   `json:"length_chars"`
	LengthTokensEst int                   `json:"length_tokens_est"`
	SpanCount       int                   `json:"span_count"`
}

// DocsListResponse is the docs.list result.
type DocsListResponse struct {
	Documents []ListedDoc `json:"documents"`
	Total     int         `json:"total"`
	HasMore   bool        `json:"has_more"`
}

// DocsList returns metadata for the session's documents in load order.
func (e *Engine) DocsList(ctx context.Context, req DocsListRequest) (*DocsListResponse, error) {
	result, err := e.run(ctx, "rlm.docs.list", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			limit := req.Limit
			if limit <= 0 {
				limit = 100
			}
			// Over-fetch by one to learn whether another page exists.
			docs, err := e.store.ListDocuments(ctx, session.ID, limit+1, req.Offset)
			if err != nil {
				return nil, err
			}
			hasMore := len(docs) > limit
			if hasMore {
				docs = docs[:limit]
			}
			total, err := e.store.CountDocuments(ctx, session.ID)
			if err != nil {
				return nil, err
			}

			resp := &DocsListResponse{Documents: []ListedDoc{}, Total: total, HasMore: hasMore}
			for _, doc := range docs {
				spanCount, err := e.store.CountSpansForDocument(ctx, doc.ID)
				if err != nil {
					return nil, err
				}
				resp.Documents = append(resp.Documents, ListedDoc{
					DocID:           doc.ID,
					ContentHash:     doc.ContentHash,
					Source:          doc.Source,
					LengthChars:     doc.LengthChars,
					LengthTokensEst: doc.LengthTokensEst,
					SpanCount:       spanCount,
				})
			}
			return resp, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*DocsListResponse), nil
}

// DocsPeekRequest reads a window of one document. A nil End means
// end-of-document.
type DocsPeekRequest struct {
	SessionID string `json:"session_id"`
	DocID     string `json:"doc_id"`
	Start     int    `json:"start,omitempty"`
	End       *int   `json:"end,omitempty"`
}

// DocsPeekResponse is the docs.peek result. Span reflects the range
// actually returned after clamping and the peek cap; ContentHash is the
// hash of the returned slice, not of the whole document.
type DocsPeekResponse struct {
	Content     string         `json:"content"`
	Span        models.SpanRef `json:"span"`
	ContentHash string         `json:"content_hash"`
	Truncated   bool           `json:"truncated"`
	TotalLength int            `json:"total_length"`
}

// DocsPeek returns a clamped character window of a document, capped at the
// session's peek limit.
func (e *Engine) DocsPeek(ctx context.Context, req DocsPeekRequest) (*DocsPeekResponse, error) {
	result, err := e.run(ctx, "rlm.docs.peek", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			doc, err := e.getSessionDocument(ctx, session.ID, req.DocID)
			if err != nil {
				return nil, err
			}
			content, err := e.blobs.Get(doc.ContentHash)
			if err != nil {
				return nil, err
			}

			start := req.Start
			if start < 0 {
				start = 0
			}
			end := doc.LengthChars
			if req.End != nil && *req.End >= 0 {
				end = *req.End
			}
			window := blob.Slice(content, start, end)

			capped, truncated := truncate(window, charLimit(session, "peek"))
			if start > doc.LengthChars {
				start = doc.LengthChars
			}
			actualEnd := start + blob.Length(capped)

			return &DocsPeekResponse{
				Content:     capped,
				Span:        models.SpanRef{DocID: doc.ID, Start: start, End: actualEnd},
				ContentHash: blob.Hash(capped),
				Truncated:   truncated,
				TotalLength: doc.LengthChars,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*DocsPeekResponse), nil
}

// getSessionDocument fetches a document and verifies it belongs to the
// session; cross-session references are rejected.
func (e *Engine) getSessionDocument(ctx context.Context, sessionID, docID string) (*models.Document, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.SessionID != sessionID {
		return nil, rlmerr.New(rlmerr.CrossSessionReference,
			"document %s belongs to a different session", docID)
	}
	return doc, nil
}
