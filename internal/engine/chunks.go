package engine

import (
	"context"
	"time"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/chunker"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

const previewChars = 100

// ChunkCreateRequest splits a document into persisted spans.
type ChunkCreateRequest struct {
	SessionID string               `json:"session_id"`
	DocID     string               `json:"doc_id"`
	Strategy  models.ChunkStrategy `json:"strategy"`
}

// ChunkInfo is one span in the chunk.create result.
type ChunkInfo struct {
	SpanID      string         `json:"span_id"`
	Index       int            `json:"index"`
	Span        models.SpanRef `json:"span"`
	LengthChars int            `json:"length_chars"`
	ContentHash string         `json:"content_hash"`
	Preview     string         `json:"preview"`
}

// ChunkCreateResponse is the chunk.create result. Cached reports that an
// identical earlier strategy's spans were reused instead of re-chunking.
type ChunkCreateResponse struct {
	Spans      []ChunkInfo `json:"spans"`
	TotalSpans int         `json:"total_spans"`
	Cached     bool        `json:"cached"`
}

// ChunkCreate chunks a document under the given strategy. When the chunk
// cache is enabled and the document already has spans from an identical
// strategy descriptor, those spans are returned instead of new ones.
func (e *Engine) ChunkCreate(ctx context.Context, req ChunkCreateRequest) (*ChunkCreateResponse, error) {
	result, err := e.run(ctx, "rlm.chunk.create", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			doc, err := e.getSessionDocument(ctx, session.ID, req.DocID)
			if err != nil {
				return nil, err
			}
			content, err := e.blobs.Get(doc.ContentHash)
			if err != nil {
				return nil, err
			}

			if session.Config.ChunkCacheEnabled {
				existing, err := e.store.SpansByDocument(ctx, doc.ID)
				if err != nil {
					return nil, err
				}
				var cached []*models.Span
				for _, span := range existing {
					if span.Strategy.Equal(req.Strategy) {
						cached = append(cached, span)
					}
				}
				if len(cached) > 0 {
					e.logger.Debug(ctx, "chunk cache hit", "doc_id", doc.ID, "spans", len(cached))
					return chunkResponse(cached, content, true), nil
				}
			}

			ck, err := chunker.New(req.Strategy)
			if err != nil {
				return nil, err
			}
			ranges := chunker.Limit(ck.Chunk(content), req.Strategy.MaxChunks)

			spans := make([]*models.Span, 0, len(ranges))
			now := time.Now().UTC()
			for _, r := range ranges {
				piece := blob.Slice(content, r.Start, r.End)
				spans = append(spans, &models.Span{
					ID:          models.GenerateID(),
					DocumentID:  doc.ID,
					StartOffset: r.Start,
					EndOffset:   r.End,
					ContentHash: blob.Hash(piece),
					Strategy:    req.Strategy,
					CreatedAt:   now,
				})
			}
			if err := e.store.CreateSpansBatch(ctx, spans); err != nil {
				return nil, err
			}
			e.logger.Info(ctx, "document chunked",
				"doc_id", doc.ID, "strategy", string(req.Strategy.Type), "spans", len(spans))
			return chunkResponse(spans, content, false), nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*ChunkCreateResponse), nil
}

func chunkResponse(spans []*models.Span, content string, cached bool) *ChunkCreateResponse {
	resp := &ChunkCreateResponse{Spans: []ChunkInfo{}, TotalSpans: len(spans), Cached: cached}
	for i, span := range spans {
		piece := blob.Slice(content, span.StartOffset, span.EndOffset)
		preview, _ := truncate(piece, previewChars)
		resp.Spans = append(resp.Spans, ChunkInfo{
			SpanID:      span.ID,
			Index:       i,
			Span:        span.Ref(),
			LengthChars: blob.Length(piece),
			ContentHash: span.ContentHash,
			Preview:     preview,
		})
	}
	return resp
}

// SpanGetRequest materializes span contents.
type SpanGetRequest struct {
	SessionID string   `json:"session_id"`
	SpanIDs   []string `json:"span_ids"`
}

// SpanContent is one materialized span in the span.get result.
type SpanContent struct {
	SpanID      string         `json:"span_id"`
	Span        models.SpanRef `json:"span"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	Truncated   bool           `json:"truncated"`
}

// SpanGetResponse is the span.get result.
type SpanGetResponse struct {
	Spans              []SpanContent `json:"spans"`
	TotalCharsReturned int           `json:"total_chars_returned"`
}

// SpanGet returns span contents in request order, accumulating up to the
// session's response cap. The span that crosses the cap is truncated to the
// remaining allowance and later spans are dropped.
func (e *Engine) SpanGet(ctx context.Context, req SpanGetRequest) (*SpanGetResponse, error) {
	result, err := e.run(ctx, "rlm.span.get", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			limit := charLimit(session, "response")
			resp := &SpanGetResponse{Spans: []SpanContent{}}

			for _, spanID := range req.SpanIDs {
				span, doc, err := e.getSessionSpan(ctx, session.ID, spanID)
				if err != nil {
					return nil, err
				}
				content, err := e.blobs.Get(doc.ContentHash)
				if err != nil {
					return nil, err
				}
				piece := blob.Slice(content, span.StartOffset, span.EndOffset)

				remaining := limit - resp.TotalCharsReturned
				if remaining <= 0 {
					break
				}
				capped, truncated := truncate(piece, remaining)
				resp.Spans = append(resp.Spans, SpanContent{
					SpanID:      span.ID,
					Span:        span.Ref(),
					Content:     capped,
					ContentHash: blob.Hash(capped),
					Truncated:   truncated,
				})
				resp.TotalCharsReturned += blob.Length(capped)
				if truncated {
					break
				}
			}
			return resp, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*SpanGetResponse), nil
}

// getSessionSpan fetches a span plus its document and verifies the chain
// span -> document -> session.
func (e *Engine) getSessionSpan(ctx context.Context, sessionID, spanID string) (*models.Span, *models.Document, error) {
	span, err := e.store.GetSpan(ctx, spanID)
	if err != nil {
		return nil, nil, err
	}
	doc, err := e.store.GetDocument(ctx, span.DocumentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.SessionID != sessionID {
		return nil, nil, rlmerr.New(rlmerr.CrossSessionReference,
			"span %s belongs to a different session", spanID)
	}
	return span, doc, nil
}
