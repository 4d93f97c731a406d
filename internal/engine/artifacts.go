package engine

import (
	"context"
	"time"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/internal/store"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// ArtifactStoreRequest stores a derived artifact, bound either to an
// existing span (SpanID) or to a fresh range (Span), or to the session as
// a whole when both are empty.
type ArtifactStoreRequest struct {
	SessionID  string                     `json:"session_id"`
	Type       string                     `json:"type"`
	Content    map[string]any             `json:"content"`
	SpanID     string                     `json:"span_id,omitempty"`
	Span       *models.SpanRef            `json:"span,omitempty"`
	Provenance *models.ArtifactProvenance `json:"provenance,omitempty"`
}

// ArtifactStoreResponse is the artifact.store result.
type ArtifactStoreResponse struct {
	ArtifactID string `json:"artifact_id"`
	SpanID     string `json:"span_id,omitempty"`
}

// ArtifactStore persists an artifact. A span reference materializes a new
// span with the manual strategy; a span id is validated against the
// session before use.
func (e *Engine) ArtifactStore(ctx context.Context, req ArtifactStoreRequest) (*ArtifactStoreResponse, error) {
	result, err := e.run(ctx, "rlm.artifact.store", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			if req.Type == "" {
				return nil, rlmerr.New(rlmerr.InvalidArgument, "artifact type must not be empty")
			}
			if req.SpanID != "" && req.Span != nil {
				return nil, rlmerr.New(rlmerr.InvalidArgument, "span_id and span are mutually exclusive")
			}

			spanID := req.SpanID
			if spanID != "" {
				if _, _, err := e.getSessionSpan(ctx, session.ID, spanID); err != nil {
					return nil, err
				}
			} else if req.Span != nil {
				span, err := e.createManualSpan(ctx, session.ID, *req.Span)
				if err != nil {
					return nil, err
				}
				spanID = span.ID
			}

			provenance := req.Provenance
			if provenance != nil && provenance.Timestamp.IsZero() {
				provenance.Timestamp = time.Now().UTC()
			}

			artifact := &models.Artifact{
				ID:         models.GenerateID(),
				SessionID:  session.ID,
				SpanID:     spanID,
				Type:       req.Type,
				Content:    req.Content,
				Provenance: provenance,
				CreatedAt:  time.Now().UTC(),
			}
			if err := e.store.CreateArtifact(ctx, artifact); err != nil {
				return nil, err
			}
			e.logger.Info(ctx, "artifact stored",
				"artifact_id", artifact.ID, "type", artifact.Type)
			return &ArtifactStoreResponse{ArtifactID: artifact.ID, SpanID: spanID}, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*ArtifactStoreResponse), nil
}

// createManualSpan materializes a span from a raw range reference. The
// range is clamped to the document before hashing so the persisted offsets
// match the hashed content exactly.
func (e *Engine) createManualSpan(ctx context.Context, sessionID string, ref models.SpanRef) (*models.Span, error) {
	doc, err := e.getSessionDocument(ctx, sessionID, ref.DocID)
	if err != nil {
		return nil, err
	}
	if ref.Start < 0 || ref.End < ref.Start {
		return nil, rlmerr.New(rlmerr.InvalidArgument,
			"invalid span range [%d, %d)", ref.Start, ref.End)
	}
	content, err := e.blobs.Get(doc.ContentHash)
	if err != nil {
		return nil, err
	}
	start := clamp(ref.Start, 0, doc.LengthChars)
	end := clamp(ref.End, start, doc.LengthChars)
	piece := blob.Slice(content, start, end)

	span := &models.Span{
		ID:          models.GenerateID(),
		DocumentID:  doc.ID,
		StartOffset: start,
		EndOffset:   end,
		ContentHash: blob.Hash(piece),
		Strategy:    models.ChunkStrategy{Type: models.StrategyManual},
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateSpan(ctx, span); err != nil {
		return nil, err
	}
	return span, nil
}

// ArtifactListRequest lists a session's artifacts, optionally filtered.
type ArtifactListRequest struct {
	SessionID string `json:"session_id"`
	SpanID    string `json:"span_id,omitempty"`
	Type      string `json:"type,omitempty"`
}

// ArtifactSummary is one entry in the artifact.list result; content is
// omitted, use artifact.get for the payload.
type ArtifactSummary struct {
	ArtifactID string                     `json:"artifact_id"`
	SpanID     string                     `json:"span_id,omitempty"`
	Type       string                     `json:"type"`
	CreatedAt  string                     `json:"created_at"`
	Provenance *models.ArtifactProvenance `json:"provenance,omitempty"`
}

// ArtifactListResponse is the artifact.list result.
type ArtifactListResponse struct {
	Artifacts []ArtifactSummary `json:"artifacts"`
}

// ArtifactList returns artifact metadata in creation order.
func (e *Engine) ArtifactList(ctx context.Context, req ArtifactListRequest) (*ArtifactListResponse, error) {
	result, err := e.run(ctx, "rlm.artifact.list", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			artifacts, err := e.store.ListArtifacts(ctx, session.ID,
				store.ArtifactFilter{SpanID: req.SpanID, Type: req.Type})
			if err != nil {
				return nil, err
			}
			resp := &ArtifactListResponse{Artifacts: []ArtifactSummary{}}
			for _, artifact := range artifacts {
				resp.Artifacts = append(resp.Artifacts, ArtifactSummary{
					ArtifactID: artifact.ID,
					SpanID:     artifact.SpanID,
					Type:       artifact.Type,
					CreatedAt:  artifact.CreatedAt.Format(time.RFC3339Nano),
					Provenance: artifact.Provenance,
				})
			}
			return resp, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*ArtifactListResponse), nil
}

// ArtifactGetRequest fetches one artifact.
type ArtifactGetRequest struct {
	SessionID  string `json:"session_id"`
	ArtifactID string `json:"artifact_id"`
}

// ArtifactGetResponse is the artifact.get result, with the bound span's
// range resolved inline when the artifact has one.
type ArtifactGetResponse struct {
	ArtifactID string                     `json:"artifact_id"`
	SpanID     string                     `json:"span_id,omitempty"`
	Span       *models.SpanRef            `json:"span,omitempty"`
	Type       string                     `json:"type"`
	Content    map[string]any             `json:"content"`
	Provenance *models.ArtifactProvenance `json:"provenance,omitempty"`
	CreatedAt  string                     `json:"created_at"`
}

// ArtifactGet returns an artifact's full payload.
func (e *Engine) ArtifactGet(ctx context.Context, req ArtifactGetRequest) (*ArtifactGetResponse, error) {
	result, err := e.run(ctx, "rlm.artifact.get", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			artifact, err := e.store.GetArtifact(ctx, req.ArtifactID)
			if err != nil {
				return nil, err
			}
			if artifact.SessionID != session.ID {
				return nil, rlmerr.New(rlmerr.CrossSessionReference,
					"artifact %s belongs to a different session", req.ArtifactID)
			}
			var ref *models.SpanRef
			if artifact.SpanID != "" {
				span, _, err := e.getSessionSpan(ctx, session.ID, artifact.SpanID)
				if err != nil {
					return nil, err
				}
				r := span.Ref()
				ref = &r
			}
			return &ArtifactGetResponse{
				ArtifactID: artifact.ID,
				SpanID:     artifact.SpanID,
				Span:       ref,
				Type:       artifact.Type,
				Content:    artifact.Content,
				Provenance: artifact.Provenance,
				CreatedAt:  artifact.CreatedAt.Format(time.RFC3339Nano),
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*ArtifactGetResponse), nil
}
