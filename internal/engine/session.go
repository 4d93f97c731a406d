package engine

import (
	"context"
	"time"

	"github.com/recursivelm/rlm-mcp/internal/index"
	"github.com/recursivelm/rlm-mcp/internal/observability"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// SessionConfigInput is the partial config accepted on session.create;
// nil fields fall back to server defaults.
type SessionConfigInput struct {
	MaxToolCalls        *int               `json:"max_tool_calls,omitempty"`
	MaxCharsPerResponse *int               `json:"max_chars_per_response,omitempty"`
	MaxCharsPerPeek     *int               `json:"max_chars_per_peek,omitempty"`
	ChunkCacheEnabled   *bool              `json:"chunk_cache_enabled,omitempty"`
	ModelHints          *models.ModelHints `json:"model_hints,omitempty"`
}

// SessionCreateRequest creates a new session.
type SessionCreateRequest struct {
	Name   string              `json:"name,omitempty"`
	Config *SessionConfigInput `json:"config,omitempty"`
}

// SessionCreateResponse is the session.create result.
type SessionCreateResponse struct {
	SessionID string               `json:"session_id"`
	CreatedAt string               `json:"created_at"`
	Config    models.SessionConfig `json:"config"`
}

// mergeConfig layers a request's partial config over the server's session
// defaults.
func (e *Engine) mergeConfig(in *SessionConfigInput) models.SessionConfig {
	cfg := models.DefaultSessionConfig()
	if d := e.cfg.SessionDefaults; d.MaxToolCalls > 0 {
		cfg.MaxToolCalls = d.MaxToolCalls
		cfg.MaxCharsPerResponse = d.MaxCharsPerResponse
		cfg.MaxCharsPerPeek = d.MaxCharsPerPeek
	}
	if in == nil {
		return cfg
	}
	if in.MaxToolCalls != nil {
		cfg.MaxToolCalls = *in.MaxToolCalls
	}
	if in.MaxCharsPerResponse != nil {
		cfg.MaxCharsPerResponse = *in.MaxCharsPerResponse
	}
	if in.MaxCharsPerPeek != nil {
		cfg.MaxCharsPerPeek = *in.MaxCharsPerPeek
	}
	if in.ChunkCacheEnabled != nil {
		cfg.ChunkCacheEnabled = *in.ChunkCacheEnabled
	}
	cfg.ModelHints = in.ModelHints
	return cfg
}

// SessionCreate starts a new active session. The creating call itself
// consumes one budget slot, charged after the row exists.
func (e *Engine) SessionCreate(ctx context.Context, req SessionCreateRequest) (*SessionCreateResponse, error) {
	op := "rlm.session.create"
	session := &models.Session{
		ID:        models.GenerateID(),
		Name:      req.Name,
		Status:    models.SessionActive,
		Config:    e.mergeConfig(req.Config),
		CreatedAt: time.Now().UTC(),
	}

	ctx = observability.WithCorrelationID(ctx, models.GenerateID())
	ctx = observability.WithSessionID(ctx, session.ID)
	ctx = observability.WithOperation(ctx, op)

	start := time.Now()
	e.logger.Info(ctx, "operation started")

	if err := e.store.CreateSession(ctx, session); err != nil {
		e.finish(ctx, op, time.Since(start), err)
		return nil, err
	}
	used, err := e.store.IncrementToolCalls(ctx, session.ID)
	if err != nil {
		e.finish(ctx, op, time.Since(start), err)
		return nil, err
	}
	session.ToolCallsUsed = used
	e.metrics.ActiveSessions.Inc()

	resp := &SessionCreateResponse{
		SessionID: session.ID,
		CreatedAt: session.CreatedAt.Format(time.RFC3339Nano),
		Config:    session.Config,
	}
	e.traceAndFinish(ctx, op, session.ID, req, resp, nil, time.Since(start))
	return resp, nil
}

// SessionInfoRequest fetches session state.
type SessionInfoRequest struct {
	SessionID string `json:"session_id"`
}

// SessionInfoResponse is the session.info result.
type SessionInfoResponse struct {
	SessionID          string               `json:"session_id"`
	Name               string               `json:"name,omitempty"`
	Status             models.SessionStatus `json:"status"`
	CreatedAt          string               `json:"created_at"`
	ClosedAt           *string              `json:"closed_at"`
	DocumentCount      int                  `json:"document_count"`
	TotalChars         int                  `json:"total_chars"`
	TotalTokensEst     int                  `json:"total_tokens_est"`
	ToolCallsUsed      int                  `json:"tool_calls_used"`
	ToolCallsRemaining int                  `json:"tool_calls_remaining"`
	IndexBuilt         bool                 `json:"index_built"`
	Config             models.SessionConfig `json:"config"`
}

// SessionInfo returns session status, budget and aggregate document stats.
func (e *Engine) SessionInfo(ctx context.Context, req SessionInfoRequest) (*SessionInfoResponse, error) {
	result, err := e.run(ctx, "rlm.session.info", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			docCount, err := e.store.CountDocuments(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			totalChars, totalTokens, err := e.store.SessionStats(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			var closedAt *string
			if session.ClosedAt != nil {
				v := session.ClosedAt.Format(time.RFC3339Nano)
				closedAt = &v
			}
			_, indexBuilt := e.cachedIndex(session.ID)
			remaining := session.Config.MaxToolCalls - session.ToolCallsUsed
			if remaining < 0 {
				remaining = 0
			}
			return &SessionInfoResponse{
				SessionID:          session.ID,
				Name:               session.Name,
				Status:             session.Status,
				CreatedAt:          session.CreatedAt.Format(time.RFC3339Nano),
				ClosedAt:           closedAt,
				DocumentCount:      docCount,
				TotalChars:         totalChars,
				TotalTokensEst:     totalTokens,
				ToolCallsUsed:      session.ToolCallsUsed,
				ToolCallsRemaining: remaining,
				IndexBuilt:         indexBuilt,
				Config:             session.Config,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*SessionInfoResponse), nil
}

// SessionCloseRequest closes a session.
type SessionCloseRequest struct {
	SessionID string `json:"session_id"`
}

// SessionCloseResponse is the session.close result.
type SessionCloseResponse struct {
	SessionID string                `json:"session_id"`
	Status    models.SessionStatus  `json:"status"`
	ClosedAt  string                `json:"closed_at"`
	Summary   models.SessionSummary `json:"summary"`
}

// SessionClose finalizes a session: flips it to completed, computes the
// summary, and persists any in-memory index so a later process can reload
// it. Close is exempt from the budget so an exhausted session can still be
// shut down cleanly.
func (e *Engine) SessionClose(ctx context.Context, req SessionCloseRequest) (*SessionCloseResponse, error) {
	result, err := e.run(ctx, "rlm.session.close", req.SessionID, req, true,
		func(ctx context.Context, session *models.Session) (any, error) {
			lock := e.sessionLock(session.ID)
			lock.Lock()
			defer lock.Unlock()

			if session.Status != models.SessionActive {
				return nil, rlmerr.New(rlmerr.AlreadyClosed,
					"session is %s, only active sessions can be closed", session.Status)
			}

			closedAt := time.Now().UTC()
			if err := e.store.UpdateSessionStatus(ctx, session.ID, models.SessionCompleted, &closedAt); err != nil {
				return nil, err
			}

			docCount, err := e.store.CountDocuments(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			spanCount, err := e.store.CountSpans(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			artifactCount, err := e.store.CountArtifacts(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			closed, err := e.store.GetSession(ctx, session.ID)
			if err != nil {
				return nil, err
			}

			// Persist the live index before dropping it; failures are
			// logged, never fail the close.
			if ix, ok := e.cachedIndex(session.ID); ok {
				fingerprint, fpCount, ferr := e.currentFingerprint(ctx, session.ID)
				if ferr != nil {
					e.logger.Error(ctx, "index fingerprint failed on close", "error", ferr)
				} else {
					meta := index.Metadata{
						DocCount:       fpCount,
						DocFingerprint: fingerprint,
						TokenizerName:  index.TokenizerName,
					}
					if serr := e.persistence.Save(session.ID, ix, meta); serr != nil {
						e.logger.Error(ctx, "index persistence failed on close", "error", serr)
					}
				}
				e.dropCachedIndex(session.ID)
			}

			e.metrics.ActiveSessions.Dec()
			return &SessionCloseResponse{
				SessionID: session.ID,
				Status:    closed.Status,
				ClosedAt:  closedAt.Format(time.RFC3339Nano),
				Summary: models.SessionSummary{
					Documents: docCount,
					Spans:     spanCount,
					Artifacts: artifactCount,
					ToolCalls: closed.ToolCallsUsed,
				},
			}, nil
		})
	if err != nil {
		return nil, err
	}
	e.releaseSessionLock(req.SessionID)
	return result.(*SessionCloseResponse), nil
}
