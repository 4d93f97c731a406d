// Package engine implements the session engine: budget accounting, response
// caps, per-session locking, the lazy BM25 index cache, trace logging, and
// every tool operation.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/config"
	"github.com/recursivelm/rlm-mcp/internal/export"
	"github.com/recursivelm/rlm-mcp/internal/index"
	"github.com/recursivelm/rlm-mcp/internal/observability"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/internal/store"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// Engine coordinates the metadata store, blob store and index layer.
//
// Concurrency model: single process. Per-session mutexes serialize index
// build/load/invalidate and session close; the outer lock-manager mutex is
// held only to look up or insert a per-session mutex, never across I/O.
// The tool-call budget is NOT protected by the session mutex — it relies on
// the store's atomic conditional increment so concurrent calls on one
// session can never overshoot the cap.
type Engine struct {
	store       *store.Store
	blobs       *blob.Store
	persistence *index.Persistence
	cfg         *config.Config
	logger      *observability.Logger
	metrics     *observability.Metrics
	uploader    export.Uploader

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	indexCache map[string]*index.Index

	encodings sync.Map // model name -> *cachedEncoding
}

// Options carries optional collaborators for New.
type Options struct {
	// Uploader overrides the GitHub uploader, used by tests and
	// alternative export targets.
	Uploader export.Uploader
}

// New wires up an engine over opened stores.
func New(cfg *config.Config, st *store.Store, blobs *blob.Store, persistence *index.Persistence,
	logger *observability.Logger, metrics *observability.Metrics, opts Options) *Engine {
	return &Engine{
		store:       st,
		blobs:       blobs,
		persistence: persistence,
		cfg:         cfg,
		logger:      logger.WithFields("logger", "engine"),
		metrics:     metrics,
		uploader:    opts.Uploader,
		locks:       make(map[string]*sync.Mutex),
		indexCache:  make(map[string]*index.Index),
	}
}

// sessionLock returns the mutex for a session, creating it on first use.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sessionID] = lock
	}
	return lock
}

// releaseSessionLock drops a session's mutex from the map after close.
// Best-effort cleanup; callers must not hold the lock.
func (e *Engine) releaseSessionLock(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, sessionID)
}

func (e *Engine) cachedIndex(sessionID string) (*index.Index, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ix, ok := e.indexCache[sessionID]
	return ix, ok
}

func (e *Engine) setCachedIndex(sessionID string, ix *index.Index) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexCache[sessionID] = ix
}

func (e *Engine) dropCachedIndex(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexCache, sessionID)
}

// invalidateIndex drops both the in-memory and the on-disk index for a
// session. Unconditional; called on every successful docs.load.
func (e *Engine) invalidateIndex(sessionID string) {
	e.dropCachedIndex(sessionID)
	e.persistence.Invalidate(sessionID)
}

// getOrBuildIndex returns the session's BM25 index, building it under the
// session lock: memory cache first, then a fresh disk copy validated by
// fingerprint, then a from-scratch build capped at IndexBuildLimit
// documents. Returns whether a build happened on this call.
func (e *Engine) getOrBuildIndex(ctx context.Context, sessionID string) (*index.Index, bool, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if ix, ok := e.cachedIndex(sessionID); ok {
		e.logger.Debug(ctx, "index cache hit (memory)")
		return ix, false, nil
	}

	persisted, meta, ok, loadErr := e.persistence.Load(sessionID)
	if loadErr != nil {
		e.logger.Warn(ctx, "discarding corrupt persisted index, rebuilding", "error", loadErr)
	}
	if ok {
		fingerprint, docCount, err := e.currentFingerprint(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if !meta.Stale(docCount, fingerprint, index.TokenizerName) {
			e.logger.Info(ctx, "index cache hit (disk)", "doc_count", docCount)
			e.metrics.IndexBuildCounter.WithLabelValues("reload").Inc()
			e.setCachedIndex(sessionID, persisted)
			return persisted, false, nil
		}
		e.logger.Info(ctx, "persisted index stale, rebuilding")
	}

	start := time.Now()
	total, err := e.store.CountDocuments(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if total > e.cfg.IndexBuildLimit {
		e.logger.Warn(ctx, "document count exceeds index build limit, indexing a prefix",
			"total", total, "limit", e.cfg.IndexBuildLimit)
	}
	docs, err := e.store.ListDocuments(ctx, sessionID, e.cfg.IndexBuildLimit, 0)
	if err != nil {
		return nil, false, err
	}

	ix := index.New()
	for _, doc := range docs {
		content, err := e.blobs.Get(doc.ContentHash)
		if err != nil {
			e.logger.Warn(ctx, "skipping unreadable document content",
				"doc_id", doc.ID, "error", err)
			continue
		}
		ix.Add(doc.ID, content)
	}
	ix.Build()
	e.setCachedIndex(sessionID, ix)

	e.metrics.IndexBuildCounter.WithLabelValues("query").Inc()
	e.metrics.IndexBuildDuration.Observe(time.Since(start).Seconds())
	e.logger.Info(ctx, "index built", "doc_count", len(docs),
		"duration_ms", time.Since(start).Milliseconds())
	return ix, true, nil
}

// currentFingerprint computes the session's live fingerprint tuple inputs.
// It covers every document, regardless of the index build limit.
func (e *Engine) currentFingerprint(ctx context.Context, sessionID string) (string, int, error) {
	fps, err := e.store.GetDocumentFingerprints(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	entries := make([]index.FingerprintDoc, len(fps))
	for i, fp := range fps {
		entries[i] = index.FingerprintDoc{ID: fp.DocID, ContentHash: fp.ContentHash}
	}
	return index.Fingerprint(entries), len(fps), nil
}

// charLimit returns the session's cap for a limit class.
func charLimit(session *models.Session, class string) int {
	if class == "peek" {
		return session.Config.MaxCharsPerPeek
	}
	return session.Config.MaxCharsPerResponse
}

// truncate shortens content to max code points.
func truncate(content string, max int) (string, bool) {
	runes := []rune(content)
	if len(runes) <= max {
		return content, false
	}
	return string(runes[:max]), true
}

// mutatingOps write session state. Once a session leaves the active status
// they are rejected before any budget charge; reads stay available on
// completed and exported sessions, and close reports already_closed itself.
var mutatingOps = map[string]bool{
	"rlm.docs.load":      true,
	"rlm.chunk.create":   true,
	"rlm.artifact.store": true,
	"rlm.export.github":  true,
}

// run wraps an operation with correlation, budget accounting, tracing,
// logging and metrics. exemptBudget skips the atomic budget check
// (session.close only; session.create has its own path).
func (e *Engine) run(ctx context.Context, op, sessionID string, input any, exemptBudget bool,
	fn func(ctx context.Context, session *models.Session) (any, error)) (any, error) {

	ctx = observability.WithCorrelationID(ctx, models.GenerateID())
	ctx = observability.WithSessionID(ctx, sessionID)
	ctx = observability.WithOperation(ctx, op)

	start := time.Now()
	e.logger.Info(ctx, "operation started")

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		// No session row means no trace target either.
		e.finish(ctx, op, time.Since(start), err)
		return nil, err
	}

	if mutatingOps[op] && session.Status != models.SessionActive {
		err := rlmerr.New(rlmerr.AlreadyClosed,
			"session is %s, mutating operations require an active session", session.Status)
		e.traceAndFinish(ctx, op, sessionID, input, nil, err, time.Since(start))
		return nil, err
	}

	if !exemptBudget {
		used, ok, berr := e.store.TryIncrementToolCalls(ctx, sessionID, session.Config.MaxToolCalls)
		if berr != nil {
			e.finish(ctx, op, time.Since(start), berr)
			return nil, berr
		}
		if !ok {
			e.metrics.BudgetRejections.Inc()
			err := rlmerr.New(rlmerr.BudgetExceeded,
				"tool call budget exceeded: %d of %d calls used", used, session.Config.MaxToolCalls)
			e.traceAndFinish(ctx, op, sessionID, input, nil, err, time.Since(start))
			return nil, err
		}
		session.ToolCallsUsed = used
	}

	result, err := fn(ctx, session)
	e.traceAndFinish(ctx, op, sessionID, input, result, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// traceAndFinish appends the trace entry and emits end-of-operation logs
// and metrics. Trace persistence failures are logged, never surfaced.
func (e *Engine) traceAndFinish(ctx context.Context, op, sessionID string, input, output any, opErr error, elapsed time.Duration) {
	outMap := toMap(output)
	if opErr != nil {
		outMap = map[string]any{"error": opErr.Error()}
	}
	trace := &models.TraceEntry{
		ID:         models.GenerateID(),
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
		Operation:  op,
		Input:      toMap(input),
		Output:     outMap,
		DurationMS: elapsed.Milliseconds(),
	}
	if err := e.store.AppendTrace(ctx, trace); err != nil {
		e.logger.Error(ctx, "trace append failed", "error", err)
	}
	e.finish(ctx, op, elapsed, opErr)
}

func (e *Engine) finish(ctx context.Context, op string, elapsed time.Duration, err error) {
	e.metrics.ToolCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		kind := string(rlmerr.KindOf(err))
		if kind == "" {
			kind = "internal"
		}
		e.metrics.ToolCallCounter.WithLabelValues(op, "error").Inc()
		e.metrics.ToolErrorCounter.WithLabelValues(op, kind).Inc()
		e.logger.Error(ctx, "operation failed",
			"duration_ms", elapsed.Milliseconds(), "error", err)
		return
	}
	e.metrics.ToolCallCounter.WithLabelValues(op, "success").Inc()
	e.logger.Info(ctx, "operation completed", "duration_ms", elapsed.Milliseconds())
}

// toMap converts a value to a JSON object map for trace storage.
func toMap(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
