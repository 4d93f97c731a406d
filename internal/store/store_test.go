package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rlm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession() *models.Session {
	return &models.Session{
		ID:        models.GenerateID(),
		Name:      "test",
		Status:    models.SessionActive,
		Config:    models.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "test", got.Name)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Equal(t, 500, got.Config.MaxToolCalls)
	assert.Nil(t, got.ClosedAt)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	assert.Equal(t, rlmerr.SessionNotFound, rlmerr.KindOf(err))
}

func TestUpdateSessionStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	closedAt := time.Now().UTC()
	require.NoError(t, s.UpdateSessionStatus(ctx, session.ID, models.SessionCompleted, &closedAt))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.WithinDuration(t, closedAt, *got.ClosedAt, time.Second)
}

func TestIncrementToolCalls(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	n, err := s.IncrementToolCalls(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementToolCalls(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTryIncrementToolCallsStopsAtMax(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	for i := 1; i <= 3; i++ {
		n, ok, err := s.TryIncrementToolCalls(ctx, session.ID, 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok, err := s.TryIncrementToolCalls(ctx, session.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, n)
}

func TestTryIncrementToolCallsConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	const workers = 20
	const max = 10
	var granted sync.Map
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, ok, err := s.TryIncrementToolCalls(ctx, session.ID, max)
			require.NoError(t, err)
			if ok {
				_, dup := granted.LoadOrStore(n, true)
				assert.False(t, dup, "duplicate grant for count %d", n)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, max, got.ToolCallsUsed)
}

func TestDocumentsBatchAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	base := time.Now().UTC()
	docs := make([]*models.Document, 3)
	for i := range docs {
		docs[i] = &models.Document{
			ID:              models.GenerateID(),
			SessionID:       session.ID,
			ContentHash:     "0000000000000000000000000000000000000000000000000000000000000000",
			Source:          models.DocumentSource{Type: models.SourceInline},
			LengthChars:     10 * (i + 1),
			LengthTokensEst: 3 * (i + 1),
			Metadata:        map[string]any{"filename": "f.txt"},
			CreatedAt:       base.Add(time.Duration(i) * time.Millisecond),
		}
	}
	require.NoError(t, s.CreateDocumentsBatch(ctx, docs))

	listed, err := s.ListDocuments(ctx, session.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, docs[0].ID, listed[0].ID)
	assert.Equal(t, "f.txt", listed[0].Metadata["filename"])

	n, err := s.CountDocuments(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	chars, tokens, err := s.SessionStats(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, chars)
	assert.Equal(t, 18, tokens)
}

func TestGetDocumentFingerprints(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	base := time.Now().UTC()
	docs := make([]*models.Document, 3)
	for i := range docs {
		docs[i] = &models.Document{
			ID:          models.GenerateID(),
			SessionID:   session.ID,
			ContentHash: fmt.Sprintf("hash-%d", i),
			Source:      models.DocumentSource{Type: models.SourceInline},
			LengthChars: 1,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}
	}
	require.NoError(t, s.CreateDocumentsBatch(ctx, docs))

	fps, err := s.GetDocumentFingerprints(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, fps, 3)
	for i, fp := range fps {
		assert.Equal(t, docs[i].ID, fp.DocID)
		assert.Equal(t, fmt.Sprintf("hash-%d", i), fp.ContentHash)
	}

	other, err := s.GetDocumentFingerprints(ctx, "no-such-session")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSpanRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))
	doc := &models.Document{
		ID:          models.GenerateID(),
		SessionID:   session.ID,
		ContentHash: "abc",
		Source:      models.DocumentSource{Type: models.SourceInline},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	span := &models.Span{
		ID:          models.GenerateID(),
		DocumentID:  doc.ID,
		StartOffset: 5,
		EndOffset:   25,
		ContentHash: "def",
		Strategy:    models.ChunkStrategy{Type: models.StrategyFixed, ChunkSize: 20},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateSpan(ctx, span))

	got, err := s.GetSpan(ctx, span.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.StartOffset)
	assert.Equal(t, models.StrategyFixed, got.Strategy.Type)
	assert.Equal(t, 20, got.Strategy.ChunkSize)

	byDoc, err := s.SpansByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, byDoc, 1)

	n, err := s.CountSpans(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArtifactFiltering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	base := time.Now().UTC()
	for i, typ := range []string{"summary", "summary", "extraction"} {
		require.NoError(t, s.CreateArtifact(ctx, &models.Artifact{
			ID:        models.GenerateID(),
			SessionID: session.ID,
			Type:      typ,
			Content:   map[string]any{"i": i},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	all, err := s.ListArtifacts(ctx, session.ID, ArtifactFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	summaries, err := s.ListArtifacts(ctx, session.ID, ArtifactFilter{Type: "summary"})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	_, err = s.GetArtifact(ctx, "missing")
	assert.Equal(t, rlmerr.ArtifactNotFound, rlmerr.KindOf(err))
}

func TestTraceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	session := newTestSession()
	require.NoError(t, s.CreateSession(ctx, session))

	require.NoError(t, s.AppendTrace(ctx, &models.TraceEntry{
		ID:         models.GenerateID(),
		SessionID:  session.ID,
		Timestamp:  time.Now().UTC(),
		Operation:  "rlm.docs.load",
		Input:      map[string]any{"sources": float64(2)},
		Output:     map[string]any{"loaded": float64(2)},
		DurationMS: 12,
	}))

	traces, err := s.ListTraces(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "rlm.docs.load", traces[0].Operation)
	assert.Equal(t, float64(2), traces[0].Input["sources"])
	assert.Equal(t, int64(12), traces[0].DurationMS)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rlm.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	version, err := SchemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}
