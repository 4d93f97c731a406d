package tools

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/config"
	"github.com/recursivelm/rlm-mcp/internal/engine"
	"github.com/recursivelm/rlm-mcp/internal/index"
	"github.com/recursivelm/rlm-mcp/internal/observability"
	"github.com/recursivelm/rlm-mcp/internal/store"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.DatabasePath = filepath.Join(dir, "rlm.db")
	cfg.BlobDir = filepath.Join(dir, "blobs")
	cfg.IndexDir = filepath.Join(dir, "indexes")
	require.NoError(t, cfg.EnsureDirs())

	st, err := store.Open(context.Background(), cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.NewStore(cfg.BlobDir)
	require.NoError(t, err)
	persistence, err := index.NewPersistence(cfg.IndexDir)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return engine.New(cfg, st, blobs, persistence, logger, metrics, engine.Options{})
}

func callTool(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestHandlerRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	create := handle(e.SessionCreate)
	result, err := create(ctx, callTool(map[string]any{"name": "demo"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &created))
	require.NotEmpty(t, created.SessionID)

	load := handle(e.DocsLoad)
	result, err = load(ctx, callTool(map[string]any{
		"session_id": created.SessionID,
		"sources": []map[string]any{
			{"type": "inline", "content": "bound through the tool layer"},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var loaded struct {
		Loaded []struct {
			DocID string `json:"doc_id"`
		} `json:"loaded"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &loaded))
	assert.Len(t, loaded.Loaded, 1)
}

func TestHandlerDomainErrorsAreToolErrors(t *testing.T) {
	e := newTestEngine(t)

	info := handle(e.SessionInfo)
	result, err := info(context.Background(), callTool(map[string]any{"session_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "session not found")
}

func TestNewServerRegistersTools(t *testing.T) {
	srv := NewServer(newTestEngine(t), "test")
	assert.NotNil(t, srv)
}
