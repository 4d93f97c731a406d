// Package tools registers the rlm tool surface on an MCP server over the
// stdio transport. Each tool binds its arguments into an engine request,
// runs the operation, and returns the result as JSON text. Domain errors
// become tool errors, never protocol errors.
package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recursivelm/rlm-mcp/internal/engine"
)

const serverInstructions = `rlm manages bounded document-processing sessions: load documents once, ` +
	`then chunk, search and peek at them through small windowed responses instead ` +
	`of pulling whole files into context. Start with rlm.session.create, load ` +
	`content with rlm.docs.load, navigate with rlm.search.query / rlm.chunk.create / ` +
	`rlm.span.get, record results with rlm.artifact.store, and finish with ` +
	`rlm.session.close or rlm.export.github.`

// NewServer builds the MCP server with every rlm tool registered.
func NewServer(e *engine.Engine, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"rlm-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(serverInstructions),
	)
	registerTools(srv, e)
	return srv
}

// Serve runs the server over stdio until the client disconnects.
func Serve(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

// handle adapts a typed engine operation into an MCP tool handler.
func handle[Req any, Resp any](fn func(context.Context, Req) (Resp, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in Req
		if err := req.BindArguments(&in); err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
		out, err := fn(ctx, in)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return mcp.NewToolResultError("encoding result: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func registerTools(srv *server.MCPServer, e *engine.Engine) {
	srv.AddTool(
		mcp.NewTool("rlm.session.create",
			mcp.WithDescription("Create a new document-processing session with its own tool-call budget and response caps."),
			mcp.WithTitleAnnotation("Create Session"),
			mcp.WithString("name",
				mcp.Description("Optional human-readable session name"),
			),
			mcp.WithObject("config",
				mcp.Description("Partial session config: max_tool_calls, max_chars_per_response, max_chars_per_peek, chunk_cache_enabled, model_hints. Unset fields use server defaults."),
			),
		),
		handle(e.SessionCreate),
	)

	srv.AddTool(
		mcp.NewTool("rlm.session.info",
			mcp.WithDescription("Return session status, budget usage and aggregate document stats."),
			mcp.WithTitleAnnotation("Session Info"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
		),
		handle(e.SessionInfo),
	)

	srv.AddTool(
		mcp.NewTool("rlm.session.close",
			mcp.WithDescription("Close an active session and return a summary. Works even when the tool-call budget is exhausted."),
			mcp.WithTitleAnnotation("Close Session"),
			mcp.WithString("session_id", mcp.Required()),
		),
		handle(e.SessionClose),
	)

	srv.AddTool(
		mcp.NewTool("rlm.docs.load",
			mcp.WithDescription("Load documents into a session from inline text, files, globs or directories. Per-source failures are reported in the errors list without aborting the batch."),
			mcp.WithTitleAnnotation("Load Documents"),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithArray("sources",
				mcp.Required(),
				mcp.Description(`Source descriptors: {"type": "inline"|"file"|"glob"|"directory", "content"?, "path"?, "recursive"?, "include_pattern"?, "exclude_pattern"?, "token_count_hint"?}`),
				mcp.Items(map[string]any{"type": "object"}),
			),
		),
		handle(e.DocsLoad),
	)

	srv.AddTool(
		mcp.NewTool("rlm.docs.list",
			mcp.WithDescription("List a session's document metadata, paged."),
			mcp.WithTitleAnnotation("List Documents"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Page size (default 100)")),
			mcp.WithNumber("offset", mcp.Description("Skip this many documents")),
		),
		handle(e.DocsList),
	)

	srv.AddTool(
		mcp.NewTool("rlm.docs.peek",
			mcp.WithDescription("Read a character window of one document without loading the whole thing. Offsets count Unicode code points; out-of-range offsets are clamped."),
			mcp.WithTitleAnnotation("Peek Document"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("doc_id", mcp.Required()),
			mcp.WithNumber("start", mcp.Description("Start offset (default 0)")),
			mcp.WithNumber("end", mcp.Description("End offset, exclusive (default: end of document)")),
		),
		handle(e.DocsPeek),
	)

	srv.AddTool(
		mcp.NewTool("rlm.chunk.create",
			mcp.WithDescription("Split a document into persisted spans using a strategy: fixed (chunk_size, overlap), lines (line_count, overlap) or delimiter (regex). Identical strategies reuse existing spans."),
			mcp.WithTitleAnnotation("Chunk Document"),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("doc_id", mcp.Required()),
			mcp.WithObject("strategy",
				mcp.Required(),
				mcp.Description(`{"type": "fixed"|"lines"|"delimiter", "chunk_size"?, "line_count"?, "overlap"?, "delimiter"?, "max_chunks"?}`),
			),
		),
		handle(e.ChunkCreate),
	)

	srv.AddTool(
		mcp.NewTool("rlm.span.get",
			mcp.WithDescription("Materialize span contents in request order, up to the session's response cap. The span crossing the cap is truncated and later spans are dropped."),
			mcp.WithTitleAnnotation("Get Spans"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithArray("span_ids",
				mcp.Required(),
				mcp.Items(map[string]any{"type": "string"}),
			),
		),
		handle(e.SpanGet),
	)

	srv.AddTool(
		mcp.NewTool("rlm.search.query",
			mcp.WithDescription("Search the session's documents. Methods: bm25 (ranked, builds a lazy index), regex (case-insensitive), literal (case-insensitive substring). Each match carries a context window with highlight offsets."),
			mcp.WithTitleAnnotation("Search Documents"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("query", mcp.Required()),
			mcp.WithString("method", mcp.Description("bm25 (default), regex, or literal")),
			mcp.WithArray("doc_ids",
				mcp.Description("Restrict the search to these documents"),
				mcp.Items(map[string]any{"type": "string"}),
			),
			mcp.WithNumber("limit", mcp.Description("Max matches (default 10)")),
			mcp.WithNumber("context_chars", mcp.Description("Context window size per match (default 200)")),
		),
		handle(e.SearchQuery),
	)

	srv.AddTool(
		mcp.NewTool("rlm.artifact.store",
			mcp.WithDescription("Store a derived artifact (summary, extraction, analysis). Bind it to an existing span via span_id, to a fresh range via span, or to the session when both are omitted."),
			mcp.WithTitleAnnotation("Store Artifact"),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("type", mcp.Required(), mcp.Description("Caller-defined artifact type, e.g. summary")),
			mcp.WithObject("content", mcp.Required(), mcp.Description("Arbitrary JSON payload")),
			mcp.WithString("span_id", mcp.Description("Existing span to bind to")),
			mcp.WithObject("span", mcp.Description(`Fresh range to bind to: {"doc_id", "start", "end"}`)),
			mcp.WithObject("provenance", mcp.Description(`{"model"?, "prompt_hash"?, "tool"?}`)),
		),
		handle(e.ArtifactStore),
	)

	srv.AddTool(
		mcp.NewTool("rlm.artifact.list",
			mcp.WithDescription("List a session's artifact metadata, optionally filtered by span or type."),
			mcp.WithTitleAnnotation("List Artifacts"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("span_id"),
			mcp.WithString("type"),
		),
		handle(e.ArtifactList),
	)

	srv.AddTool(
		mcp.NewTool("rlm.artifact.get",
			mcp.WithDescription("Fetch one artifact's full payload, with its bound span range resolved inline."),
			mcp.WithTitleAnnotation("Get Artifact"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("artifact_id", mcp.Required()),
		),
		handle(e.ArtifactGet),
	)

	srv.AddTool(
		mcp.NewTool("rlm.export.github",
			mcp.WithDescription("Export the session bundle (manifest, artifacts, trace log, optionally documents) to a dedicated branch of a GitHub repository. Detected secrets block the export unless redact or allow_secrets is set."),
			mcp.WithTitleAnnotation("Export to GitHub"),
			mcp.WithString("session_id", mcp.Required()),
			mcp.WithString("repo", mcp.Required(), mcp.Description("owner/repo or a github.com URL")),
			mcp.WithString("branch", mcp.Description("Target branch (default: rlm/session/<timestamp>-<id>)")),
			mcp.WithString("path", mcp.Description("In-repo directory (default: .rlm/sessions/<timestamp>_<id>)")),
			mcp.WithBoolean("include_docs", mcp.Description("Include raw document contents")),
			mcp.WithBoolean("redact", mcp.Description("Redact detected secrets instead of blocking")),
			mcp.WithBoolean("allow_secrets", mcp.Description("Export despite detected secrets, with warnings")),
		),
		handle(e.ExportGitHub),
	)
}
