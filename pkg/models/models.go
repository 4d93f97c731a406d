// Package models provides domain types for the rlm-mcp session server.
//
// Identifier semantics:
//   - Session, document, span, artifact and trace ids are session-scoped
//     stable UUID strings generated at creation.
//   - ContentHash is the 64-hex-character SHA-256 of the UTF-8 bytes of the
//     content. It is global and is the only cross-session dedup key.
//
// All character offsets in this package count Unicode code points (Go runes).
// The blob store, chunker and span hashing share this convention so that span
// offsets round-trip exactly.
package models

import (
	"time"

	"github.com/google/uuid"
)

// GenerateID returns a new session-scoped identifier.
func GenerateID() string {
	return uuid.NewString()
}

// EstimateTokens estimates token count from a character count using the
// ~4 chars/token heuristic. A non-nil hint from the client wins. The result
// is advisory, never authoritative.
func EstimateTokens(chars int, hint *int) int {
	if hint != nil {
		return *hint
	}
	return (chars + 3) / 4
}

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExported  SessionStatus = "exported"
)

// ModelHints is advisory metadata for client subcall decisions.
type ModelHints struct {
	RootModel    string `json:"root_model,omitempty" yaml:"root_model,omitempty"`
	SubcallModel string `json:"subcall_model,omitempty" yaml:"subcall_model,omitempty"`
	BulkModel    string `json:"bulk_model,omitempty" yaml:"bulk_model,omitempty"`
}

// SessionConfig carries per-session budgets and response caps.
type SessionConfig struct {
	MaxToolCalls        int         `json:"max_tool_calls"`
	MaxCharsPerResponse int         `json:"max_chars_per_response"`
	MaxCharsPerPeek     int         `json:"max_chars_per_peek"`
	ChunkCacheEnabled   bool        `json:"chunk_cache_enabled"`
	ModelHints          *ModelHints `json:"model_hints,omitempty"`
}

// DefaultSessionConfig returns the server defaults for a new session.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxToolCalls:        500,
		MaxCharsPerResponse: 50_000,
		MaxCharsPerPeek:     10_000,
		ChunkCacheEnabled:   true,
	}
}

// Session is a bounded workspace with a budget, caps, a document set,
// derived spans, derived artifacts, and a trace log.
type Session struct {
	ID            string        `json:"session_id"`
	Name          string        `json:"name,omitempty"`
	Status        SessionStatus `json:"status"`
	Config        SessionConfig `json:"config"`
	CreatedAt     time.Time     `json:"created_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	ToolCallsUsed int           `json:"tool_calls_used"`
}

// SourceType enumerates the accepted docs.load source kinds.
type SourceType string

const (
	SourceInline    SourceType = "inline"
	SourceFile      SourceType = "file"
	SourceGlob      SourceType = "glob"
	SourceDirectory SourceType = "directory"
	SourceURL       SourceType = "url"
)

// DocumentSource describes where a document's content came from.
type DocumentSource struct {
	Type SourceType `json:"type"`
	Path string     `json:"path,omitempty"`
	URL  string     `json:"url,omitempty"`
}

// Label returns a human-readable origin for listings.
func (s DocumentSource) Label() string {
	switch {
	case s.Path != "":
		return s.Path
	case s.URL != "":
		return s.URL
	default:
		return string(SourceInline)
	}
}

// Document is an immutable record of content loaded into a session.
// The content itself lives in the blob store under ContentHash.
type Document struct {
	ID              string         `json:"doc_id"`
	SessionID       string         `json:"session_id"`
	ContentHash     string         `json:"content_hash"`
	Source          DocumentSource `json:"source"`
	LengthChars     int            `json:"length_chars"`
	LengthTokensEst int            `json:"length_tokens_est"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// StrategyType enumerates the chunking strategies.
type StrategyType string

const (
	StrategyFixed     StrategyType = "fixed"
	StrategyLines     StrategyType = "lines"
	StrategyDelimiter StrategyType = "delimiter"
	// StrategyManual marks spans created implicitly by artifact.store
	// span references rather than by a chunking pass.
	StrategyManual StrategyType = "manual"
)

// ChunkStrategy is the persisted descriptor of how a span set was produced.
// Chunk reuse is detected by exact equality of descriptors.
type ChunkStrategy struct {
	Type      StrategyType `json:"type"`
	ChunkSize int          `json:"chunk_size,omitempty"`
	LineCount int          `json:"line_count,omitempty"`
	Overlap   int          `json:"overlap,omitempty"`
	Delimiter string       `json:"delimiter,omitempty"`
	MaxChunks int          `json:"max_chunks,omitempty"`
}

// Equal reports whether two strategy descriptors are identical.
func (c ChunkStrategy) Equal(other ChunkStrategy) bool {
	return c == other
}

// SpanRef is a half-open [Start, End) character range inside one document.
type SpanRef struct {
	DocID string `json:"doc_id"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Span is a persisted document range with its own content hash and the
// strategy descriptor that produced it.
type Span struct {
	ID          string        `json:"span_id"`
	DocumentID  string        `json:"document_id"`
	StartOffset int           `json:"start_offset"`
	EndOffset   int           `json:"end_offset"`
	ContentHash string        `json:"content_hash"`
	Strategy    ChunkStrategy `json:"strategy"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Ref converts the span to a SpanRef.
func (s Span) Ref() SpanRef {
	return SpanRef{DocID: s.DocumentID, Start: s.StartOffset, End: s.EndOffset}
}

// ArtifactProvenance records how an artifact was derived.
type ArtifactProvenance struct {
	Model      string    `json:"model,omitempty"`
	PromptHash string    `json:"prompt_hash,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Artifact is a derived, structured record optionally bound to a span.
// An artifact with an empty SpanID is session-level.
type Artifact struct {
	ID         string              `json:"artifact_id"`
	SessionID  string              `json:"session_id"`
	SpanID     string              `json:"span_id,omitempty"`
	Type       string              `json:"type"`
	Content    map[string]any      `json:"content"`
	Provenance *ArtifactProvenance `json:"provenance,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// TraceEntry is the append-only record of one tool call.
type TraceEntry struct {
	ID             string         `json:"trace_id"`
	SessionID      string         `json:"session_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Operation      string         `json:"operation"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output"`
	DurationMS     int64          `json:"duration_ms"`
	ClientReported map[string]any `json:"client_reported,omitempty"`
}

// SessionSummary is returned on session close.
type SessionSummary struct {
	Documents int `json:"documents"`
	Spans     int `json:"spans"`
	Artifacts int `json:"artifacts"`
	ToolCalls int `json:"tool_calls"`
}

// SearchMatch is one search hit with its context window.
// HighlightStart and HighlightEnd are offsets into Context and always
// satisfy 0 <= HighlightStart <= HighlightEnd <= len([]rune(Context)).
type SearchMatch struct {
	DocID          string  `json:"doc_id"`
	Span           SpanRef `json:"span"`
	SpanID         string  `json:"span_id,omitempty"`
	Score          float64 `json:"score"`
	Context        string  `json:"context"`
	HighlightStart int     `json:"highlight_start"`
	HighlightEnd   int     `json:"highlight_end"`
}

// ExportResult is returned by export.github.
type ExportResult struct {
	Branch        string   `json:"branch"`
	CommitSHA     string   `json:"commit_sha"`
	ExportPath    string   `json:"export_path"`
	FilesExported int      `json:"files_exported"`
	Warnings      []string `json:"warnings"`
	SecretsFound  int      `json:"secrets_found"`
}
