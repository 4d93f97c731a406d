// Package store implements the SQLite metadata store.
//
// Only metadata lives here: sessions, document records, spans, artifacts and
// the trace log. Document content is in the blob store, keyed by
// content_hash. The driver is the pure-Go modernc.org/sqlite, so the binary
// needs no cgo and the database is a single file under the data directory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer keeps the RETURNING-based counters serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for migration status commands.
func (s *Store) DB() *sql.DB { return s.db }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling json: %w", err)
	}
	return string(data), nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- Sessions ---

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	config, err := marshalJSON(session.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, status, config, created_at, tool_calls_used)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, nullString(session.Name), string(session.Status), config,
		formatTime(session.CreatedAt), session.ToolCallsUsed,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, config, created_at, closed_at, tool_calls_used
		FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var (
		session   models.Session
		name      sql.NullString
		status    string
		config    string
		createdAt string
		closedAt  sql.NullString
	)
	err := row.Scan(&session.ID, &name, &status, &config, &createdAt, &closedAt, &session.ToolCallsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rlmerr.New(rlmerr.SessionNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	session.Name = name.String
	session.Status = models.SessionStatus(status)
	if err := json.Unmarshal([]byte(config), &session.Config); err != nil {
		return nil, fmt.Errorf("decoding session config: %w", err)
	}
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, err
		}
		session.ClosedAt = &t
	}
	return &session, nil
}

// UpdateSessionStatus sets a session's status and closed_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, closedAt *time.Time) error {
	var closed any
	if closedAt != nil {
		closed = formatTime(*closedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ? WHERE id = ?`,
		string(status), closed, sessionID)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n == 0 {
		return rlmerr.New(rlmerr.SessionNotFound, "session not found")
	}
	return nil
}

// IncrementToolCalls unconditionally increments the session's counter and
// returns the new value.
func (s *Store) IncrementToolCalls(ctx context.Context, sessionID string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET tool_calls_used = tool_calls_used + 1
		WHERE id = ? RETURNING tool_calls_used`, sessionID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, rlmerr.New(rlmerr.SessionNotFound, "session not found")
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing tool calls: %w", err)
	}
	return used, nil
}

// TryIncrementToolCalls increments the counter only while it is below max.
// The conditional UPDATE is a single statement, so two concurrent calls with
// one slot left can never both succeed. Returns the new count and whether
// the increment happened.
func (s *Store) TryIncrementToolCalls(ctx context.Context, sessionID string, max int) (int, bool, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET tool_calls_used = tool_calls_used + 1
		WHERE id = ? AND tool_calls_used < ? RETURNING tool_calls_used`,
		sessionID, max).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the session is gone or the budget is spent.
		session, gerr := s.GetSession(ctx, sessionID)
		if gerr != nil {
			return 0, false, gerr
		}
		return session.ToolCallsUsed, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("incrementing tool calls: %w", err)
	}
	return used, true, nil
}

// --- Documents ---

// CreateDocument inserts a single document record.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	return s.CreateDocumentsBatch(ctx, []*models.Document{doc})
}

// CreateDocumentsBatch inserts all records in one transaction so a failed
// load never leaves a partial batch behind.
func (s *Store) CreateDocumentsBatch(ctx context.Context, docs []*models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin document batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, session_id, content_hash, source, length_chars,
		                       length_tokens_est, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare document insert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		source, err := marshalJSON(doc.Source)
		if err != nil {
			return err
		}
		var metadata any
		if len(doc.Metadata) > 0 {
			if metadata, err = marshalJSON(doc.Metadata); err != nil {
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx,
			doc.ID, doc.SessionID, doc.ContentHash, source,
			doc.LengthChars, doc.LengthTokensEst, metadata, formatTime(doc.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting document %s: %w", doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document batch: %w", err)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, docID string) (*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content_hash, source, length_chars,
		       length_tokens_est, metadata, created_at
		FROM documents WHERE id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying document: %w", err)
		}
		return nil, rlmerr.New(rlmerr.DocumentNotFound, "document not found")
	}
	return scanDocument(rows)
}

// ListDocuments returns the session's documents in creation order.
func (s *Store) ListDocuments(ctx context.Context, sessionID string, limit, offset int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content_hash, source, length_chars,
		       length_tokens_est, metadata, created_at
		FROM documents WHERE session_id = ?
		ORDER BY created_at, id LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	return docs, nil
}

func scanDocument(rows *sql.Rows) (*models.Document, error) {
	var (
		doc       models.Document
		source    string
		metadata  sql.NullString
		createdAt string
	)
	if err := rows.Scan(&doc.ID, &doc.SessionID, &doc.ContentHash, &source,
		&doc.LengthChars, &doc.LengthTokensEst, &metadata, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	if err := json.Unmarshal([]byte(source), &doc.Source); err != nil {
		return nil, fmt.Errorf("decoding document source: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decoding document metadata: %w", err)
		}
	}
	var err error
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DocumentFingerprint is the (doc id, content hash) pair fed into index
// staleness checks.
type DocumentFingerprint struct {
	DocID       string
	ContentHash string
}

// GetDocumentFingerprints returns every document's (id, content_hash) pair
// for the session, in creation order. Unlike ListDocuments this is
// unbounded: staleness detection must see the whole document set.
func (s *Store) GetDocumentFingerprints(ctx context.Context, sessionID string) ([]DocumentFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_hash FROM documents
		WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying document fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []DocumentFingerprint
	for rows.Next() {
		var fp DocumentFingerprint
		if err := rows.Scan(&fp.DocID, &fp.ContentHash); err != nil {
			return nil, fmt.Errorf("scanning document fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying document fingerprints: %w", err)
	}
	return fps, nil
}

// CountDocuments counts the session's documents.
func (s *Store) CountDocuments(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// SessionStats aggregates total characters and estimated tokens over the
// session's documents.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (totalChars, totalTokensEst int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(length_chars), 0), COALESCE(SUM(length_tokens_est), 0)
		FROM documents WHERE session_id = ?`, sessionID).Scan(&totalChars, &totalTokensEst)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregating session stats: %w", err)
	}
	return totalChars, totalTokensEst, nil
}

// --- Spans ---

// CreateSpan inserts a single span.
func (s *Store) CreateSpan(ctx context.Context, span *models.Span) error {
	return s.CreateSpansBatch(ctx, []*models.Span{span})
}

// CreateSpansBatch inserts all spans in one transaction.
func (s *Store) CreateSpansBatch(ctx context.Context, spans []*models.Span) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin span batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spans (id, document_id, start_offset, end_offset, content_hash, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		strategy, err := marshalJSON(span.Strategy)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			span.ID, span.DocumentID, span.StartOffset, span.EndOffset,
			span.ContentHash, strategy, formatTime(span.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting span %s: %w", span.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit span batch: %w", err)
	}
	return nil
}

// GetSpan fetches a span by id.
func (s *Store) GetSpan(ctx context.Context, spanID string) (*models.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, start_offset, end_offset, content_hash, strategy, created_at
		FROM spans WHERE id = ?`, spanID)
	if err != nil {
		return nil, fmt.Errorf("querying span: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying span: %w", err)
		}
		return nil, rlmerr.New(rlmerr.SpanNotFound, "span not found")
	}
	return scanSpan(rows)
}

// SpansByDocument returns a document's spans ordered by start offset.
func (s *Store) SpansByDocument(ctx context.Context, docID string) ([]*models.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, start_offset, end_offset, content_hash, strategy, created_at
		FROM spans WHERE document_id = ? ORDER BY start_offset, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	defer rows.Close()

	var spans []*models.Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	return spans, nil
}

func scanSpan(rows *sql.Rows) (*models.Span, error) {
	var (
		span      models.Span
		strategy  string
		createdAt string
	)
	if err := rows.Scan(&span.ID, &span.DocumentID, &span.StartOffset, &span.EndOffset,
		&span.ContentHash, &strategy, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning span: %w", err)
	}
	if err := json.Unmarshal([]byte(strategy), &span.Strategy); err != nil {
		return nil, fmt.Errorf("decoding span strategy: %w", err)
	}
	var err error
	if span.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &span, nil
}

// CountSpans counts all spans belonging to the session's documents.
func (s *Store) CountSpans(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM spans sp
		JOIN documents d ON sp.document_id = d.id
		WHERE d.session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting spans: %w", err)
	}
	return n, nil
}

// CountSpansForDocument counts one document's spans.
func (s *Store) CountSpansForDocument(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spans WHERE document_id = ?`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting spans: %w", err)
	}
	return n, nil
}

// --- Artifacts ---

// CreateArtifact inserts a new artifact.
func (s *Store) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	content, err := marshalJSON(artifact.Content)
	if err != nil {
		return err
	}
	var provenance any
	if artifact.Provenance != nil {
		if provenance, err = marshalJSON(artifact.Provenance); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, session_id, span_id, type, content, provenance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.SessionID, nullString(artifact.SpanID),
		artifact.Type, content, provenance, formatTime(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, span_id, type, content, provenance, created_at
		FROM artifacts WHERE id = ?`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying artifact: %w", err)
		}
		return nil, rlmerr.New(rlmerr.ArtifactNotFound, "artifact not found")
	}
	return scanArtifact(rows)
}

// ArtifactFilter narrows ListArtifacts. Zero values mean no filter.
type ArtifactFilter struct {
	SpanID string
	Type   string
}

// ListArtifacts returns the session's artifacts in creation order,
// optionally filtered by span or type.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string, filter ArtifactFilter) ([]*models.Artifact, error) {
	query := `SELECT id, session_id, span_id, type, content, provenance, created_at
		FROM artifacts WHERE session_id = ?`
	args := []any{sessionID}
	if filter.SpanID != "" {
		query += ` AND span_id = ?`
		args = append(args, filter.SpanID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	return artifacts, nil
}

// CountArtifacts counts the session's artifacts.
func (s *Store) CountArtifacts(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting artifacts: %w", err)
	}
	return n, nil
}

func scanArtifact(rows *sql.Rows) (*models.Artifact, error) {
	var (
		artifact   models.Artifact
		spanID     sql.NullString
		content    string
		provenance sql.NullString
		createdAt  string
	)
	if err := rows.Scan(&artifact.ID, &artifact.SessionID, &spanID, &artifact.Type,
		&content, &provenance, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning artifact: %w", err)
	}
	artifact.SpanID = spanID.String
	if err := json.Unmarshal([]byte(content), &artifact.Content); err != nil {
		return nil, fmt.Errorf("decoding artifact content: %w", err)
	}
	if provenance.Valid && provenance.String != "" {
		artifact.Provenance = &models.ArtifactProvenance{}
		if err := json.Unmarshal([]byte(provenance.String), artifact.Provenance); err != nil {
			return nil, fmt.Errorf("decoding artifact provenance: %w", err)
		}
	}
	var err error
	if artifact.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// --- Traces ---

// AppendTrace inserts a trace entry.
func (s *Store) AppendTrace(ctx context.Context, trace *models.TraceEntry) error {
	input, err := marshalJSON(trace.Input)
	if err != nil {
		return err
	}
	output, err := marshalJSON(trace.Output)
	if err != nil {
		return err
	}
	var clientReported any
	if len(trace.ClientReported) > 0 {
		if clientReported, err = marshalJSON(trace.ClientReported); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (id, session_id, timestamp, operation, input, output, duration_ms, client_reported)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.SessionID, formatTime(trace.Timestamp), trace.Operation,
		input, output, trace.DurationMS, clientReported,
	)
	if err != nil {
		return fmt.Errorf("inserting trace: %w", err)
	}
	return nil
}

// ListTraces returns the session's trace entries in timestamp order.
func (s *Store) ListTraces(ctx context.Context, sessionID string) ([]*models.TraceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp, operation, input, output, duration_ms, client_reported
		FROM traces WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var traces []*models.TraceEntry
	for rows.Next() {
		var (
			trace          models.TraceEntry
			timestamp      string
			input          string
			output         string
			clientReported sql.NullString
		)
		if err := rows.Scan(&trace.ID, &trace.SessionID, &timestamp, &trace.Operation,
			&input, &output, &trace.DurationMS, &clientReported); err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		if trace.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(input), &trace.Input); err != nil {
			return nil, fmt.Errorf("decoding trace input: %w", err)
		}
		if err := json.Unmarshal([]byte(output), &trace.Output); err != nil {
			return nil, fmt.Errorf("decoding trace output: %w", err)
		}
		if clientReported.Valid && clientReported.String != "" {
			if err := json.Unmarshal([]byte(clientReported.String), &trace.ClientReported); err != nil {
				return nil, fmt.Errorf("decoding trace client_reported: %w", err)
			}
		}
		traces = append(traces, &trace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	return traces, nil
}
