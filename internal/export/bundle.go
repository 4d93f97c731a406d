package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// ManifestVersion is the export bundle format version.
const ManifestVersion = "0.1"

// File is one file in an export bundle.
type File struct {
	Path    string
	Content string
}

// Bundle is the assembled set of files for one session export.
type Bundle struct {
	Files        []File
	Warnings     []string
	SecretsFound int
}

// BundleInput carries everything needed to assemble an export bundle.
type BundleInput struct {
	Session   *models.Session
	Documents []*models.Document
	Artifacts []*models.Artifact
	Traces    []*models.TraceEntry

	// DocContents maps content_hash to content; only consulted when
	// IncludeDocs is set.
	DocContents map[string]string

	// BasePath is the directory inside the repository that receives the
	// bundle, e.g. ".rlm/sessions/20260825T120000Z_1a2b3c4d".
	BasePath string

	IncludeDocs bool
	Redact      bool
}

// DefaultBranch returns the branch name for a session export at ts.
func DefaultBranch(sessionID string, ts time.Time) string {
	return fmt.Sprintf("rlm/session/%s-%s", ts.UTC().Format("20060102T150405Z"), shortID(sessionID))
}

// DefaultPath returns the in-repo export directory for a session at ts.
func DefaultPath(sessionID string, ts time.Time) string {
	return fmt.Sprintf(".rlm/sessions/%s_%s", ts.UTC().Format("20060102T150405Z"), shortID(sessionID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Build assembles the bundle: manifest.json, one JSON file per artifact,
// the trace log as JSONL, and optionally document metadata plus raw
// content. With Redact set, artifact and trace payloads are scrubbed;
// otherwise findings only produce warnings and a count for the caller's
// secret policy.
func Build(in BundleInput) (*Bundle, error) {
	bundle := &Bundle{}

	manifest := map[string]any{
		"version":     ManifestVersion,
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"session": map[string]any{
			"id":         in.Session.ID,
			"name":       in.Session.Name,
			"config":     in.Session.Config,
			"created_at": in.Session.CreatedAt.UTC().Format(time.RFC3339),
			"closed_at":  closedAt(in.Session),
		},
		"documents": manifestDocs(in.Documents, in.IncludeDocs),
		"artifacts": manifestArtifacts(in.Artifacts),
		"traces": map[string]any{
			"file":  "traces/trace.jsonl",
			"count": len(in.Traces),
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	bundle.Files = append(bundle.Files, File{
		Path:    in.BasePath + "/manifest.json",
		Content: string(manifestJSON),
	})

	for _, artifact := range in.Artifacts {
		payload := map[string]any{
			"artifact_id": artifact.ID,
			"span_id":     artifact.SpanID,
			"type":        artifact.Type,
			"content":     artifact.Content,
			"provenance":  artifact.Provenance,
			"created_at":  artifact.CreatedAt.UTC().Format(time.RFC3339),
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding artifact %s: %w", artifact.ID, err)
		}
		content := string(data)
		if in.Redact {
			redacted, n := Redact(content)
			content = redacted
			bundle.SecretsFound += n
		} else if findings := ScanForSecrets(content); len(findings) > 0 {
			bundle.SecretsFound += len(findings)
			bundle.Warnings = append(bundle.Warnings,
				fmt.Sprintf("Artifact %s contains %d potential secrets", artifact.ID, len(findings)))
		}
		bundle.Files = append(bundle.Files, File{
			Path:    fmt.Sprintf("%s/artifacts/%s.json", in.BasePath, artifact.ID),
			Content: content,
		})
	}

	var traceLines []string
	for _, trace := range in.Traces {
		line, err := json.Marshal(map[string]any{
			"ts":  trace.Timestamp.UTC().Format(time.RFC3339Nano),
			"op":  trace.Operation,
			"in":  trace.Input,
			"out": trace.Output,
			"ms":  trace.DurationMS,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding trace %s: %w", trace.ID, err)
		}
		text := string(line)
		if in.Redact {
			redacted, n := Redact(text)
			text = redacted
			bundle.SecretsFound += n
		} else if findings := ScanForSecrets(text); len(findings) > 0 {
			bundle.SecretsFound += len(findings)
			bundle.Warnings = append(bundle.Warnings,
				fmt.Sprintf("Trace %s contains %d potential secrets", trace.ID, len(findings)))
		}
		traceLines = append(traceLines, text)
	}
	bundle.Files = append(bundle.Files, File{
		Path:    in.BasePath + "/traces/trace.jsonl",
		Content: strings.Join(traceLines, "\n"),
	})

	if in.IncludeDocs {
		for _, doc := range in.Documents {
			meta, err := json.MarshalIndent(map[string]any{
				"doc_id":       doc.ID,
				"content_hash": doc.ContentHash,
				"source":       doc.Source,
				"length_chars": doc.LengthChars,
				"metadata":     doc.Metadata,
			}, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encoding document %s: %w", doc.ID, err)
			}
			bundle.Files = append(bundle.Files, File{
				Path:    fmt.Sprintf("%s/docs/%s.meta.json", in.BasePath, doc.ID),
				Content: string(meta),
			})
			if content, ok := in.DocContents[doc.ContentHash]; ok {
				bundle.Files = append(bundle.Files, File{
					Path:    fmt.Sprintf("%s/docs/%s.txt", in.BasePath, doc.ID),
					Content: content,
				})
			}
		}
	}

	return bundle, nil
}

func closedAt(session *models.Session) any {
	if session.ClosedAt == nil {
		return nil
	}
	return session.ClosedAt.UTC().Format(time.RFC3339)
}

func manifestDocs(docs []*models.Document, included bool) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, map[string]any{
			"doc_id":       doc.ID,
			"content_hash": doc.ContentHash,
			"source":       doc.Source,
			"length_chars": doc.LengthChars,
			"included":     included,
		})
	}
	return out
}

func manifestArtifacts(artifacts []*models.Artifact) []map[string]any {
	out := make([]map[string]any, 0, len(artifacts))
	for _, artifact := range artifacts {
		out = append(out, map[string]any{
			"artifact_id": artifact.ID,
			"file":        fmt.Sprintf("artifacts/%s.json", artifact.ID),
		})
	}
	return out
}
