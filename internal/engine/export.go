package engine

import (
	"context"
	"time"

	"github.com/recursivelm/rlm-mcp/internal/export"
	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
	"github.com/recursivelm/rlm-mcp/internal/store"
	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// ExportGitHubRequest pushes a session bundle to a GitHub repository.
type ExportGitHubRequest struct {
	SessionID    string `json:"session_id"`
	Repo         string `json:"repo"`
	Branch       string `json:"branch,omitempty"`
	Path         string `json:"path,omitempty"`
	IncludeDocs  bool   `json:"include_docs,omitempty"`
	Redact       bool   `json:"redact,omitempty"`
	AllowSecrets bool   `json:"allow_secrets,omitempty"`
}

// ExportGitHub assembles the session bundle and uploads it to a dedicated
// branch. The repository's default branch is never written to. Detected
// secrets block the export unless the caller opts into redaction or
// explicitly allows them.
func (e *Engine) ExportGitHub(ctx context.Context, req ExportGitHubRequest) (*models.ExportResult, error) {
	result, err := e.run(ctx, "rlm.export.github", req.SessionID, req, false,
		func(ctx context.Context, session *models.Session) (any, error) {
			if req.Repo == "" {
				return nil, rlmerr.New(rlmerr.InvalidArgument, "repo must not be empty")
			}
			if _, _, err := export.ParseRepo(req.Repo); err != nil {
				return nil, err
			}

			docs, err := e.store.ListDocuments(ctx, session.ID, e.cfg.IndexBuildLimit, 0)
			if err != nil {
				return nil, err
			}
			artifacts, err := e.store.ListArtifacts(ctx, session.ID, store.ArtifactFilter{})
			if err != nil {
				return nil, err
			}
			traces, err := e.store.ListTraces(ctx, session.ID)
			if err != nil {
				return nil, err
			}

			var docContents map[string]string
			if req.IncludeDocs {
				docContents = make(map[string]string, len(docs))
				for _, doc := range docs {
					content, err := e.blobs.Get(doc.ContentHash)
					if err != nil {
						return nil, err
					}
					docContents[doc.ContentHash] = content
				}
			}

			now := time.Now().UTC()
			branch := req.Branch
			if branch == "" {
				branch = export.DefaultBranch(session.ID, now)
			}
			basePath := req.Path
			if basePath == "" {
				basePath = export.DefaultPath(session.ID, now)
			}

			bundle, err := export.Build(export.BundleInput{
				Session:     session,
				Documents:   docs,
				Artifacts:   artifacts,
				Traces:      traces,
				DocContents: docContents,
				BasePath:    basePath,
				IncludeDocs: req.IncludeDocs,
				Redact:      req.Redact,
			})
			if err != nil {
				return nil, err
			}

			if bundle.SecretsFound > 0 && !req.Redact && !req.AllowSecrets {
				return nil, rlmerr.New(rlmerr.SecretsBlocked,
					"%d potential secrets detected; retry with redact or allow_secrets", bundle.SecretsFound)
			}

			uploader := e.uploader
			if uploader == nil {
				uploader, err = export.NewGitHubUploader(ctx, e.cfg.GitHubToken)
				if err != nil {
					return nil, err
				}
			}
			commitSHA, err := uploader.Upload(ctx, req.Repo, branch, bundle.Files)
			if err != nil {
				return nil, rlmerr.Wrap(rlmerr.PersistenceFailed, err, "uploading bundle")
			}

			if err := e.store.UpdateSessionStatus(ctx, session.ID, models.SessionExported, session.ClosedAt); err != nil {
				e.logger.Error(ctx, "marking session exported failed", "error", err)
			}
			e.logger.Info(ctx, "session exported",
				"repo", req.Repo, "branch", branch, "files", len(bundle.Files))

			return &models.ExportResult{
				Branch:        branch,
				CommitSHA:     commitSHA,
				ExportPath:    basePath,
				FilesExported: len(bundle.Files),
				Warnings:      bundle.Warnings,
				SecretsFound:  bundle.SecretsFound,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*models.ExportResult), nil
}
