package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/recursivelm/rlm-mcp/internal/rlmerr"
)

// Uploader pushes a bundle to a repository branch and returns the last
// commit SHA.
type Uploader interface {
	Upload(ctx context.Context, repo, branch string, files []File) (string, error)
}

// GitHubUploader implements Uploader against the GitHub contents API.
// The target branch is created from the repository's default branch when
// missing; the default branch itself is never written to.
type GitHubUploader struct {
	client  *http.Client
	baseURL string
}

// NewGitHubUploader builds an uploader authenticated with a static token.
func NewGitHubUploader(ctx context.Context, token string) (*GitHubUploader, error) {
	if token == "" {
		return nil, rlmerr.New(rlmerr.PersistenceFailed, "github token not configured")
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubUploader{
		client:  oauth2.NewClient(ctx, src),
		baseURL: "https://api.github.com",
	}, nil
}

// ParseRepo normalizes "owner/repo", with or without a github.com URL
// prefix or trailing .git.
func ParseRepo(repo string) (owner, name string, err error) {
	trimmed := strings.TrimSuffix(repo, ".git")
	for _, prefix := range []string{"https://github.com/", "http://github.com/", "git@github.com:"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", rlmerr.New(rlmerr.InvalidArgument, "invalid repo %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// Upload ensures the branch exists and writes each file via the contents
// API, creating or updating as needed.
func (u *GitHubUploader) Upload(ctx context.Context, repo, branch string, files []File) (string, error) {
	owner, name, err := ParseRepo(repo)
	if err != nil {
		return "", err
	}
	repoPath := fmt.Sprintf("%s/repos/%s/%s", u.baseURL, owner, name)

	var repoInfo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := u.getJSON(ctx, repoPath, &repoInfo); err != nil {
		return "", fmt.Errorf("fetching repository %s/%s: %w", owner, name, err)
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	refURL := fmt.Sprintf("%s/git/ref/heads/%s", repoPath, branch)
	if err := u.getJSON(ctx, refURL, &ref); err != nil {
		// Branch missing; fork it from the default branch head.
		defaultRefURL := fmt.Sprintf("%s/git/ref/heads/%s", repoPath, repoInfo.DefaultBranch)
		if err := u.getJSON(ctx, defaultRefURL, &ref); err != nil {
			return "", fmt.Errorf("fetching default branch %s: %w", repoInfo.DefaultBranch, err)
		}
		create := map[string]string{
			"ref": "refs/heads/" + branch,
			"sha": ref.Object.SHA,
		}
		if err := u.postJSON(ctx, repoPath+"/git/refs", create, nil); err != nil {
			return "", fmt.Errorf("creating branch %s: %w", branch, err)
		}
	}

	var commitSHA string
	for _, file := range files {
		contentsURL := fmt.Sprintf("%s/contents/%s", repoPath, file.Path)

		// An existing file needs its blob SHA to be updated in place.
		var existing struct {
			SHA string `json:"sha"`
		}
		existsErr := u.getJSON(ctx, contentsURL+"?ref="+branch, &existing)

		body := map[string]string{
			"message": "Add " + file.Path,
			"content": base64.StdEncoding.EncodeToString([]byte(file.Content)),
			"branch":  branch,
		}
		if existsErr == nil && existing.SHA != "" {
			body["message"] = "Update " + file.Path
			body["sha"] = existing.SHA
		}

		var result struct {
			Commit struct {
				SHA string `json:"sha"`
			} `json:"commit"`
		}
		if err := u.putJSON(ctx, contentsURL, body, &result); err != nil {
			return "", fmt.Errorf("writing %s: %w", file.Path, err)
		}
		if result.Commit.SHA != "" {
			commitSHA = result.Commit.SHA
		}
	}
	return commitSHA, nil
}

func (u *GitHubUploader) getJSON(ctx context.Context, url string, out any) error {
	return u.doJSON(ctx, http.MethodGet, url, nil, out)
}

func (u *GitHubUploader) postJSON(ctx context.Context, url string, in, out any) error {
	return u.doJSON(ctx, http.MethodPost, url, in, out)
}

func (u *GitHubUploader) putJSON(ctx context.Context, url string, in, out any) error {
	return u.doJSON(ctx, http.MethodPut, url, in, out)
}

func (u *GitHubUploader) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github %s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
