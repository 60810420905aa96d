package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/contestproctor/engine/internal/model"
)

// SourceClient fetches commit history and file trees from a remote
// source-control host for the Sync Scheduler's monitorRepository step
// (§4.6). No HTTP client library is grounded anywhere in the pack for a
// REST API shaped like this; stdlib net/http is used directly, following
// the same bare http.Client-with-timeout shape internal/sop/proxy.go uses
// for its own outbound calls.
type SourceClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewSourceClient builds a client against baseURL (e.g. a GitHub-compatible
// REST API root), authenticating with token when non-empty.
func NewSourceClient(baseURL, token string, timeout time.Duration) *SourceClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SourceClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type commitSummary struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

type commitDetail struct {
	Stats struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats"`
	Files []struct {
		Filename string `json:"filename"`
	} `json:"files"`
}

type repoFileEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int    `json:"size"`
}

// ListCommitsSince returns commits newer than sinceSHA (the record's
// lastProcessedCommitId), oldest-first. An empty sinceSHA returns every
// commit in the listing. Walking stops as soon as sinceSHA is seen in the
// remote listing, bounding the window to only-new commits (§4.6). Only the
// first page of the listing (up to 100 commits) is read; older commits are
// not fetched.
func (c *SourceClient) ListCommitsSince(ctx context.Context, owner, repo, branch, sinceSHA string) ([]model.Commit, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits?sha=%s&per_page=100", c.baseURL, owner, repo, branch)
	var summaries []commitSummary
	if err := c.getJSON(ctx, url, &summaries); err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}

	// The remote API returns newest-first; collect until sinceSHA, then
	// reverse to produce the oldest-to-newest order C2 requires.
	collected := make([]commitSummary, 0, len(summaries))
	for _, s := range summaries {
		if sinceSHA != "" && s.SHA == sinceSHA {
			break
		}
		collected = append(collected, s)
	}

	commits := make([]model.Commit, 0, len(collected))
	for i := len(collected) - 1; i >= 0; i-- {
		s := collected[i]
		detail, err := c.getCommitDetail(ctx, owner, repo, s.SHA)
		if err != nil {
			return nil, fmt.Errorf("fetch commit %s: %w", s.SHA, err)
		}
		commits = append(commits, model.Commit{
			ID:           s.SHA,
			Message:      s.Commit.Message,
			TimestampMs:  s.Commit.Author.Date.UnixMilli(),
			Additions:    detail.Stats.Additions,
			Deletions:    detail.Stats.Deletions,
			FilesChanged: len(detail.Files),
		})
	}
	return commits, nil
}

// CheckRepoAccessible verifies the remote repository exists and is
// reachable with the configured credentials (§6's POST /source/register).
func (c *SourceClient) CheckRepoAccessible(ctx context.Context, owner, repo string) error {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	return c.getJSON(ctx, url, &out)
}

// DefaultBranch fetches the repository's default branch name, falling
// back to "main" when the remote does not report one.
func (c *SourceClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.getJSON(ctx, url, &out); err != nil {
		return "", err
	}
	if out.DefaultBranch == "" {
		return "main", nil
	}
	return out.DefaultBranch, nil
}

func (c *SourceClient) getCommitDetail(ctx context.Context, owner, repo, sha string) (*commitDetail, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.baseURL, owner, repo, sha)
	var detail commitDetail
	if err := c.getJSON(ctx, url, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FetchFiles walks the repository tree at branch and returns every blob's
// (path, content) pair, for the cross-repository scan (§4.1, §4.6). Large
// or generated-looking paths are still fetched here; C1's eligible() check
// applies the size cap and skip list at scan time.
func (c *SourceClient) FetchFiles(ctx context.Context, owner, repo, branch string) ([]model.RepoFile, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", c.baseURL, owner, repo, branch)
	var tree struct {
		Entries []repoFileEntry `json:"tree"`
	}
	if err := c.getJSON(ctx, url, &tree); err != nil {
		return nil, fmt.Errorf("fetch tree: %w", err)
	}

	files := make([]model.RepoFile, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.Type != "blob" {
			continue
		}
		content, err := c.fetchBlob(ctx, owner, repo, e.SHA)
		if err != nil {
			continue
		}
		files = append(files, model.RepoFile{Path: e.Path, Content: content})
	}
	return files, nil
}

func (c *SourceClient) fetchBlob(ctx context.Context, owner, repo, sha string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/blobs/%s", c.baseURL, owner, repo, sha)
	var blob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.getJSON(ctx, url, &blob); err != nil {
		return "", err
	}
	if blob.Encoding != "base64" {
		return blob.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(blob.Content)
	if err != nil {
		return "", fmt.Errorf("decode blob %s: %w", sha, err)
	}
	return string(decoded), nil
}

func (c *SourceClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("remote source API returned %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
