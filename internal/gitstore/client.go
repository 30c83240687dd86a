// Package gitstore adapts a GitHub repository as the artifact object store:
// repository-relative list/get/put/delete with per-file commit messages.
// Every operation records an entry on the activity channel.
package gitstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fathom/internal/activity"
)

// ErrNotConfigured is returned when owner, repo, or token is missing.
var ErrNotConfigured = errors.New("github storage not configured")

// ErrNotFound is returned for missing paths.
var ErrNotFound = errors.New("path not found in repository")

// APIError carries the upstream GitHub status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Status implements activity.StatusError.
func (e *APIError) Status() int { return e.StatusCode }

// Config identifies the backing repository.
type Config struct {
	Owner   string
	Repo    string
	Branch  string // defaults to "main"
	Token   string
	BaseURL string // defaults to the public GitHub API
}

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

// Client talks to one repository.
type Client struct {
	config     Config
	httpClient *http.Client
	activity   *activity.Channel
	logger     *zap.Logger
}

// New creates a client. The activity channel may be nil in contexts that do
// not surface an activity feed.
func New(config Config, httpClient *http.Client, act *activity.Channel, logger *zap.Logger) *Client {
	if config.Branch == "" {
		config.Branch = "main"
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{config: config, httpClient: httpClient, activity: act, logger: logger}
}

// Entry is one listing row.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // file|dir
	Size int64  `json:"size,omitempty"`
	SHA  string `json:"sha,omitempty"`
}

// Listing is the result of ListEntries.
type Listing struct {
	Path    string  `json:"path"`
	Ref     string  `json:"ref"`
	Entries []Entry `json:"entries"`
}

// File is a fetched file with decoded content.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Size    int64  `json:"size"`
	Ref     string `json:"ref"`
}

// UploadSummary describes one committed change.
type UploadSummary struct {
	Path      string `json:"path"`
	CommitURL string `json:"commitUrl,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// VerifyResult reports repository reachability.
type VerifyResult struct {
	OK     bool   `json:"ok"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

func (c *Client) configured() error {
	if c.config.Owner == "" || c.config.Repo == "" || c.config.Token == "" {
		return ErrNotConfigured
	}
	return nil
}

// Verify checks that the repository is reachable with the configured token.
func (c *Client) Verify(ctx context.Context) (VerifyResult, error) {
	if err := c.configured(); err != nil {
		return VerifyResult{}, err
	}
	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", c.config.Owner, c.config.Repo), nil, &repo)
	if err != nil {
		c.record(activity.LevelError, "verify", "GitHub repository verification failed", map[string]any{"error": err})
		return VerifyResult{}, err
	}
	branch := c.config.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	c.record(activity.LevelInfo, "verify", "GitHub repository verified", map[string]any{
		"owner": c.config.Owner, "repo": c.config.Repo, "branch": branch,
	})
	return VerifyResult{OK: true, Owner: c.config.Owner, Repo: c.config.Repo, Branch: branch}, nil
}

// ListEntries lists a directory at an optional ref.
func (c *Client) ListEntries(ctx context.Context, path, ref string) (Listing, error) {
	if err := c.configured(); err != nil {
		return Listing{}, err
	}
	if path != "" {
		if err := ValidatePath(path); err != nil {
			return Listing{}, err
		}
	}
	if ref == "" {
		ref = c.config.Branch
	}

	var rows []Entry
	err := c.do(ctx, http.MethodGet, c.contentsURL(path, ref), nil, &rows)
	if err != nil {
		c.record(activity.LevelError, "list", fmt.Sprintf("List %q failed", path), map[string]any{"path": path, "ref": ref, "error": err})
		return Listing{}, err
	}
	c.record(activity.LevelInfo, "list", fmt.Sprintf("Listed %q (%d entries)", path, len(rows)), map[string]any{
		"path": path, "ref": ref, "count": len(rows),
	})
	return Listing{Path: path, Ref: ref, Entries: rows}, nil
}

type contentsResponse struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// FetchFile downloads and decodes one file.
func (c *Client) FetchFile(ctx context.Context, path, ref string) (File, error) {
	if err := c.configured(); err != nil {
		return File{}, err
	}
	if err := ValidatePath(path); err != nil {
		return File{}, err
	}
	if ref == "" {
		ref = c.config.Branch
	}

	var resp contentsResponse
	if err := c.do(ctx, http.MethodGet, c.contentsURL(path, ref), nil, &resp); err != nil {
		c.record(activity.LevelError, "fetch", fmt.Sprintf("Fetch %q failed", path), map[string]any{"path": path, "ref": ref, "error": err})
		return File{}, err
	}
	content, err := decodeContent(resp)
	if err != nil {
		c.record(activity.LevelError, "fetch", fmt.Sprintf("Fetch %q returned undecodable content", path), map[string]any{"path": path, "error": err})
		return File{}, err
	}
	c.record(activity.LevelInfo, "fetch", fmt.Sprintf("Fetched %q (%d bytes)", path, resp.Size), map[string]any{
		"path": path, "ref": ref, "size": resp.Size,
	})
	return File{Path: resp.Path, Content: content, SHA: resp.SHA, Size: resp.Size, Ref: ref}, nil
}

func decodeContent(resp contentsResponse) (string, error) {
	if resp.Encoding != "base64" {
		return resp.Content, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode file content: %w", err)
	}
	return string(raw), nil
}

// UploadParams describes one put.
type UploadParams struct {
	Path    string
	Content string
	Message string
	Branch  string
}

// UploadFile creates or updates one file with its own commit.
func (c *Client) UploadFile(ctx context.Context, p UploadParams) (UploadSummary, error) {
	if err := c.configured(); err != nil {
		return UploadSummary{}, err
	}
	if err := ValidatePath(p.Path); err != nil {
		return UploadSummary{}, err
	}
	branch := p.Branch
	if branch == "" {
		branch = c.config.Branch
	}
	message := p.Message
	if message == "" {
		message = fmt.Sprintf("Update %s", p.Path)
	}

	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(p.Content)),
		"branch":  branch,
	}
	// Updates need the current blob SHA; a miss means this is a create.
	if sha, err := c.blobSHA(ctx, p.Path, branch); err == nil {
		body["sha"] = sha
	}

	var resp struct {
		Content *struct {
			Path    string `json:"path"`
			HTMLURL string `json:"html_url"`
		} `json:"content"`
		Commit struct {
			HTMLURL string `json:"html_url"`
		} `json:"commit"`
	}
	if err := c.do(ctx, http.MethodPut, c.contentsURL(p.Path, ""), body, &resp); err != nil {
		c.record(activity.LevelError, "upload", fmt.Sprintf("Upload %q failed", p.Path), map[string]any{"path": p.Path, "branch": branch, "error": err})
		return UploadSummary{}, err
	}

	summary := UploadSummary{Path: p.Path, CommitURL: resp.Commit.HTMLURL}
	if resp.Content != nil {
		summary.FileURL = resp.Content.HTMLURL
	}
	c.record(activity.LevelInfo, "upload", fmt.Sprintf("Uploaded %q", p.Path), map[string]any{
		"path": p.Path, "branch": branch, "commitUrl": summary.CommitURL,
	})
	return summary, nil
}

// BatchFile is one file in a PushBatch.
type BatchFile struct {
	Path    string
	Content string
}

// BatchResult reports a batch push. OK is true only when every file
// committed.
type BatchResult struct {
	OK        bool            `json:"ok"`
	Summaries []UploadSummary `json:"summaries"`
}

// PushBatch commits files one at a time, continuing past per-file failures.
func (c *Client) PushBatch(ctx context.Context, files []BatchFile, message, branch string) (BatchResult, error) {
	if err := c.configured(); err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{OK: true}
	for _, f := range files {
		summary, err := c.UploadFile(ctx, UploadParams{Path: f.Path, Content: f.Content, Message: message, Branch: branch})
		if err != nil {
			result.OK = false
			summary = UploadSummary{Path: f.Path, Error: err.Error()}
		}
		result.Summaries = append(result.Summaries, summary)
		if ctx.Err() != nil {
			result.OK = false
			break
		}
	}
	c.record(activity.LevelInfo, "push-batch", fmt.Sprintf("Pushed %d files", len(result.Summaries)), map[string]any{
		"count": len(result.Summaries), "ok": result.OK,
	})
	return result, nil
}

// DeleteParams describes one delete.
type DeleteParams struct {
	Path    string
	Branch  string
	Message string
}

// DeleteFile removes one file with its own commit.
func (c *Client) DeleteFile(ctx context.Context, p DeleteParams) (UploadSummary, error) {
	if err := c.configured(); err != nil {
		return UploadSummary{}, err
	}
	if err := ValidatePath(p.Path); err != nil {
		return UploadSummary{}, err
	}
	branch := p.Branch
	if branch == "" {
		branch = c.config.Branch
	}
	message := p.Message
	if message == "" {
		message = fmt.Sprintf("Delete %s", p.Path)
	}

	sha, err := c.blobSHA(ctx, p.Path, branch)
	if err != nil {
		c.record(activity.LevelError, "delete", fmt.Sprintf("Delete %q failed: not found", p.Path), map[string]any{"path": p.Path, "error": err})
		return UploadSummary{}, err
	}

	body := map[string]any{"message": message, "sha": sha, "branch": branch}
	var resp struct {
		Commit struct {
			HTMLURL string `json:"html_url"`
		} `json:"commit"`
	}
	if err := c.do(ctx, http.MethodDelete, c.contentsURL(p.Path, ""), body, &resp); err != nil {
		c.record(activity.LevelError, "delete", fmt.Sprintf("Delete %q failed", p.Path), map[string]any{"path": p.Path, "branch": branch, "error": err})
		return UploadSummary{}, err
	}
	c.record(activity.LevelInfo, "delete", fmt.Sprintf("Deleted %q", p.Path), map[string]any{
		"path": p.Path, "branch": branch, "commitUrl": resp.Commit.HTMLURL,
	})
	return UploadSummary{Path: p.Path, CommitURL: resp.Commit.HTMLURL}, nil
}

// blobSHA looks up a file's current SHA without recording activity.
func (c *Client) blobSHA(ctx context.Context, path, ref string) (string, error) {
	var resp contentsResponse
	if err := c.do(ctx, http.MethodGet, c.contentsURL(path, ref), nil, &resp); err != nil {
		return "", err
	}
	return resp.SHA, nil
}

func (c *Client) contentsURL(path, ref string) string {
	u := fmt.Sprintf("/repos/%s/%s/contents", c.config.Owner, c.config.Repo)
	if path != "" {
		parts := strings.Split(path, "/")
		for i, part := range parts {
			parts[i] = url.PathEscape(part)
		}
		u += "/" + strings.Join(parts, "/")
	}
	if ref != "" {
		u += "?ref=" + url.QueryEscape(ref)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read github response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode >= 400 {
		var apiMsg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiMsg)
		if apiMsg.Message == "" {
			apiMsg.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiMsg.Message}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode github response: %w", err)
		}
	}
	return nil
}

// record pushes an activity entry. Meta passes through the channel's
// sanitizer, so tokens and raw errors never reach subscribers.
func (c *Client) record(level activity.Level, action, message string, meta map[string]any) {
	if c.activity == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["action"] = action
	c.activity.Push(level, "github", message, meta)
}
