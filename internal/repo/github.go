package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appErrors "github.com/izzyreal/otastage/internal/errors"
	"github.com/izzyreal/otastage/internal/version"
)

const (
	DefaultAPIBase = "https://api.github.com"

	EntryFile = "file"
	EntryDir  = "dir"

	errorBodyLimit   = 64 * 1024
	listingBodyLimit = 4 * 1024 * 1024
)

// Entry is one item of a contents listing. DownloadURL is only set for files.
type Entry struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	DownloadURL string `json:"download_url"`
}

type Options struct {
	APIBase string
	// Repo is "owner/name", a github.com URL, or an API URL ending in
	// /repos/owner/name.
	Repo       string
	Headers    map[string]string
	AuthToken  string
	HTTPClient *http.Client
	// MaxBodyBytes caps a single downloaded file. Zero means no cap.
	MaxBodyBytes int64
}

// Client talks to the GitHub REST API of one repository. Every request carries
// the configured header set.
type Client struct {
	repoURL      string
	headers      map[string]string
	authToken    string
	httpClient   *http.Client
	maxBodyBytes int64
}

type githubLatestRelease struct {
	TagName string `json:"tag_name"`
}

func New(opts Options) (*Client, error) {
	repoURL, err := RepoAPIURL(opts.APIBase, opts.Repo)
	if err != nil {
		return nil, err
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Client{
		repoURL:      repoURL,
		headers:      headers,
		authToken:    strings.TrimSpace(opts.AuthToken),
		httpClient:   client,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// RepoAPIURL turns the configured repository into its API root, for example
// https://github.com/acme/app into https://api.github.com/repos/acme/app.
func RepoAPIURL(apiBase, repo string) (string, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	repo = strings.TrimRight(strings.TrimSpace(repo), "/")
	if repo == "" {
		return "", appErrors.Config("repository is required", nil)
	}

	if !strings.Contains(repo, "://") {
		if strings.Count(repo, "/") != 1 {
			return "", appErrors.Config(fmt.Sprintf("repository %q must be owner/name or a URL", repo), nil)
		}
		return apiBase + "/repos/" + repo, nil
	}

	u, err := url.Parse(repo)
	if err != nil {
		return "", appErrors.Config(fmt.Sprintf("parse repository URL %q", repo), err)
	}
	if strings.Contains(u.Path, "/repos/") {
		return repo, nil
	}
	if !strings.EqualFold(u.Host, "github.com") && !strings.EqualFold(u.Host, "www.github.com") {
		return "", appErrors.Config(fmt.Sprintf("repository URL %q is neither github.com nor an API URL", repo), nil)
	}
	ownerName := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	if strings.Count(ownerName, "/") != 1 {
		return "", appErrors.Config(fmt.Sprintf("repository URL %q must name owner/name", repo), nil)
	}
	return apiBase + "/repos/" + ownerName, nil
}

func (c *Client) RepoURL() string {
	return c.repoURL
}

// ContentsURL is the contents listing root for a path inside the repository.
func (c *Client) ContentsURL(path string) string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return c.repoURL + "/contents"
	}
	return c.repoURL + "/contents/" + EscapePath(path)
}

// EscapePath escapes each slash-separated segment of a repository path.
func EscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// LatestTag returns the tag name of the latest published release.
func (c *Client) LatestTag(ctx context.Context) (string, error) {
	body, err := c.get(ctx, c.repoURL+"/releases/latest", "application/vnd.github+json", listingBodyLimit)
	if err != nil {
		return "", appErrors.Network("latest release", err)
	}
	var rel githubLatestRelease
	if err := json.Unmarshal(body, &rel); err != nil {
		return "", appErrors.Network("decode latest release", err)
	}
	tag := strings.TrimSpace(rel.TagName)
	if tag == "" {
		return "", appErrors.Network("latest release has no tag_name", nil)
	}
	return tag, nil
}

// ListEntries fetches and decodes a contents listing. listingURL already carries
// any ref query parameter.
func (c *Client) ListEntries(ctx context.Context, listingURL string) ([]Entry, error) {
	body, err := c.get(ctx, listingURL, "application/vnd.github+json", listingBodyLimit)
	if err != nil {
		return nil, appErrors.Network("contents listing", err)
	}
	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, appErrors.Network("decode contents listing", err)
	}
	return entries, nil
}

// Fetch downloads a raw file body in full.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := c.get(ctx, rawURL, "application/octet-stream", c.maxBodyBytes)
	if err != nil {
		return nil, appErrors.Network("download file", err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, target, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	applyGitHubAuthHeader(req, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("GET %s: status=%d body=%s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", target, err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", target, limit)
	}
	return body, nil
}

// StripTagRef removes the tag reference from a raw download URL: a ref query
// parameter and a refs/tags/ path segment. Raw content hosts accept neither.
func StripTagRef(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Replace(rawURL, "refs/tags/", "", 1)
	}
	u.Path = strings.Replace(u.Path, "/refs/tags/", "/", 1)
	if u.RawPath != "" {
		u.RawPath = strings.Replace(u.RawPath, "/refs/tags/", "/", 1)
	}
	q := u.Query()
	if q.Has("ref") {
		q.Del("ref")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func applyGitHubAuthHeader(req *http.Request, token string) {
	if req == nil {
		return
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
