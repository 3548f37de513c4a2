package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

const (
	FakeAPIBase = "https://api.fake.test"
	FakeRawBase = "https://raw.fake.test"
)

// FakeRepo serves the subset of the GitHub REST API used by the updater from
// in-memory trees, one per tag. Raw downloads are only served on URLs whose
// refs/tags/ segment was removed.
type FakeRepo struct {
	Owner  string
	Name   string
	Latest string
	// Trees maps a tag to repository paths ("main/lib/a.py") and their content.
	Trees map[string]map[string]string
	// FailRaw lists repository paths whose raw download answers 500.
	FailRaw map[string]bool

	mu       sync.Mutex
	requests []*http.Request
}

func NewFakeRepo(latest string, trees map[string]map[string]string) *FakeRepo {
	return &FakeRepo{
		Owner:   "acme",
		Name:    "device-app",
		Latest:  latest,
		Trees:   trees,
		FailRaw: map[string]bool{},
	}
}

func (f *FakeRepo) Repo() string {
	return f.Owner + "/" + f.Name
}

func (f *FakeRepo) Client() *http.Client {
	return &http.Client{Transport: f}
}

// Requests returns a copy of every request seen so far.
func (f *FakeRepo) Requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

// RawFetches counts raw downloads, a proxy for "a mirror ran".
func (f *FakeRepo) RawFetches() int {
	n := 0
	for _, r := range f.Requests() {
		if "https://"+r.URL.Host == FakeRawBase {
			n++
		}
	}
	return n
}

func (f *FakeRepo) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	base := "https://" + req.URL.Host
	switch base {
	case FakeAPIBase:
		return f.serveAPI(req), nil
	case FakeRawBase:
		return f.serveRaw(req), nil
	}
	return textResponse(http.StatusBadGateway, "unknown host "+req.URL.Host), nil
}

func (f *FakeRepo) serveAPI(req *http.Request) *http.Response {
	prefix := "/repos/" + f.Owner + "/" + f.Name
	p := req.URL.Path
	if !strings.HasPrefix(p, prefix) {
		return textResponse(http.StatusNotFound, "no such repository")
	}
	p = strings.TrimPrefix(p, prefix)

	if p == "/releases/latest" {
		if f.Latest == "" {
			return textResponse(http.StatusNotFound, "no releases")
		}
		return jsonResponse(http.StatusOK, map[string]any{"tag_name": f.Latest})
	}
	if p == "/contents" || strings.HasPrefix(p, "/contents/") {
		ref := req.URL.Query().Get("ref")
		tag := strings.TrimPrefix(ref, "refs/tags/")
		tree, ok := f.Trees[tag]
		if !ok || ref == tag {
			return textResponse(http.StatusNotFound, "no such ref "+ref)
		}
		dir := strings.Trim(strings.TrimPrefix(p, "/contents"), "/")
		entries := f.listing(tag, tree, dir)
		if entries == nil {
			return textResponse(http.StatusNotFound, "no such directory "+dir)
		}
		return jsonResponse(http.StatusOK, entries)
	}
	return textResponse(http.StatusNotFound, "not found")
}

func (f *FakeRepo) listing(tag string, tree map[string]string, dir string) []map[string]any {
	files := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for p := range tree {
		rest := p
		if dir != "" {
			if !strings.HasPrefix(p, dir+"/") {
				continue
			}
			rest = strings.TrimPrefix(p, dir+"/")
		}
		if i := strings.Index(rest, "/"); i >= 0 {
			dirs[rest[:i]] = struct{}{}
		} else {
			files[rest] = struct{}{}
		}
	}
	if len(files) == 0 && len(dirs) == 0 {
		return nil
	}

	join := func(name string) string {
		if dir == "" {
			return name
		}
		return dir + "/" + name
	}
	out := make([]map[string]any, 0, len(files)+len(dirs))
	for _, name := range sortedKeys(files) {
		full := join(name)
		out = append(out, map[string]any{
			"type":         "file",
			"name":         name,
			"path":         full,
			"download_url": FakeRawBase + "/" + f.Owner + "/" + f.Name + "/refs/tags/" + url.PathEscape(tag) + "/" + escapeSegments(full),
		})
	}
	for _, name := range sortedKeys(dirs) {
		out = append(out, map[string]any{
			"type":         "dir",
			"name":         name,
			"path":         join(name),
			"download_url": nil,
		})
	}
	return out
}

func (f *FakeRepo) serveRaw(req *http.Request) *http.Response {
	prefix := "/" + f.Owner + "/" + f.Name + "/"
	p := req.URL.Path
	if !strings.HasPrefix(p, prefix) {
		return textResponse(http.StatusNotFound, "not found")
	}
	rest := strings.TrimPrefix(p, prefix)
	if strings.HasPrefix(rest, "refs/") {
		return textResponse(http.StatusBadRequest, "raw host does not accept refs/tags")
	}
	tag, filePath, ok := strings.Cut(rest, "/")
	if !ok {
		return textResponse(http.StatusNotFound, "not found")
	}
	tree, ok := f.Trees[tag]
	if !ok {
		return textResponse(http.StatusNotFound, "no such tag")
	}
	if f.FailRaw[filePath] {
		return textResponse(http.StatusInternalServerError, "upstream failure")
	}
	content, ok := tree[filePath]
	if !ok {
		return textResponse(http.StatusNotFound, "no such file")
	}
	return textResponse(http.StatusOK, content)
}

func escapeSegments(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func jsonResponse(status int, v any) *http.Response {
	raw, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(raw))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}
