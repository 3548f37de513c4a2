package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	appErrors "github.com/izzyreal/otastage/internal/errors"
	"github.com/izzyreal/otastage/internal/store"
	"github.com/izzyreal/otastage/internal/updater"
	"github.com/izzyreal/otastage/internal/version"
)

type fakeUpdater struct {
	status      updater.Status
	statusErr   error
	check       updater.CheckResult
	checkErr    error
	staged      bool
	downloadErr error
	checks      int
	downloads   int
}

func (f *fakeUpdater) Status() (updater.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeUpdater) CheckForUpdate(ctx context.Context) (updater.CheckResult, error) {
	f.checks++
	return f.check, f.checkErr
}

func (f *fakeUpdater) DownloadUpdateNow(ctx context.Context) (bool, error) {
	f.downloads++
	if f.downloadErr == nil && f.staged {
		f.status.State = updater.State{Phase: updater.PhaseReady, Version: "1.1"}
	}
	return f.staged, f.downloadErr
}

type fakeHistory struct {
	events    []store.Event
	lastLimit int
}

func (h *fakeHistory) ListEvents(ctx context.Context, limit int) ([]store.Event, error) {
	h.lastLimit = limit
	return h.events, nil
}

func newTestHTTPServer(t *testing.T, u UpdateService, h History) *httptest.Server {
	t.Helper()
	s, err := New(Options{Updater: u, History: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, client *http.Client, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func TestHealthz(t *testing.T) {
	ts := newTestHTTPServer(t, &fakeUpdater{}, nil)
	resp := doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/healthz")
	if body := readBody(t, resp); resp.StatusCode != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("healthz status=%d body=%s", resp.StatusCode, body)
	}
}

func TestStateEndpoint(t *testing.T) {
	oldVersion := version.Version
	version.Version = "v0.3.0"
	t.Cleanup(func() { version.Version = oldVersion })

	u := &fakeUpdater{status: updater.Status{Installed: "1.0", State: updater.State{Phase: updater.PhaseScheduled, Version: "1.1"}}}
	ts := newTestHTTPServer(t, u, nil)

	resp := doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/update/state")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status=%d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var payload struct {
		Installed    string        `json:"installed"`
		State        updater.State `json:"state"`
		BuildVersion string        `json:"build_version"`
	}
	decodeJSONBody(t, resp, &payload)
	if payload.Installed != "1.0" || payload.State.Phase != updater.PhaseScheduled || payload.State.Version != "1.1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.BuildVersion != "v0.3.0" {
		t.Fatalf("unexpected build_version: %q", payload.BuildVersion)
	}
}

func TestStateEndpointFilesystemError(t *testing.T) {
	u := &fakeUpdater{statusErr: appErrors.Filesystem("stat staging directory", errors.New("permission denied"))}
	ts := newTestHTTPServer(t, u, nil)
	resp := doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/update/state")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(body, `"code":"filesystem"`) {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}

func TestCheckEndpoint(t *testing.T) {
	u := &fakeUpdater{check: updater.CheckResult{Installed: "1.0", Latest: "1.1", Newer: true, Staged: true, State: updater.State{Phase: updater.PhaseScheduled, Version: "1.1"}}}
	ts := newTestHTTPServer(t, u, nil)

	resp := doRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/v1/update/check")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status=%d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var res updater.CheckResult
	decodeJSONBody(t, resp, &res)
	if !res.Staged || res.Latest != "1.1" || res.State.Phase != updater.PhaseScheduled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if u.checks != 1 {
		t.Fatalf("expected one check, got %d", u.checks)
	}
}

func TestCheckEndpointRejectsGet(t *testing.T) {
	u := &fakeUpdater{}
	ts := newTestHTTPServer(t, u, nil)
	resp := doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/update/check")
	_ = readBody(t, resp)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if u.checks != 0 {
		t.Fatalf("GET must not trigger a check")
	}
}

func TestCheckEndpointNetworkErrorIsBadGateway(t *testing.T) {
	u := &fakeUpdater{checkErr: appErrors.Network("latest release", errors.New("status=503"))}
	ts := newTestHTTPServer(t, u, nil)
	resp := doRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/v1/update/check")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "status=503") {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}

func TestDownloadEndpoint(t *testing.T) {
	u := &fakeUpdater{staged: true, status: updater.Status{Installed: "1.0", State: updater.State{Phase: updater.PhaseNoUpdate}}}
	ts := newTestHTTPServer(t, u, nil)

	resp := doRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/v1/update/download")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status=%d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var payload downloadResponse
	decodeJSONBody(t, resp, &payload)
	if !payload.Staged || payload.State.Phase != updater.PhaseReady {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := &fakeHistory{events: []store.Event{{ID: 2, Operation: updater.OpCheck, FromPhase: "no_update", ToPhase: "scheduled", ToVersion: "1.1"}}}
	ts := newTestHTTPServer(t, &fakeUpdater{}, h)

	resp := doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/update/history?limit=5000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status=%d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var payload historyResponse
	decodeJSONBody(t, resp, &payload)
	if !payload.Enabled || len(payload.Events) != 1 || payload.Events[0].ToVersion != "1.1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if h.lastLimit != maxHistoryLimit {
		t.Fatalf("limit not capped: %d", h.lastLimit)
	}

	resp = doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/update/history?limit=abc")
	_ = readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit status=%d", resp.StatusCode)
	}
}

func TestHistoryEndpointDisabled(t *testing.T) {
	ts := newTestHTTPServer(t, &fakeUpdater{}, nil)
	resp := doRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/update/history")
	var payload historyResponse
	decodeJSONBody(t, resp, &payload)
	if payload.Enabled || payload.Events == nil || len(payload.Events) != 0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestNewRequiresUpdater(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without updater")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Options{Addr: "127.0.0.1:0", Updater: &fakeUpdater{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
