package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	appErrors "github.com/izzyreal/otastage/internal/errors"
	"github.com/izzyreal/otastage/internal/server/httpx"
	"github.com/izzyreal/otastage/internal/store"
	"github.com/izzyreal/otastage/internal/updater"
	"github.com/izzyreal/otastage/internal/version"
)

const maxHistoryLimit = 500

type stateResponse struct {
	updater.Status
	BuildVersion string `json:"build_version"`
}

type historyResponse struct {
	Enabled bool          `json:"enabled"`
	Events  []store.Event `json:"events"`
}

type downloadResponse struct {
	Staged bool          `json:"staged"`
	State  updater.State `json:"state"`
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.updater.Status()
	if err != nil {
		writeUpdateError(w, "read update state", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stateResponse{Status: st, BuildVersion: version.Current()})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httpx.WriteJSON(w, http.StatusOK, historyResponse{Enabled: false, Events: []store.Event{}})
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	events, err := s.history.ListEvents(r.Context(), limit)
	if err != nil {
		writeUpdateError(w, "list update history", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{Enabled: true, Events: events})
}

func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.updater.CheckForUpdate(r.Context())
	if err != nil {
		writeUpdateError(w, "check for update", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	staged, err := s.updater.DownloadUpdateNow(r.Context())
	if err != nil {
		writeUpdateError(w, "download update", err)
		return
	}
	st, err := s.updater.Status()
	if err != nil {
		writeUpdateError(w, "read update state", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, downloadResponse{Staged: staged, State: st.State})
}

func writeUpdateError(w http.ResponseWriter, op string, err error) {
	code := appErrors.CodeOf(err)
	status := http.StatusInternalServerError
	if code == appErrors.CodeNetwork {
		status = http.StatusBadGateway
	}
	slog.Error(op+" failed", "code", string(code), "error", err)
	httpx.WriteError(w, status, string(code), err.Error())
}
