package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func buildRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)

	r.Route("/api/v1/update", func(r chi.Router) {
		r.Get("/state", s.stateHandler)
		r.Get("/history", s.historyHandler)
		r.Post("/check", s.checkHandler)
		r.Post("/download", s.downloadHandler)
	})
	return r
}
