package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	RegisterRoutes(r, h)
	return r
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/healthz", healthHandler)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.SchedulerStatus)
		r.Post("/start", h.StartScheduler)
		r.Post("/stop", h.StopScheduler)
		r.Post("/restart", h.RestartScheduler)
		r.Post("/run", h.RunCycle)
	})

	r.Route("/applications", func(r chi.Router) {
		r.Post("/", h.CreateApplication)
		r.Post("/import", h.ImportApplications)
		r.Get("/{id}", h.GetApplication)
		r.Get("/{id}/followups", h.ListFollowUps)
		r.Patch("/{id}/status", h.UpdateApplicationStatus)
	})

	r.Patch("/followups/{id}/status", h.UpdateFollowUpStatus)
}
